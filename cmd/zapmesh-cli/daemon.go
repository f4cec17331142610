package zapmesh

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/zapmesh/zapmesh/core"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/metrics/pprof"
)

// stopGrace bounds how long a terminating daemon waits for the listener and
// the event store to wind down.
const stopGrace = 10 * time.Second

func startCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}

	node, err := core.New(conf)
	if err != nil {
		return fmt.Errorf("can't instantiate zapmesh node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("can't start zapmesh node: %w", err)
	}
	// Start metrics server
	if c.IsSet(metricsFlag.Name) {
		_ = metrics.Start(c.String(metricsFlag.Name), pprof.WithProfile())
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return node.Stop(shutdownCtx)
}
