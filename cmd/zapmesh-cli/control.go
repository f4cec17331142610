package zapmesh

import (
	"encoding/json"
	"fmt"
	nhttp "net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/zapmesh/zapmesh/core"
	"github.com/zapmesh/zapmesh/http"
	"github.com/zapmesh/zapmesh/key"
)

const pingTimeout = 5 * time.Second

// pingpongCmd fetches /health from a running daemon. The target defaults to
// the local listen address and can be overridden by argument or flag.
func pingpongCmd(c *cli.Context) error {
	addr := c.Args().First()
	if addr == "" {
		addr = c.String(listenFlag.Name)
	}
	if addr == "" {
		addr = core.DefaultListenAddress
	}
	target := addr
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	client := &nhttp.Client{Timeout: pingTimeout}
	resp, err := client.Get(target + "/health")
	if err != nil {
		return fmt.Errorf("zapmesh: can't ping the daemon ... %w", err)
	}
	defer resp.Body.Close()

	var health http.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("zapmesh: reading daemon health: %w", err)
	}
	if health.Status != "ok" {
		fmt.Fprintf(output, "zapmesh daemon on %s is still %s\n", addr, health.BootstrapPhase)
		return printJSON(health)
	}
	fmt.Fprintf(output, "zapmesh daemon is alive on %s\n", addr)
	return printJSON(health)
}

func showPrivateCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	return printTOML(pair.TOML())
}

func showPublicCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	return printTOML(pair.Public.TOML())
}

func loadKeyPair(c *cli.Context) (*key.Pair, error) {
	conf, err := contextToConfig(c)
	if err != nil {
		return nil, err
	}
	pair, err := key.NewFileStore(conf.ConfigFolder()).LoadKeyPair()
	if err != nil {
		return nil, fmt.Errorf("could not load keypair from %s: %w", conf.ConfigFolder(), err)
	}
	return pair, nil
}

func printJSON(j interface{}) error {
	buff, err := json.MarshalIndent(j, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal: %w", err)
	}
	fmt.Fprintln(output, string(buff))
	return nil
}

func printTOML(v interface{}) error {
	if err := toml.NewEncoder(output).Encode(v); err != nil {
		return fmt.Errorf("could not TOML marshal: %w", err)
	}
	fmt.Fprintln(output)
	return nil
}
