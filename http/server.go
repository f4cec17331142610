// Package http assembles the node's public surface: the relay websocket at
// the root, the connector packet callback and the operational read-only
// endpoints. Metrics and pprof stay on the private listener.
package http

import (
	"encoding/json"
	"fmt"
	nhttp "net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/peer"
)

// Health is the payload of GET /health.
type Health struct {
	Status         string `json:"status"`
	BootstrapPhase string `json:"bootstrapPhase"`
	PeerCount      int    `json:"peerCount"`
	ChannelCount   int    `json:"channelCount"`
}

// PeerView is one row of GET /peers. Session material never appears here.
type PeerView struct {
	PubKey         string `json:"pubkey"`
	RoutingAddress string `json:"routingAddress"`
	Endpoint       string `json:"endpoint,omitempty"`
	Chain          string `json:"chain,omitempty"`
	ChannelID      string `json:"channelId,omitempty"`
	Priority       int    `json:"priority"`
}

// viewOf strips a table entry down to what operators may see.
func viewOf(info peer.Info) PeerView {
	return PeerView{
		PubKey:         info.PubKey,
		RoutingAddress: info.RoutingAddress,
		Endpoint:       info.Endpoint,
		Chain:          info.Chain,
		ChannelID:      info.ChannelID,
		Priority:       info.Priority,
	}
}

// Config carries the pieces the public router serves.
type Config struct {
	Logger         log.Logger
	Relay          nhttp.Handler
	PacketCallback nhttp.Handler
	Health         func() Health
	Peers          func() []peer.Info
}

// New creates the public HTTP handler, instrumented with the node's HTTP
// collectors.
func New(cfg Config) (nhttp.Handler, error) {
	if cfg.Health == nil {
		return nil, fmt.Errorf("http: health source required")
	}
	l := cfg.Logger
	if l == nil {
		l = log.DefaultLogger()
	}

	r := chi.NewRouter()
	r.Get("/health", func(w nhttp.ResponseWriter, _ *nhttp.Request) {
		writeJSON(l, w, cfg.Health())
	})
	if cfg.Peers != nil {
		r.Get("/peers", func(w nhttp.ResponseWriter, _ *nhttp.Request) {
			infos := cfg.Peers()
			views := make([]PeerView, 0, len(infos))
			for _, info := range infos {
				views = append(views, viewOf(info))
			}
			writeJSON(l, w, views)
		})
	}
	if cfg.PacketCallback != nil {
		r.Post("/handle-packet", cfg.PacketCallback.ServeHTTP)
	}
	if cfg.Relay != nil {
		r.Handle("/", cfg.Relay)
	}

	var h nhttp.Handler = r
	h = promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, h)
	h = promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter, h)
	h = promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight, h)
	return h, nil
}

func writeJSON(l log.Logger, w nhttp.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l.Debugw("", "http", "response write failed", "err", err)
	}
}
