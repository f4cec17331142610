package connector

import (
	"context"
	"sync"
	"time"

	"github.com/zapmesh/zapmesh/metrics"
)

// Stats counts terminal outcomes of packets sent towards one peer.
type Stats struct {
	Fulfills uint64
	Rejects  uint64
}

// Resolver maps a destination routing address to the peer key it routes
// through, typically backed by the peer table.
type Resolver func(destination string) (string, bool)

// Recorder decorates a Client and keeps per-peer fulfill/reject counts for
// the settlement-reliability trust signal. Transport failures count as
// rejects: the peer did not deliver.
type Recorder struct {
	Client

	resolve Resolver

	mu    sync.Mutex
	stats map[string]*Stats
}

// NewRecorder wraps a client. A nil resolver records nothing per-peer but
// still feeds the send metrics.
func NewRecorder(c Client, resolve Resolver) *Recorder {
	return &Recorder{
		Client:  c,
		resolve: resolve,
		stats:   make(map[string]*Stats),
	}
}

// SendPacket implements Client, recording the outcome and its latency.
func (r *Recorder) SendPacket(ctx context.Context, destination string, amount int64, data []byte, timeout time.Duration) (*Result, error) {
	start := time.Now()
	res, err := r.Client.SendPacket(ctx, destination, amount, data, timeout)
	metrics.PacketSendLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.PacketSendOutcomes.WithLabelValues("error").Inc()
		r.record(destination, false)
	case res.Fulfilled:
		metrics.PacketSendOutcomes.WithLabelValues("fulfill").Inc()
		r.record(destination, true)
	default:
		metrics.PacketSendOutcomes.WithLabelValues("reject").Inc()
		r.record(destination, false)
	}
	return res, err
}

func (r *Recorder) record(destination string, fulfilled bool) {
	if r.resolve == nil {
		return
	}
	peerKey, ok := r.resolve(destination)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[peerKey]
	if !ok {
		s = &Stats{}
		r.stats[peerKey] = s
	}
	if fulfilled {
		s.Fulfills++
	} else {
		s.Rejects++
	}
}

// Reliability reports the fulfill/reject counts recorded for a peer.
func (r *Recorder) Reliability(peerKey string) (fulfills, rejects uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[peerKey]; ok {
		return s.Fulfills, s.Rejects
	}
	return 0, 0
}

// Snapshot copies the per-peer outcome counters.
func (r *Recorder) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.stats))
	for k, s := range r.stats {
		out[k] = *s
	}
	return out
}
