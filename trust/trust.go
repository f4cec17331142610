// Package trust derives a composite trust score for a remote key from the
// social graph and payment history, and maps it to routing priorities and
// credit limits. Scores are cached with a TTL; recomputation is idempotent.
package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/metrics"
)

// Unreachable marks a target with no follow path inside the hop bound.
const Unreachable = -1

// Weights blends the normalized signals into the composite. Weights are
// relative; the blend divides by the positive mass, so a set summing to 1
// behaves exactly as written.
type Weights struct {
	Social        float64
	Mutuals       float64
	Reaction      float64
	ZapVolume     float64
	ZapDiversity  float64
	Settlement    float64
	Label         float64
	Badge         float64
	ReportPenalty float64
}

// DefaultWeights returns the standard blend.
func DefaultWeights() Weights {
	return Weights{
		Social:        0.15,
		Mutuals:       0.10,
		Reaction:      0.05,
		ZapVolume:     0.15,
		ZapDiversity:  0.10,
		Settlement:    0.15,
		Label:         0.10,
		Badge:         0.10,
		ReportPenalty: 0.10,
	}
}

func (w Weights) positiveMass() float64 {
	return w.Social + w.Mutuals + w.Reaction + w.ZapVolume +
		w.ZapDiversity + w.Settlement + w.Label + w.Badge
}

// Validate rejects negative weights and an empty positive mass. The
// ReportPenalty weight is a magnitude; it is applied negatively.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"social":         w.Social,
		"mutuals":        w.Mutuals,
		"reaction":       w.Reaction,
		"zap-volume":     w.ZapVolume,
		"zap-diversity":  w.ZapDiversity,
		"settlement":     w.Settlement,
		"label":          w.Label,
		"badge":          w.Badge,
		"report-penalty": w.ReportPenalty,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("trust: weight %s out of range: %v", name, v)
		}
	}
	if w.positiveMass() <= 0 {
		return errors.New("trust: positive weight mass must be > 0")
	}
	return nil
}

// Curve selects how composite maps to a credit limit.
const (
	CurveLinear      = "linear"
	CurveExponential = "exponential"
)

// Config tunes normalization caps, cache behavior and the credit curve.
type Config struct {
	MaxHops         int
	TTL             time.Duration
	CacheSize       int
	ReactionWindow  time.Duration
	ZapVolumeCap    float64
	ZapSendersCap   float64
	BadgeCap        int
	ReportThreshold float64
	ReportCap       float64
	CreditMin       int64
	CreditMax       int64
	CreditCurve     string
}

// DefaultConfig returns sane caps for a small mesh.
func DefaultConfig() Config {
	return Config{
		MaxHops:         3,
		TTL:             5 * time.Minute,
		CacheSize:       4096,
		ReactionWindow:  30 * 24 * time.Hour,
		ZapVolumeCap:    1_000_000,
		ZapSendersCap:   50,
		BadgeCap:        5,
		ReportThreshold: 0.5,
		ReportCap:       3,
		CreditMin:       1_000,
		CreditMax:       1_000_000,
		CreditCurve:     CurveLinear,
	}
}

// GraphSource exposes the follow graph in both directions.
type GraphSource interface {
	// Follows lists the keys pubkey follows.
	Follows(ctx context.Context, pubkey string) ([]string, error)
	// Followers lists the keys following pubkey.
	Followers(ctx context.Context, pubkey string) ([]string, error)
}

// Zap is one paid-message receipt counted towards a target.
type Zap struct {
	Sender string
	Amount int64
}

// Label is one quality rating by some author, already normalized to [0,1].
type Label struct {
	Author string
	Value  float64
}

// SignalSource yields the raw per-target trust signals.
type SignalSource interface {
	Reactions(ctx context.Context, target string, since int64) (likes, dislikes int, err error)
	Zaps(ctx context.Context, target string) ([]Zap, error)
	Labels(ctx context.Context, target string) ([]Label, error)
	Badges(ctx context.Context, target string) (int, error)
	Reporters(ctx context.Context, target string) ([]string, error)
}

// SettlementSource reports packet outcomes per peer. The connector recorder
// satisfies this.
type SettlementSource interface {
	Reliability(peerKey string) (fulfills, rejects uint64)
}

// Entry is one computed trust record for a (self, target) pair. All signal
// scores are normalized to [0,1].
type Entry struct {
	Target        string
	Hops          int
	MutualCount   int
	Social        float64
	Mutuals       float64
	Reaction      float64
	ZapVolume     float64
	ZapDiversity  float64
	Settlement    float64
	Label         float64
	Badge         float64
	ReportPenalty float64
	Composite     float64
	ComputedAt    time.Time
}

type cached struct {
	entry   Entry
	expires time.Time
}

// Engine computes and caches trust entries.
type Engine struct {
	l       log.Logger
	graph   GraphSource
	signals SignalSource
	settle  SettlementSource
	w       Weights
	cfg     Config
	clock   clockwork.Clock
	cache   *lru.Cache
}

// NewEngine builds an engine. settle may be nil when no connector history is
// available; that signal then reads 0.
func NewEngine(l log.Logger, graph GraphSource, signals SignalSource, settle SettlementSource,
	w Weights, cfg Config, clock clockwork.Clock) (*Engine, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultConfig().MaxHops
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("trust: building cache: %w", err)
	}
	return &Engine{
		l:       l,
		graph:   graph,
		signals: signals,
		settle:  settle,
		w:       w,
		cfg:     cfg,
		clock:   clock,
		cache:   cache,
	}, nil
}

// Distance runs a bounded BFS over the follow graph. It returns Unreachable
// when no path of at most MaxHops exists.
func (e *Engine) Distance(ctx context.Context, self, target string) (int, error) {
	if self == target {
		return 0, nil
	}
	visited := map[string]bool{self: true}
	frontier := []string{self}
	for depth := 1; depth <= e.cfg.MaxHops; depth++ {
		var next []string
		for _, pk := range frontier {
			select {
			case <-ctx.Done():
				return Unreachable, ctx.Err()
			default:
			}
			follows, err := e.graph.Follows(ctx, pk)
			if err != nil {
				return Unreachable, err
			}
			for _, f := range follows {
				if f == target {
					return depth, nil
				}
				if !visited[f] {
					visited[f] = true
					next = append(next, f)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return Unreachable, nil
}

// Mutuals counts the followers a and b share.
func (e *Engine) Mutuals(ctx context.Context, a, b string) (int, error) {
	fa, err := e.graph.Followers(ctx, a)
	if err != nil {
		return 0, err
	}
	fb, err := e.graph.Followers(ctx, b)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(fa))
	for _, k := range fa {
		seen[k] = struct{}{}
	}
	n := 0
	for _, k := range fb {
		if _, ok := seen[k]; ok {
			n++
			delete(seen, k)
		}
	}
	return n, nil
}

// Score returns the cached entry for (self, target), recomputing it when the
// TTL lapsed.
func (e *Engine) Score(ctx context.Context, self, target string) (*Entry, error) {
	key := self + "|" + target
	if v, ok := e.cache.Get(key); ok {
		c := v.(cached)
		if e.clock.Now().Before(c.expires) {
			entry := c.entry
			return &entry, nil
		}
	}

	entry, err := e.compute(ctx, self, target)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, cached{entry: *entry, expires: e.clock.Now().Add(e.cfg.TTL)})
	return entry, nil
}

// Invalidate drops the cached entry for (self, target).
func (e *Engine) Invalidate(self, target string) {
	e.cache.Remove(self + "|" + target)
}

func (e *Engine) compute(ctx context.Context, self, target string) (*Entry, error) {
	metrics.TrustRecomputes.Inc()

	entry := &Entry{Target: target, Hops: Unreachable, ComputedAt: e.clock.Now()}

	hops, err := e.Distance(ctx, self, target)
	if err != nil {
		return nil, err
	}
	entry.Hops = hops
	if hops == Unreachable {
		// No path means no trust, whatever the other signals say.
		return entry, nil
	}
	entry.Social = socialScore(hops)

	// A dead signal source degrades its signal to zero rather than failing
	// the whole computation.
	guard := func(name string, f func() (float64, error)) float64 {
		v, err := f()
		if err != nil {
			e.l.Debugw("", "trust", "signal unavailable", "signal", name, "target", target, "err", err)
			return 0
		}
		return v
	}

	entry.Mutuals = guard("mutuals", func() (float64, error) {
		n, err := e.Mutuals(ctx, self, target)
		if err != nil {
			return 0, err
		}
		entry.MutualCount = n
		return math.Min(1, float64(n)/10), nil
	})

	entry.Reaction = guard("reaction", func() (float64, error) {
		since := e.clock.Now().Add(-e.cfg.ReactionWindow).Unix()
		likes, dislikes, err := e.signals.Reactions(ctx, target, since)
		if err != nil {
			return 0, err
		}
		if likes+dislikes == 0 {
			return 0, nil
		}
		return float64(likes) / float64(likes+dislikes), nil
	})

	var zaps []Zap
	entry.ZapVolume = guard("zap-volume", func() (float64, error) {
		var err error
		zaps, err = e.signals.Zaps(ctx, target)
		if err != nil {
			return 0, err
		}
		var total int64
		for _, z := range zaps {
			total += z.Amount
		}
		return logNorm(float64(total), e.cfg.ZapVolumeCap), nil
	})
	entry.ZapDiversity = guard("zap-diversity", func() (float64, error) {
		senders := make(map[string]struct{})
		for _, z := range zaps {
			if z.Sender != "" {
				senders[z.Sender] = struct{}{}
			}
		}
		return logNorm(float64(len(senders)), e.cfg.ZapSendersCap), nil
	})

	if e.settle != nil {
		fulfills, rejects := e.settle.Reliability(target)
		if fulfills+rejects > 0 {
			entry.Settlement = float64(fulfills) / float64(fulfills+rejects)
		}
	}

	entry.Label = guard("label", func() (float64, error) {
		labels, err := e.signals.Labels(ctx, target)
		if err != nil {
			return 0, err
		}
		return e.distanceWeightedMean(ctx, self, labels), nil
	})

	entry.Badge = guard("badge", func() (float64, error) {
		n, err := e.signals.Badges(ctx, target)
		if err != nil {
			return 0, err
		}
		if e.cfg.BadgeCap <= 0 {
			return 0, nil
		}
		return math.Min(1, float64(n)/float64(e.cfg.BadgeCap)), nil
	})

	entry.ReportPenalty = guard("report", func() (float64, error) {
		reporters, err := e.signals.Reporters(ctx, target)
		if err != nil {
			return 0, err
		}
		return e.reportScore(ctx, self, reporters), nil
	})

	entry.Composite = e.blend(entry)
	return entry, nil
}

// distanceWeightedMean weighs each label by the author's social score.
// Labels from unreachable authors carry no weight.
func (e *Engine) distanceWeightedMean(ctx context.Context, self string, labels []Label) float64 {
	var sum, mass float64
	for _, la := range labels {
		hops, err := e.Distance(ctx, self, la.Author)
		if err != nil || hops == Unreachable {
			continue
		}
		w := socialScore(hops)
		sum += w * la.Value
		mass += w
	}
	if mass == 0 {
		return 0
	}
	return sum / mass
}

// reportScore sums reporter social scores; below the threshold reports are
// treated as noise.
func (e *Engine) reportScore(ctx context.Context, self string, reporters []string) float64 {
	var sum float64
	seen := make(map[string]struct{}, len(reporters))
	for _, r := range reporters {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		hops, err := e.Distance(ctx, self, r)
		if err != nil || hops == Unreachable {
			continue
		}
		sum += socialScore(hops)
	}
	if sum < e.cfg.ReportThreshold {
		return 0
	}
	if e.cfg.ReportCap <= 0 {
		return 1
	}
	return math.Min(1, sum/e.cfg.ReportCap)
}

func (e *Engine) blend(entry *Entry) float64 {
	w := e.w
	sum := w.Social*entry.Social +
		w.Mutuals*entry.Mutuals +
		w.Reaction*entry.Reaction +
		w.ZapVolume*entry.ZapVolume +
		w.ZapDiversity*entry.ZapDiversity +
		w.Settlement*entry.Settlement +
		w.Label*entry.Label +
		w.Badge*entry.Badge -
		w.ReportPenalty*entry.ReportPenalty
	c := sum / w.positiveMass()
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// PriorityFor maps the composite onto the routing priority ladder.
func (e *Engine) PriorityFor(ctx context.Context, self, target string) (int, error) {
	entry, err := e.Score(ctx, self, target)
	if err != nil {
		return 0, err
	}
	return priorityOf(entry.Composite), nil
}

// CreditLimitFor maps the composite onto the configured credit curve.
func (e *Engine) CreditLimitFor(ctx context.Context, self, target string) (int64, error) {
	entry, err := e.Score(ctx, self, target)
	if err != nil {
		return 0, err
	}
	return creditOf(entry.Composite, e.cfg), nil
}

func priorityOf(composite float64) int {
	switch {
	case composite >= 0.8:
		return 100
	case composite >= 0.5:
		return 50
	case composite >= 0.2:
		return 20
	default:
		return 5
	}
}

func creditOf(composite float64, cfg Config) int64 {
	lo, hi := cfg.CreditMin, cfg.CreditMax
	if hi <= lo {
		return lo
	}
	if cfg.CreditCurve == CurveExponential && lo > 0 {
		// Geometric interpolation; composite 0 hits the floor, 1 the ceiling.
		ratio := float64(hi) / float64(lo)
		return int64(float64(lo) * math.Pow(ratio, composite))
	}
	return lo + int64(composite*float64(hi-lo))
}

func socialScore(hops int) float64 {
	if hops < 0 {
		return 0
	}
	return 1 / float64(1+hops)
}

func logNorm(v, ceiling float64) float64 {
	if v <= 0 || ceiling <= 0 {
		return 0
	}
	s := math.Log1p(v) / math.Log1p(ceiling)
	return math.Min(1, s)
}
