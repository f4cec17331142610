package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/log/testlogger"
)

type fakeGraph struct {
	follows   map[string][]string
	followers map[string][]string
	err       error
}

func (g *fakeGraph) Follows(_ context.Context, pk string) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.follows[pk], nil
}

func (g *fakeGraph) Followers(_ context.Context, pk string) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.followers[pk], nil
}

type fakeSignals struct {
	likes, dislikes int
	zaps            []Zap
	labels          []Label
	badges          int
	reporters       []string
	err             error
}

func (s *fakeSignals) Reactions(_ context.Context, _ string, _ int64) (int, int, error) {
	return s.likes, s.dislikes, s.err
}

func (s *fakeSignals) Zaps(_ context.Context, _ string) ([]Zap, error) {
	return s.zaps, s.err
}

func (s *fakeSignals) Labels(_ context.Context, _ string) ([]Label, error) {
	return s.labels, s.err
}

func (s *fakeSignals) Badges(_ context.Context, _ string) (int, error) {
	return s.badges, s.err
}

func (s *fakeSignals) Reporters(_ context.Context, _ string) ([]string, error) {
	return s.reporters, s.err
}

type fakeSettle struct {
	fulfills, rejects uint64
}

func (s *fakeSettle) Reliability(string) (uint64, uint64) {
	return s.fulfills, s.rejects
}

func newTestEngine(t *testing.T, g GraphSource, s SignalSource, set SettlementSource, cfg Config) (*Engine, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	e, err := NewEngine(testlogger.New(t), g, s, set, DefaultWeights(), cfg, clock)
	require.NoError(t, err)
	return e, clock
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	w.Social = -0.1
	require.Error(t, w.Validate())

	require.Error(t, Weights{}.Validate())
}

func TestDistanceBFS(t *testing.T) {
	g := &fakeGraph{follows: map[string][]string{
		"self": {"a"},
		"a":    {"b", "self"},
		"b":    {"c"},
		"c":    {"d"},
	}}
	e, _ := newTestEngine(t, g, &fakeSignals{}, nil, DefaultConfig())
	ctx := context.Background()

	cases := []struct {
		target string
		want   int
	}{
		{"self", 0},
		{"a", 1},
		{"b", 2},
		{"c", 3},
		{"d", Unreachable}, // four hops, outside the bound
		{"nobody", Unreachable},
	}
	for _, tc := range cases {
		got, err := e.Distance(ctx, "self", tc.target)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "target %s", tc.target)
	}
}

func TestMutuals(t *testing.T) {
	g := &fakeGraph{followers: map[string][]string{
		"a": {"x", "y", "z"},
		"b": {"y", "z", "w", "z"},
	}}
	e, _ := newTestEngine(t, g, &fakeSignals{}, nil, DefaultConfig())

	n, err := e.Mutuals(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCompositeZeroWhenUnreachable(t *testing.T) {
	// Every other signal is maxed out; no follow path still means no trust.
	g := &fakeGraph{follows: map[string][]string{}}
	s := &fakeSignals{likes: 100, zaps: []Zap{{Sender: "s", Amount: 1 << 40}}, badges: 50}
	e, _ := newTestEngine(t, g, s, &fakeSettle{fulfills: 100}, DefaultConfig())

	entry, err := e.Score(context.Background(), "self", "target")
	require.NoError(t, err)
	require.Equal(t, Unreachable, entry.Hops)
	require.Zero(t, entry.Composite)
}

func TestCompositeKnownBlend(t *testing.T) {
	g := &fakeGraph{
		follows: map[string][]string{"self": {"target", "labeler"}},
		followers: map[string][]string{
			"self":   {"m1", "m2", "m3", "m4", "m5", "x"},
			"target": {"m1", "m2", "m3", "m4", "m5", "y"},
		},
	}

	zaps := []Zap{}
	var total int64
	for i := 0; i < 50; i++ {
		zaps = append(zaps, Zap{Sender: string(rune('A' + i)), Amount: 20})
		total += 20
	}
	require.Equal(t, int64(1000), total)

	s := &fakeSignals{
		likes:    3,
		dislikes: 1,
		zaps:     zaps,
		labels:   []Label{{Author: "labeler", Value: 0.8}},
		badges:   5,
	}
	cfg := DefaultConfig()
	cfg.ZapVolumeCap = 1000
	cfg.ZapSendersCap = 50

	e, _ := newTestEngine(t, g, s, &fakeSettle{fulfills: 3, rejects: 1}, cfg)
	entry, err := e.Score(context.Background(), "self", "target")
	require.NoError(t, err)

	require.Equal(t, 1, entry.Hops)
	require.Equal(t, 5, entry.MutualCount)
	require.InDelta(t, 0.5, entry.Social, 1e-12)
	require.InDelta(t, 0.5, entry.Mutuals, 1e-12)
	require.InDelta(t, 0.75, entry.Reaction, 1e-12)
	require.InDelta(t, 1.0, entry.ZapVolume, 1e-12)
	require.InDelta(t, 1.0, entry.ZapDiversity, 1e-12)
	require.InDelta(t, 0.75, entry.Settlement, 1e-12)
	require.InDelta(t, 0.8, entry.Label, 1e-12)
	require.InDelta(t, 1.0, entry.Badge, 1e-12)
	require.Zero(t, entry.ReportPenalty)

	want := (0.15*0.5 + 0.10*0.5 + 0.05*0.75 + 0.15*1 + 0.10*1 + 0.15*0.75 + 0.10*0.8 + 0.10*1) / 0.9
	require.InDelta(t, want, entry.Composite, 1e-12)
}

func TestReportPenalty(t *testing.T) {
	g := &fakeGraph{follows: map[string][]string{"self": {"target", "r1", "r2", "weak1"}, "weak1": {"weak2"}, "weak2": {"weak3"}}}

	t.Run("strong reporters apply the penalty", func(t *testing.T) {
		s := &fakeSignals{reporters: []string{"r1", "r2", "r1"}}
		e, _ := newTestEngine(t, g, s, nil, DefaultConfig())
		entry, err := e.Score(context.Background(), "self", "target")
		require.NoError(t, err)

		// Two distinct reporters at one hop weigh 1.0 total, over the 0.5
		// threshold, scored 1.0/3.
		require.InDelta(t, 1.0/3, entry.ReportPenalty, 1e-12)
		want := (0.15*0.5 - 0.10*(1.0/3)) / 0.9
		require.InDelta(t, want, entry.Composite, 1e-12)
	})

	t.Run("distant reporters stay under the threshold", func(t *testing.T) {
		s := &fakeSignals{reporters: []string{"weak3"}}
		e, _ := newTestEngine(t, g, s, nil, DefaultConfig())
		entry, err := e.Score(context.Background(), "self", "target")
		require.NoError(t, err)
		require.Zero(t, entry.ReportPenalty)
	})
}

func TestMissingSignalsDegradeToZero(t *testing.T) {
	g := &fakeGraph{
		follows:   map[string][]string{"self": {"target"}},
		followers: map[string][]string{},
	}
	s := &fakeSignals{err: errors.New("source down")}
	e, _ := newTestEngine(t, g, s, nil, DefaultConfig())

	entry, err := e.Score(context.Background(), "self", "target")
	require.NoError(t, err)
	require.InDelta(t, 0.5, entry.Social, 1e-12)
	require.Zero(t, entry.Reaction)
	require.Zero(t, entry.ZapVolume)
	require.Zero(t, entry.Settlement)
	require.InDelta(t, (0.15*0.5)/0.9, entry.Composite, 1e-12)
}

func TestPriorityThresholds(t *testing.T) {
	cases := map[float64]int{
		0.95: 100,
		0.80: 100,
		0.79: 50,
		0.50: 50,
		0.49: 20,
		0.20: 20,
		0.19: 5,
		0:    5,
	}
	for composite, want := range cases {
		require.Equal(t, want, priorityOf(composite), "composite %v", composite)
	}
}

func TestCreditCurves(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, int64(1_000), creditOf(0, cfg))
	require.Equal(t, int64(1_000_000), creditOf(1, cfg))
	require.Equal(t, int64(500_500), creditOf(0.5, cfg))

	cfg.CreditCurve = CurveExponential
	require.Equal(t, int64(1_000), creditOf(0, cfg))
	require.Equal(t, int64(1_000_000), creditOf(1, cfg))
	require.Equal(t, int64(31_622), creditOf(0.5, cfg))
}

func TestScoreCachedUntilTTL(t *testing.T) {
	g := &fakeGraph{follows: map[string][]string{"self": {"target"}}}
	s := &fakeSignals{likes: 10}
	e, clock := newTestEngine(t, g, s, nil, DefaultConfig())
	ctx := context.Background()

	first, err := e.Score(ctx, "self", "target")
	require.NoError(t, err)

	s.dislikes = 10 // halves the reaction score once recomputed
	cachedEntry, err := e.Score(ctx, "self", "target")
	require.NoError(t, err)
	require.Equal(t, first.Composite, cachedEntry.Composite)

	clock.Advance(DefaultConfig().TTL + time.Second)
	fresh, err := e.Score(ctx, "self", "target")
	require.NoError(t, err)
	require.Less(t, fresh.Composite, first.Composite)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	g := &fakeGraph{follows: map[string][]string{"self": {"target"}}}
	s := &fakeSignals{likes: 10}
	e, _ := newTestEngine(t, g, s, nil, DefaultConfig())
	ctx := context.Background()

	first, err := e.Score(ctx, "self", "target")
	require.NoError(t, err)

	s.dislikes = 10
	e.Invalidate("self", "target")
	fresh, err := e.Score(ctx, "self", "target")
	require.NoError(t, err)
	require.Less(t, fresh.Composite, first.Composite)
}

func TestPriorityAndCreditFor(t *testing.T) {
	g := &fakeGraph{follows: map[string][]string{"self": {"target"}}}
	e, _ := newTestEngine(t, g, &fakeSignals{}, nil, DefaultConfig())
	ctx := context.Background()

	// Social-only entry at one hop: composite (0.15*0.5)/0.9 ≈ 0.083.
	prio, err := e.PriorityFor(ctx, "self", "target")
	require.NoError(t, err)
	require.Equal(t, 5, prio)

	limit, err := e.CreditLimitFor(ctx, "self", "target")
	require.NoError(t, err)
	require.Greater(t, limit, int64(1_000))
	require.Less(t, limit, int64(1_000_000))
}
