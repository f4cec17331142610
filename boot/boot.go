// Package boot walks a node from cold start to fully peered: discover peer
// leads, register them with the connector, handshake payment channels,
// announce the node's own record, then keep watching for newcomers.
package boot

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/handshake"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/peer"
	"github.com/zapmesh/zapmesh/relay"
)

// Phase is one stage of the bootstrap state machine. Transitions are
// sequential and emitted to observers; work within a phase fans out per peer.
type Phase int

const (
	Discovering Phase = iota
	Registering
	Handshaking
	Announcing
	Ready
)

func (p Phase) String() string {
	switch p {
	case Discovering:
		return "discovering"
	case Registering:
		return "registering"
	case Handshaking:
		return "handshaking"
	case Announcing:
		return "announcing"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("phase-%d", int(p))
	}
}

// EnvPeers is the environment variable carrying extra peer leads, formatted
// as comma-separated pubkey@endpoint entries.
const EnvPeers = "ZAPMESH_PEERS"

// Candidate is one peer lead produced by discovery: whose record to read and
// where to read it.
type Candidate struct {
	PubKey   string
	Endpoint string
}

func (c Candidate) validate() error {
	if _, err := key.ParsePublic(c.PubKey); err != nil {
		return fmt.Errorf("boot: peer key: %w", err)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("boot: endpoint %q is not a websocket url", c.Endpoint)
	}
	return nil
}

// ParseEnvPeers parses the EnvPeers format. Malformed entries surface as
// invalid candidates and are dropped during discovery.
func ParseEnvPeers(raw string) []Candidate {
	var out []Candidate
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pk, endpoint, _ := strings.Cut(entry, "@")
		out = append(out, Candidate{PubKey: pk, Endpoint: endpoint})
	}
	return out
}

// Config tunes the orchestrator.
type Config struct {
	// Genesis is the built-in peer list.
	Genesis []Candidate
	// RegistryRelays are relay endpoints whose stored peer records seed
	// discovery alongside the genesis list.
	RegistryRelays []string
	// EnvPeers is the raw EnvPeers value; the caller reads the environment.
	EnvPeers string
	// SelfRelayURL is the node's own relay endpoint; set, it feeds reverse
	// discovery once the node is ready.
	SelfRelayURL string
	// AnnounceFee is the amount offered when publishing the node's own
	// record to a bootstrap peer. An insufficient-payment reject carrying
	// the required amount triggers one retry at that amount.
	AnnounceFee int64
	// PacketTimeout bounds each packet send and relay read.
	PacketTimeout time.Duration
	// RefreshInterval is the period of the trust priority refresh loop.
	RefreshInterval time.Duration
	// ReverseCooldown is the per-peer hold-off between reverse-discovery
	// connection attempts.
	ReverseCooldown time.Duration
	// RegistryLimit caps how many records one registry read returns.
	RegistryLimit int
}

const (
	defaultAnnounceFee     = 4096
	defaultPacketTimeout   = 10 * time.Second
	defaultRefreshInterval = 5 * time.Minute
	defaultReverseCooldown = 10 * time.Minute
	defaultRegistryLimit   = 64

	reverseCacheSize = 1024
)

func (c *Config) fillDefaults() {
	if c.AnnounceFee <= 0 {
		c.AnnounceFee = defaultAnnounceFee
	}
	if c.PacketTimeout <= 0 {
		c.PacketTimeout = defaultPacketTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.ReverseCooldown <= 0 {
		c.ReverseCooldown = defaultReverseCooldown
	}
	if c.RegistryLimit <= 0 {
		c.RegistryLimit = defaultRegistryLimit
	}
}

// PrioritySource resolves the routing priority for a peer. The trust engine
// satisfies it.
type PrioritySource interface {
	PriorityFor(ctx context.Context, self, target string) (int, error)
}

// Deps are the subsystems the orchestrator drives.
type Deps struct {
	Pair      *key.Pair
	Record    *peer.Record
	Connector connector.Client
	Table     *peer.Table
	Requester *handshake.Requester
	// Trust is optional; nil keeps every peer at the default priority.
	Trust PrioritySource
	Clock clockwork.Clock
}

// Orchestrator runs the bootstrap state machine.
type Orchestrator struct {
	l      log.Logger
	cfg    Config
	pair   *key.Pair
	selfPK string
	record *peer.Record
	conn   connector.Client
	table  *peer.Table
	req    *handshake.Requester
	trust  PrioritySource
	clock  clockwork.Clock
	recent *lru.Cache

	mu        sync.Mutex
	phase     Phase
	observers []func(Phase)
	feed      chan Phase
}

// New validates the dependencies and returns an orchestrator in Discovering.
func New(l log.Logger, cfg Config, d Deps) (*Orchestrator, error) {
	if l == nil {
		l = log.DefaultLogger()
	}
	if d.Pair == nil {
		return nil, fmt.Errorf("boot: key pair required")
	}
	if d.Record == nil {
		return nil, fmt.Errorf("boot: own peer record required")
	}
	if err := d.Record.Validate(); err != nil {
		return nil, err
	}
	if d.Connector == nil {
		return nil, fmt.Errorf("boot: connector required")
	}
	if d.Table == nil {
		return nil, fmt.Errorf("boot: peer table required")
	}
	if d.Requester == nil {
		return nil, fmt.Errorf("boot: handshake requester required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	cfg.fillDefaults()

	recent, err := lru.New(reverseCacheSize)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		l:      l,
		cfg:    cfg,
		pair:   d.Pair,
		selfPK: d.Pair.Public.Hex(),
		record: d.Record,
		conn:   d.Connector,
		table:  d.Table,
		req:    d.Requester,
		trust:  d.Trust,
		clock:  d.Clock,
		recent: recent,
		feed:   make(chan Phase, 8),
	}, nil
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// OnPhase registers a callback invoked on every transition. Callbacks run on
// the orchestrator goroutine and must not block.
func (o *Orchestrator) OnPhase(fn func(Phase)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// Phases returns a feed of transitions. The feed is buffered; a slow reader
// misses transitions rather than stalling the machine.
func (o *Orchestrator) Phases() <-chan Phase {
	return o.feed
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	obs := make([]func(Phase), len(o.observers))
	copy(obs, o.observers)
	o.mu.Unlock()

	metrics.BootstrapPhase.Set(float64(p))
	o.l.Infow("", "boot", "phase", "now", p.String())
	for _, fn := range obs {
		fn(p)
	}
	select {
	case o.feed <- p:
	default:
	}
}

// Run walks the phases in order, then keeps the reverse-discovery and trust
// refresh loops alive until ctx is done. Per-peer failures are logged and
// skipped; only a dead context fails the walk itself.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setPhase(Discovering)
	cands := o.discover(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setPhase(Registering)
	registered := o.register(ctx, cands)
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setPhase(Handshaking)
	o.handshakeAll(ctx, registered)
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setPhase(Announcing)
	o.announceAll(ctx, registered)
	if err := ctx.Err(); err != nil {
		return err
	}

	o.setPhase(Ready)
	o.watch(ctx)
	return nil
}

// discover merges the configured sources, drops duplicates, self and
// anything that fails shape validation.
func (o *Orchestrator) discover(ctx context.Context) []Candidate {
	var cands []Candidate
	cands = append(cands, o.cfg.Genesis...)
	for _, target := range o.cfg.RegistryRelays {
		found, err := o.fetchRegistry(ctx, target)
		if err != nil {
			o.l.Warnw("", "boot", "registry read failed", "registry", target, "err", err)
			continue
		}
		cands = append(cands, found...)
	}
	cands = append(cands, ParseEnvPeers(o.cfg.EnvPeers)...)

	seen := make(map[string]struct{}, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.PubKey == o.selfPK {
			continue
		}
		if _, dup := seen[c.PubKey]; dup {
			continue
		}
		if err := c.validate(); err != nil {
			o.l.Warnw("", "boot", "dropping invalid peer lead", "peer", c.PubKey, "err", err)
			continue
		}
		seen[c.PubKey] = struct{}{}
		out = append(out, c)
	}
	o.l.Infow("", "boot", "discovery complete", "candidates", len(out))
	return out
}

// fetchRegistry reads stored peer records from one registry relay.
func (o *Orchestrator) fetchRegistry(ctx context.Context, target string) ([]Candidate, error) {
	cli, err := relay.Dial(ctx, o.l, target)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	sub, err := cli.Subscribe(ctx, message.Filter{
		Kinds: []int{message.KindPeerRecord},
		Limit: o.cfg.RegistryLimit,
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	actx, cancel := context.WithTimeout(ctx, o.cfg.PacketTimeout)
	defer cancel()
	if err := sub.AwaitEOSE(actx); err != nil {
		return nil, err
	}

	var out []Candidate
	for {
		select {
		case m, ok := <-sub.Events:
			if !ok {
				return out, nil
			}
			if err := m.Verify(); err != nil {
				continue
			}
			rec, err := peer.ParseRecord(m.Content)
			if err != nil {
				o.l.Debugw("", "boot", "registry record invalid", "author", m.PubKey, "err", err)
				continue
			}
			out = append(out, Candidate{PubKey: m.PubKey, Endpoint: rec.Endpoint})
		default:
			return out, nil
		}
	}
}
