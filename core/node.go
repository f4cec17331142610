// Package core assembles a mesh node: identity key, message store, relay,
// write pricing, handshake, trust, the packet-router client, application
// dispatch and the bootstrap orchestrator, behind a single HTTP listener.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	nhttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zapmesh/zapmesh/boot"
	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/dispatch"
	"github.com/zapmesh/zapmesh/ecies"
	"github.com/zapmesh/zapmesh/fs"
	"github.com/zapmesh/zapmesh/handshake"
	"github.com/zapmesh/zapmesh/http"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/peer"
	"github.com/zapmesh/zapmesh/pricing"
	"github.com/zapmesh/zapmesh/relay"
	"github.com/zapmesh/zapmesh/store"
	"github.com/zapmesh/zapmesh/store/boltdb"
	"github.com/zapmesh/zapmesh/store/s3archive"
	"github.com/zapmesh/zapmesh/trust"
)

// Node is a running mesh participant. It owns every subsystem; callers
// interact with it through Start, Stop and the accessors.
type Node struct {
	opts *Config
	l    log.Logger
	// audit records every decision taken on a paid packet.
	audit log.Logger

	priv   *key.Pair
	selfPK string
	record *peer.Record

	store     store.Store
	arch      *s3archive.Archiver
	policy    *pricing.Policy
	relay     *relay.Server
	table     *peer.Table
	conn      *connector.Recorder
	trust     *trust.Engine
	responder *handshake.Responder
	requester *handshake.Requester
	actions   *dispatch.Table
	boot      *boot.Orchestrator

	handler nhttp.Handler

	mu      sync.Mutex
	started bool
	srv     *nhttp.Server
	addr    string
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a node from the config. Nothing listens and no peer is
// contacted until Start.
func New(c *Config) (*Node, error) {
	l := c.Logger()

	pair := c.keyPair
	if pair == nil {
		var err error
		pair, err = key.NewFileStore(c.ConfigFolder()).LoadKeyPair()
		if err != nil {
			return nil, fmt.Errorf("core: loading key pair from %s: %w", c.ConfigFolder(), err)
		}
	}
	selfPK := pair.Public.Hex()

	record := &peer.Record{
		Address:    peer.RoutingAddressFor(selfPK),
		Endpoint:   c.Endpoint(),
		Asset:      peer.Asset{Code: c.assetCode, Scale: c.assetScale},
		Chains:     c.chains,
		Settlement: c.settlement,
		Tokens:     c.tokens,
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("core: own peer record: %w", err)
	}

	if fs.CreateSecureFolder(c.DBFolder()) == "" {
		return nil, fmt.Errorf("core: could not create db folder %q", c.DBFolder())
	}
	st, err := boltdb.NewBoltStore(context.Background(), l, c.DBFolder(), c.boltOpts)
	if err != nil {
		return nil, fmt.Errorf("core: opening message store: %w", err)
	}

	var arch *s3archive.Archiver
	if c.s3Bucket != "" {
		up, err := s3archive.NewUploader(c.s3Region)
		if err != nil {
			return nil, fmt.Errorf("core: s3 uploader: %w", err)
		}
		arch, err = s3archive.New(l, up, s3archive.Config{Bucket: c.s3Bucket, Prefix: c.s3Prefix})
		if err != nil {
			return nil, fmt.Errorf("core: s3 archiver: %w", err)
		}
		st = s3archive.Wrap(st, arch)
	}

	policy := pricing.NewPolicy(selfPK, c.assetScale, c.perByte)
	policy.SetZeroPriceHandshake(c.zeroPriceHandshake)
	for kind, kp := range c.kindPrices {
		policy.SetKindPrice(kind, kp)
	}

	relaySrv := relay.NewServer(l, st, policy, c.relayLimits)
	table := peer.NewTable()

	client := c.connector
	if client == nil {
		client, err = connector.NewRemote(l, c.connectorURL)
		if err != nil {
			return nil, fmt.Errorf("core: connector client: %w", err)
		}
	}
	recorder := connector.NewRecorder(client, resolverFor(table))

	scheme := ecies.NewScheme()
	responder, err := handshake.NewResponder(l, pair, record, scheme, recorder, table, c.clock, c.responderCfg)
	if err != nil {
		return nil, fmt.Errorf("core: handshake responder: %w", err)
	}
	requester, err := handshake.NewRequester(l, pair, record, scheme, table, c.clock, c.reqCooldown)
	if err != nil {
		return nil, fmt.Errorf("core: handshake requester: %w", err)
	}

	var eng *trust.Engine
	if c.trustEnabled {
		src := trust.NewStoreSource(st, c.badgeIssuers)
		eng, err = trust.NewEngine(l, src, src, recorder, c.weights, c.trustCfg, c.clock)
		if err != nil {
			return nil, fmt.Errorf("core: trust engine: %w", err)
		}
	}

	actions := dispatch.NewTable(l, c.dispatchQueue)

	deps := boot.Deps{
		Pair:      pair,
		Record:    record,
		Connector: recorder,
		Table:     table,
		Requester: requester,
		Clock:     c.clock,
	}
	if eng != nil {
		deps.Trust = eng
	}
	orch, err := boot.New(l, boot.Config{
		Genesis:         c.genesis,
		RegistryRelays:  c.registryRelays,
		EnvPeers:        c.envPeers,
		SelfRelayURL:    c.Endpoint(),
		AnnounceFee:     c.announceFee,
		PacketTimeout:   c.packetTimeout,
		RefreshInterval: c.refreshInterval,
		ReverseCooldown: c.reverseCooldown,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("core: bootstrap: %w", err)
	}

	n := &Node{
		opts:      c,
		l:         l,
		audit:     l.Named("audit"),
		priv:      pair,
		selfPK:    selfPK,
		record:    record,
		store:     st,
		arch:      arch,
		policy:    policy,
		relay:     relaySrv,
		table:     table,
		conn:      recorder,
		trust:     eng,
		responder: responder,
		requester: requester,
		actions:   actions,
		boot:      orch,
	}

	var callback nhttp.Handler
	if remote, ok := client.(*connector.Remote); ok {
		callback = remote.HandlerFunc()
	}
	handler, err := http.New(http.Config{
		Logger:         l,
		Relay:          relaySrv.Handler(),
		PacketCallback: callback,
		Health:         n.health,
		Peers:          table.Snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("core: http router: %w", err)
	}
	n.handler = handler

	recorder.RegisterPacketHandler(n.handlePacket)
	return n, nil
}

// resolverFor maps packet destinations back to the peer key they route
// through, feeding the settlement-reliability stats.
func resolverFor(table *peer.Table) connector.Resolver {
	return func(destination string) (string, bool) {
		for _, info := range table.Snapshot() {
			if info.RoutingAddress != "" && strings.HasPrefix(destination, info.RoutingAddress) {
				return info.PubKey, true
			}
		}
		return "", false
	}
}

// Start binds the listener and launches the background flows: bootstrap,
// the outbound publisher and the optional archive drain. It returns once
// the listener accepts; bootstrap progress is observable through Health.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("core: node already started")
	}

	ln, err := net.Listen("tcp", n.opts.ListenAddress())
	if err != nil {
		return fmt.Errorf("core: binding %s: %w", n.opts.ListenAddress(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.runCtx, n.cancel = runCtx, cancel
	n.addr = ln.Addr().String()
	n.srv = &nhttp.Server{Handler: n.handler, ReadHeaderTimeout: 5 * time.Second}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.srv.Serve(ln); err != nil && !errors.Is(err, nhttp.ErrServerClosed) {
			n.l.Errorw("", "node", "listener stopped", "err", err)
		}
	}()

	if n.arch != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.arch.Run(runCtx)
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.publishLoop(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.boot.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			n.l.Errorw("", "node", "bootstrap failed", "err", err)
		}
	}()

	n.started = true
	n.l.Infow("", "node", "started", "listen", ln.Addr().String(), "address", n.record.Address)
	return nil
}

// Stop shuts the node down: stop accepting, close relay connections, halt
// the background flows and close the store.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	srv := n.srv
	cancel := n.cancel
	n.mu.Unlock()

	var errs *multierror.Error
	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("listener: %w", err))
	}
	n.relay.Close()
	cancel()
	n.wg.Wait()
	if err := n.store.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("store: %w", err))
	}
	n.l.Infow("", "node", "stopped")
	return errs.ErrorOrNil()
}

func (n *Node) health() http.Health {
	phase := n.boot.Phase()
	status := "starting"
	if phase == boot.Ready {
		status = "ok"
	}
	return http.Health{
		Status:         status,
		BootstrapPhase: phase.String(),
		PeerCount:      n.table.Len(),
		ChannelCount:   n.table.ChannelCount(),
	}
}

// Address returns the node's routing address.
func (n *Node) Address() string {
	return n.record.Address
}

// ListenAddr returns the bound listener address, empty before Start.
func (n *Node) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// PublicKey returns the node's public key in hex.
func (n *Node) PublicKey() string {
	return n.selfPK
}

// Handler exposes the node's HTTP surface, mainly for tests that serve it
// without binding the configured listener.
func (n *Node) Handler() nhttp.Handler {
	return n.handler
}

// Relay exposes the embedded relay server.
func (n *Node) Relay() *relay.Server {
	return n.relay
}

// Peers exposes the peer table.
func (n *Node) Peers() *peer.Table {
	return n.table
}

// Policy exposes the write pricing policy for runtime adjustment.
func (n *Node) Policy() *pricing.Policy {
	return n.policy
}

// RegisterHandler installs an application handler for a message kind. A nil
// allowlist keeps the default actions for the kind.
func (n *Node) RegisterHandler(kind int, allow []dispatch.ActionKind, h dispatch.Handler) {
	if allow == nil {
		allow = dispatch.DefaultAllow(kind)
	}
	n.actions.Register(kind, allow, h)
}

// running returns the background context, or Background before Start.
func (n *Node) running() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runCtx != nil {
		return n.runCtx
	}
	return context.Background()
}
