package handshake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/ecies"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/peer"
)

// ResponderConfig tunes the responder side of the protocol.
type ResponderConfig struct {
	// Cooldown is the minimum interval between handshakes from one peer.
	Cooldown time.Duration
	// SeenCacheSize bounds the request-id replay cache.
	SeenCacheSize int
	// Deposit is the initial deposit for channels opened on request.
	Deposit int64
	// SettleTimeoutS is the settlement timeout advertised for new channels.
	SettleTimeoutS int64
	// OpenMargin is reserved from the packet deadline so the response still
	// makes it back before expiry.
	OpenMargin time.Duration
	// OpenTimeout bounds channel opens when the context has no deadline.
	OpenTimeout time.Duration
}

// DefaultResponderConfig returns the standard responder tuning.
func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		Cooldown:       time.Minute,
		SeenCacheSize:  4096,
		Deposit:        0,
		SettleTimeoutS: 86400,
		OpenMargin:     2 * time.Second,
		OpenTimeout:    connector.DefaultChannelTimeout,
	}
}

func (cfg *ResponderConfig) fillDefaults() {
	def := DefaultResponderConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = def.SeenCacheSize
	}
	if cfg.SettleTimeoutS <= 0 {
		cfg.SettleTimeoutS = def.SettleTimeoutS
	}
	if cfg.OpenMargin <= 0 {
		cfg.OpenMargin = def.OpenMargin
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
}

// Responder answers handshake requests: it negotiates the settlement chain,
// opens the payment channel and returns the encrypted response message.
type Responder struct {
	l      log.Logger
	pair   *key.Pair
	selfPK string
	self   *peer.Record
	scheme ecies.Scheme
	conn   connector.Client
	table  *peer.Table
	clock  clockwork.Clock
	cfg    ResponderConfig

	seen *lru.Cache
	last *lru.Cache
}

// NewResponder wires a responder over the node's identity, advertised
// record, connector and peer table.
func NewResponder(l log.Logger, pair *key.Pair, self *peer.Record, scheme ecies.Scheme, conn connector.Client, table *peer.Table, clock clockwork.Clock, cfg ResponderConfig) (*Responder, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	last, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	return &Responder{
		l:      l,
		pair:   pair,
		selfPK: pair.Public.Hex(),
		self:   self,
		scheme: scheme,
		conn:   conn,
		table:  table,
		clock:  clock,
		cfg:    cfg,
		seen:   seen,
		last:   last,
	}, nil
}

// Respond executes the responder protocol for a verified request message.
// On success (including a channel-open timeout, which yields a response
// with the channel-timeout error field) it returns the encrypted response.
// ErrSelf, ErrNotRecipient, ErrCooldown, ErrReplay, ErrBadPayload and
// ErrChainMismatch are the caller's to map onto its transport.
func (r *Responder) Respond(ctx context.Context, req *message.Message) (*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if req.Kind != message.KindHandshakeReq {
		return nil, fmt.Errorf("%w: kind %d is not a handshake request", ErrBadPayload, req.Kind)
	}
	requester := req.PubKey
	if requester == r.selfPK {
		metrics.HandshakeOutcomes.WithLabelValues("self").Inc()
		return nil, ErrSelf
	}
	if to, ok := req.TagValue(TagRecipient); !ok || to != r.selfPK {
		return nil, ErrNotRecipient
	}
	now := r.clock.Now()
	if v, ok := r.last.Get(requester); ok {
		if now.Sub(v.(time.Time)) < r.cfg.Cooldown {
			metrics.HandshakeOutcomes.WithLabelValues("cooldown").Inc()
			return nil, ErrCooldown
		}
	}
	r.last.Add(requester, now)

	var payload Request
	if err := Open(r.scheme, r.pair.Key, req.Content, &payload); err != nil {
		metrics.HandshakeOutcomes.WithLabelValues("bad_payload").Inc()
		return nil, err
	}
	if payload.RequestID == "" {
		metrics.HandshakeOutcomes.WithLabelValues("bad_payload").Inc()
		return nil, fmt.Errorf("%w: empty request id", ErrBadPayload)
	}
	if r.seen.Contains(payload.RequestID) {
		metrics.HandshakeOutcomes.WithLabelValues("replay").Inc()
		return nil, ErrReplay
	}
	r.seen.Add(payload.RequestID, struct{}{})

	chain, token, err := negotiateChain(payload.Chains, payload.Tokens, r.self.Chains, r.self.Tokens)
	if err != nil {
		metrics.HandshakeOutcomes.WithLabelValues("chain_mismatch").Inc()
		r.l.Debugw("", "handshake", "chain mismatch", "peer", requester, "offered", payload.Chains)
		return nil, err
	}

	if err := r.registerRequester(ctx, requester, &payload); err != nil {
		return nil, fmt.Errorf("handshake: registering peer: %w", err)
	}

	secret := make([]byte, SessionSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("handshake: generating session secret: %w", err)
	}
	resp := &Response{
		RequestID:         payload.RequestID,
		Address:           r.self.Address,
		SessionSecret:     hex.EncodeToString(secret),
		Chain:             chain,
		SettlementAddress: r.self.Settlement[chain],
	}

	channelID, err := r.openChannel(ctx, requester, chain, token)
	switch {
	case err == nil:
		resp.ChannelID = channelID
		resp.SettleTimeoutS = r.cfg.SettleTimeoutS
	case errors.Is(err, ErrChannelTimeout):
		resp.Error = errorChannelTimeout
	default:
		return nil, err
	}

	if resp.Error == "" {
		r.recordSession(requester, &payload, chain, channelID, secret)
		metrics.HandshakeOutcomes.WithLabelValues("ok").Inc()
		r.l.Infow("", "handshake", "responded", "peer", requester, "chain", chain, "channel", channelID)
	} else {
		metrics.HandshakeOutcomes.WithLabelValues("channel_timeout").Inc()
		r.l.Infow("", "handshake", "responded", "peer", requester, "chain", chain, "error", resp.Error)
	}

	return sealMessage(r.pair, r.scheme, message.KindHandshakeRes, requester, now.Unix(), resp)
}

// registerRequester makes the requester routable before the channel open.
// A peer already in the table keeps its existing registration.
func (r *Responder) registerRequester(ctx context.Context, requester string, payload *Request) error {
	if r.table.Has(requester) {
		return nil
	}
	addr := peer.RoutingAddressFor(requester)
	if err := r.conn.RegisterPeer(ctx, connector.Peer{
		PeerKey:        requester,
		RoutingAddress: addr,
		Routes:         []string{addr},
		Priority:       connector.DefaultPriority,
	}); err != nil {
		return err
	}
	r.table.Upsert(peer.Info{
		PubKey:         requester,
		RoutingAddress: addr,
		Chains:         payload.Chains,
		Settlement:     payload.Settlement,
		Tokens:         payload.Tokens,
		Priority:       connector.DefaultPriority,
	})
	return nil
}

// openChannel runs the synchronous open, shaving the safety margin off the
// packet deadline. A blown deadline is ErrChannelTimeout unless the parent
// context itself is done.
func (r *Responder) openChannel(ctx context.Context, requester, chain, token string) (string, error) {
	var (
		openCtx context.Context
		cancel  context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		remaining := deadline.Sub(r.clock.Now()) - r.cfg.OpenMargin
		if remaining <= 0 {
			return "", ErrChannelTimeout
		}
		openCtx, cancel = context.WithTimeout(ctx, remaining)
	} else {
		openCtx, cancel = context.WithTimeout(ctx, r.cfg.OpenTimeout)
	}
	defer cancel()

	ch, err := r.conn.OpenChannel(openCtx, connector.ChannelRequest{
		PeerKey:        requester,
		Chain:          chain,
		Token:          token,
		InitialDeposit: r.cfg.Deposit,
		TimeoutSeconds: int(r.cfg.SettleTimeoutS),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", ErrChannelTimeout
		}
		return "", fmt.Errorf("handshake: opening channel: %w", err)
	}
	return ch.ChannelID, nil
}

func (r *Responder) recordSession(requester string, payload *Request, chain, channelID string, secret []byte) {
	err := r.table.Update(requester, func(info *peer.Info) {
		info.Chain = chain
		info.ChannelID = channelID
		info.SessionSecret = secret
		if len(info.Chains) == 0 {
			info.Chains = payload.Chains
		}
	})
	if err != nil {
		r.table.Upsert(peer.Info{
			PubKey:         requester,
			RoutingAddress: peer.RoutingAddressFor(requester),
			Chains:         payload.Chains,
			Settlement:     payload.Settlement,
			Tokens:         payload.Tokens,
			Chain:          chain,
			ChannelID:      channelID,
			SessionSecret:  secret,
			Priority:       connector.DefaultPriority,
		})
	}
}
