package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapmesh/zapmesh/log"
)

// DefaultChannelTimeout bounds channel opening when the request carries no
// explicit timeout. On-chain opens on an L2 land well inside this.
const DefaultChannelTimeout = 30 * time.Second

// ChannelOpener performs the actual channel open. The default opener settles
// in-process; deployments with on-chain settlement inject their own.
type ChannelOpener func(ctx context.Context, req ChannelRequest) (*Channel, error)

func instantOpener(_ context.Context, req ChannelRequest) (*Channel, error) {
	return &Channel{
		ChannelID: uuid.NewString(),
		State:     StateOpen,
		Deposit:   req.InitialDeposit,
	}, nil
}

// Hub is an in-process packet network. Every Direct connector attaches to a
// hub under its own routing address; the hub delivers packets to the attached
// connector owning the longest matching address prefix.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*Direct
}

// NewHub creates an empty in-process packet network.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Direct)}
}

// Connector attaches a new Direct connector to the hub under ownAddress.
// Attaching twice under the same address replaces the previous connector.
func (h *Hub) Connector(l log.Logger, ownAddress string, opts ...DirectOption) *Direct {
	d := &Direct{
		l:        l,
		hub:      h,
		address:  ownAddress,
		opener:   instantOpener,
		peers:    make(map[string]Peer),
		channels: make(map[string]*Channel),
		byPeer:   make(map[string]string),
	}
	for _, o := range opts {
		o(d)
	}
	h.mu.Lock()
	h.nodes[ownAddress] = d
	h.mu.Unlock()
	return d
}

func (h *Hub) owner(destination string) (*Direct, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var best *Direct
	bestLen := -1
	for addr, d := range h.nodes {
		if matchAddr(destination, addr) && len(addr) > bestLen {
			best, bestLen = d, len(addr)
		}
	}
	return best, best != nil
}

// matchAddr reports whether route covers destination on a segment boundary.
func matchAddr(destination, route string) bool {
	if route == "" {
		return false
	}
	if strings.HasSuffix(route, ".") {
		return strings.HasPrefix(destination, route)
	}
	return destination == route || strings.HasPrefix(destination, route+".")
}

// DirectOption configures a Direct connector at attach time.
type DirectOption func(*Direct)

// WithChannelOpener replaces the in-process channel opener.
func WithChannelOpener(open ChannelOpener) DirectOption {
	return func(d *Direct) { d.opener = open }
}

// Direct is the in-process router adapter. It routes over its hub with
// function-call latency and settles fulfilled packets against the local
// channel records.
type Direct struct {
	l       log.Logger
	hub     *Hub
	address string
	opener  ChannelOpener

	mu       sync.RWMutex
	handler  Handler
	peers    map[string]Peer
	channels map[string]*Channel
	byPeer   map[string]string
}

// Address returns the routing address this connector is attached under.
func (d *Direct) Address() string {
	return d.address
}

// RegisterPeer implements Client.
func (d *Direct) RegisterPeer(ctx context.Context, p Peer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if p.PeerKey == "" {
		return fmt.Errorf("connector: peer key required")
	}
	if p.RoutingAddress == "" {
		return fmt.Errorf("connector: routing address required")
	}
	d.mu.Lock()
	d.peers[p.PeerKey] = p
	if p.ChannelID != "" {
		d.byPeer[p.PeerKey] = p.ChannelID
	}
	d.mu.Unlock()
	d.l.Debugw("", "connector", "register", "peer", p.PeerKey, "addr", p.RoutingAddress, "priority", p.Priority)
	return nil
}

// RemovePeer implements Client.
func (d *Direct) RemovePeer(ctx context.Context, peerKey string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.Lock()
	delete(d.peers, peerKey)
	delete(d.byPeer, peerKey)
	d.mu.Unlock()
	d.l.Debugw("", "connector", "remove", "peer", peerKey)
	return nil
}

// SendPacket implements Client. Timeouts surface as reject results; only a
// cancelled parent context returns an error.
func (d *Direct) SendPacket(ctx context.Context, destination string, amount int64, data []byte, timeout time.Duration) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	pkt := Packet{Destination: destination, Amount: amount, Data: data}

	// Loopback needs no peering.
	if matchAddr(destination, d.address) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.deliver(ctx, d.address, pkt), nil
	}

	nextHop, ok := d.route(destination)
	if !ok {
		return Reject(CodeInternal, "no route to "+destination), nil
	}
	target, ok := d.hub.owner(destination)
	if !ok {
		return Reject(CodeInternal, "destination unreachable: "+destination), nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := target.deliver(ctx, d.address, pkt)
	if res.Fulfilled {
		d.adjustBalance(nextHop, -amount)
	}
	return res, nil
}

// route picks the next hop for a destination: the peer advertising the
// longest matching route, higher priority breaking length ties.
func (d *Direct) route(destination string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var bestKey string
	bestLen, bestPrio := -1, -1
	consider := func(p Peer, route string) {
		if !matchAddr(destination, route) {
			return
		}
		if len(route) > bestLen || (len(route) == bestLen && p.Priority > bestPrio) {
			bestKey, bestLen, bestPrio = p.PeerKey, len(route), p.Priority
		}
	}
	for _, p := range d.peers {
		consider(p, p.RoutingAddress)
		for _, r := range p.Routes {
			consider(p, r)
		}
	}
	return bestKey, bestLen >= 0
}

// deliver runs the registered handler for an inbound packet, bounded by ctx.
func (d *Direct) deliver(ctx context.Context, from string, p Packet) *Result {
	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()
	if h == nil {
		return Reject(CodeInternal, ErrNoHandler.Error())
	}

	resC := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resC <- Reject(CodeInternal, fmt.Sprintf("handler panic: %v", r))
			}
		}()
		resC <- h(ctx, p)
	}()

	select {
	case <-ctx.Done():
		return Reject(CodeInternal, "packet expired: "+ctx.Err().Error())
	case res := <-resC:
		if res == nil {
			return Reject(CodeInternal, "handler returned no outcome")
		}
		if res.Fulfilled {
			d.creditFrom(from, p.Amount)
		}
		return res
	}
}

// creditFrom credits the channel of the peer owning the sender address.
func (d *Direct) creditFrom(from string, amount int64) {
	d.mu.RLock()
	var peerKey string
	bestLen := -1
	for _, p := range d.peers {
		if matchAddr(from, p.RoutingAddress) && len(p.RoutingAddress) > bestLen {
			peerKey, bestLen = p.PeerKey, len(p.RoutingAddress)
		}
	}
	d.mu.RUnlock()
	if peerKey != "" {
		d.adjustBalance(peerKey, amount)
	}
}

func (d *Direct) adjustBalance(peerKey string, delta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byPeer[peerKey]
	if !ok {
		return
	}
	if ch, ok := d.channels[id]; ok && ch.State == StateOpen {
		ch.Balance += delta
	}
}

// OpenChannel implements Client. The opener runs bounded by the request
// timeout; expiry returns an error, not a half-open channel.
func (d *Direct) OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error) {
	d.mu.RLock()
	_, known := d.peers[req.PeerKey]
	d.mu.RUnlock()
	if !known {
		return nil, ErrUnknownPeer
	}

	timeout := DefaultChannelTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type opened struct {
		ch  *Channel
		err error
	}
	resC := make(chan opened, 1)
	go func() {
		ch, err := d.opener(ctx, req)
		resC <- opened{ch, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connector: channel open with %s: %w", req.PeerKey, ctx.Err())
	case res := <-resC:
		if res.err != nil {
			return nil, fmt.Errorf("connector: channel open with %s: %w", req.PeerKey, res.err)
		}
		ch := res.ch
		d.mu.Lock()
		d.channels[ch.ChannelID] = ch
		d.byPeer[req.PeerKey] = ch.ChannelID
		if p, ok := d.peers[req.PeerKey]; ok {
			p.ChannelID = ch.ChannelID
			d.peers[req.PeerKey] = p
		}
		d.mu.Unlock()
		d.l.Infow("", "connector", "channel open", "peer", req.PeerKey, "chain", req.Chain, "channel", ch.ChannelID)
		copied := *ch
		return &copied, nil
	}
}

// ChannelState implements Client.
func (d *Direct) ChannelState(ctx context.Context, channelID string) (*Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[channelID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	copied := *ch
	return &copied, nil
}

// Balance implements Client. A registered peer without a channel has balance
// zero.
func (d *Direct) Balance(ctx context.Context, peerKey string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.peers[peerKey]; !ok {
		return 0, ErrUnknownPeer
	}
	id, ok := d.byPeer[peerKey]
	if !ok {
		return 0, nil
	}
	ch, ok := d.channels[id]
	if !ok {
		return 0, nil
	}
	return ch.Balance, nil
}

// RegisterPacketHandler implements Client.
func (d *Direct) RegisterPacketHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// PeerCount reports how many peers are registered.
func (d *Direct) PeerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// OpenChannelCount reports how many channels are currently open.
func (d *Direct) OpenChannelCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, ch := range d.channels {
		if ch.State == StateOpen {
			n++
		}
	}
	return n
}
