package boot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/peer"
	"github.com/zapmesh/zapmesh/relay"
)

// register fans out over the candidates and returns the keys of the peers
// now registered with the connector.
func (o *Orchestrator) register(ctx context.Context, cands []Candidate) []string {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done []string
		merr *multierror.Error
	)
	for _, cand := range cands {
		wg.Add(1)
		go func(cand Candidate) {
			defer wg.Done()
			if err := o.registerOne(ctx, cand); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%.8s: %w", cand.PubKey, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			done = append(done, cand.PubKey)
			mu.Unlock()
		}(cand)
	}
	wg.Wait()
	if merr != nil {
		o.l.Warnw("", "boot", "registering finished with failures",
			"ok", len(done), "failed", len(merr.Errors), "err", merr.ErrorOrNil())
	}
	return done
}

// registerOne reads the candidate's record from its relay over the free read
// path and registers the peer.
func (o *Orchestrator) registerOne(ctx context.Context, cand Candidate) error {
	cli, err := relay.Dial(ctx, o.l, cand.Endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cand.Endpoint, err)
	}
	defer cli.Close()

	fctx, cancel := context.WithTimeout(ctx, o.cfg.PacketTimeout)
	defer cancel()
	m, err := cli.FetchOne(fctx, message.Filter{
		Authors: []string{cand.PubKey},
		Kinds:   []int{message.KindPeerRecord},
		Limit:   1,
	})
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}
	// Filters match author prefixes; the registration needs the exact key.
	if m.PubKey != cand.PubKey {
		return fmt.Errorf("record author %.8s is not the expected peer", m.PubKey)
	}
	if err := m.Verify(); err != nil {
		return fmt.Errorf("fetched record: %w", err)
	}
	rec, err := peer.ParseRecord(m.Content)
	if err != nil {
		return err
	}
	return o.connectPeer(ctx, cand.PubKey, rec)
}

// connectPeer records the peer in the table and registers it with the
// connector under its trust priority. Session state of an existing entry
// survives.
func (o *Orchestrator) connectPeer(ctx context.Context, pubkey string, rec *peer.Record) error {
	o.adoptRecord(pubkey, rec)
	prio := o.priorityFor(ctx, pubkey)
	info, _ := o.table.Get(pubkey)
	if err := o.conn.RegisterPeer(ctx, connector.Peer{
		PeerKey:           pubkey,
		TransportEndpoint: rec.Endpoint,
		RoutingAddress:    rec.Address,
		Priority:          prio,
		ChannelID:         info.ChannelID,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := o.table.Update(pubkey, func(i *peer.Info) { i.Priority = prio }); err != nil {
		return err
	}
	metrics.PeerCount.Set(float64(o.table.Len()))
	return nil
}

// adoptRecord merges a record into the table without clobbering channel and
// session state established earlier.
func (o *Orchestrator) adoptRecord(pubkey string, rec *peer.Record) {
	err := o.table.Update(pubkey, func(info *peer.Info) {
		info.RoutingAddress = rec.Address
		info.Endpoint = rec.Endpoint
		info.Asset = rec.Asset
		info.Chains = rec.Chains
		info.Settlement = rec.Settlement
		info.Tokens = rec.Tokens
	})
	if err != nil {
		o.table.Upsert(peer.FromRecord(pubkey, rec))
	}
}

func (o *Orchestrator) priorityFor(ctx context.Context, pubkey string) int {
	if o.trust == nil {
		return connector.DefaultPriority
	}
	prio, err := o.trust.PriorityFor(ctx, o.selfPK, pubkey)
	if err != nil {
		o.l.Debugw("", "boot", "trust lookup failed", "peer", pubkey, "err", err)
		return connector.DefaultPriority
	}
	return prio
}

// handshakeAll fans the channel handshake out over the registered peers.
func (o *Orchestrator) handshakeAll(ctx context.Context, peers []string) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		merr *multierror.Error
	)
	for _, pubkey := range peers {
		wg.Add(1)
		go func(pubkey string) {
			defer wg.Done()
			if err := o.handshakeOne(ctx, pubkey); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%.8s: %w", pubkey, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(pubkey)
	}
	wg.Wait()
	if merr != nil {
		o.l.Warnw("", "boot", "handshaking finished with failures",
			"ok", ok, "failed", len(merr.Errors), "err", merr.ErrorOrNil())
	}
}

// handshakeOne sends the encrypted handshake request as a zero-amount packet
// and, on fulfill, binds the opened channel into the registration.
func (o *Orchestrator) handshakeOne(ctx context.Context, pubkey string) error {
	info, ok := o.table.Get(pubkey)
	if !ok {
		return peer.ErrUnknownPeer
	}
	if info.ChannelID != "" {
		o.l.Debugw("", "boot", "channel already open", "peer", pubkey, "channel", info.ChannelID)
		return nil
	}

	msg, requestID, err := o.req.NewRequest(pubkey)
	if err != nil {
		return fmt.Errorf("handshake request: %w", err)
	}
	env, err := message.EncodeEnvelope(msg)
	if err != nil {
		o.req.Abandon(requestID)
		return err
	}

	res, err := o.conn.SendPacket(ctx, info.RoutingAddress, 0, env, o.cfg.PacketTimeout)
	if err != nil {
		o.req.Abandon(requestID)
		return fmt.Errorf("handshake send: %w", err)
	}
	if !res.Fulfilled {
		o.req.Abandon(requestID)
		if res.Code == connector.CodeInsufficientPayment {
			return fmt.Errorf("peer charges for handshakes: %s", res.Message)
		}
		if reason := res.Metadata[connector.MetaReason]; reason != "" {
			return fmt.Errorf("handshake rejected (%s: %s)", res.Code, reason)
		}
		return fmt.Errorf("handshake rejected (%s: %s)", res.Code, res.Message)
	}

	if err := o.req.ResolveData(res.Data); err != nil {
		o.req.Abandon(requestID)
		return fmt.Errorf("handshake response: %w", err)
	}
	resp, err := o.req.Await(ctx, requestID)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	// The channel is open; rebind the registration to it.
	info, _ = o.table.Get(pubkey)
	if err := o.conn.RegisterPeer(ctx, connector.Peer{
		PeerKey:           pubkey,
		TransportEndpoint: info.Endpoint,
		RoutingAddress:    info.RoutingAddress,
		Priority:          info.Priority,
		ChannelID:         info.ChannelID,
	}); err != nil {
		return fmt.Errorf("rebind channel: %w", err)
	}
	metrics.ChannelCount.Set(float64(o.table.ChannelCount()))
	o.l.Infow("", "boot", "peer connected", "peer", pubkey, "chain", resp.Chain, "channel", resp.ChannelID)
	return nil
}

// announceAll publishes the node's own record as a paid packet to every
// bootstrap peer that can settle one.
func (o *Orchestrator) announceAll(ctx context.Context, peers []string) {
	content, err := o.record.Encode()
	if err != nil {
		o.l.Errorw("", "boot", "own record does not encode", "err", err)
		return
	}
	m := &message.Message{
		CreatedAt: o.clock.Now().Unix(),
		Kind:      message.KindPeerRecord,
		Tags:      [][]string{},
		Content:   content,
	}
	if err := m.Sign(o.pair); err != nil {
		o.l.Errorw("", "boot", "own record does not sign", "err", err)
		return
	}
	env, err := message.EncodeEnvelope(m)
	if err != nil {
		o.l.Errorw("", "boot", "own record does not encode", "err", err)
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		merr *multierror.Error
	)
	for _, pubkey := range peers {
		wg.Add(1)
		go func(pubkey string) {
			defer wg.Done()
			if err := o.announceOne(ctx, pubkey, env); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%.8s: %w", pubkey, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(pubkey)
	}
	wg.Wait()
	if merr != nil {
		o.l.Warnw("", "boot", "announcing finished with failures",
			"ok", ok, "failed", len(merr.Errors), "err", merr.ErrorOrNil())
	}
}

func (o *Orchestrator) announceOne(ctx context.Context, pubkey string, env []byte) error {
	info, ok := o.table.Get(pubkey)
	if !ok {
		return peer.ErrUnknownPeer
	}
	if info.ChannelID == "" {
		o.l.Debugw("", "boot", "no channel to pay the announce fee", "peer", pubkey)
		return nil
	}

	res, err := o.conn.SendPacket(ctx, info.RoutingAddress, o.cfg.AnnounceFee, env, o.cfg.PacketTimeout)
	if err != nil {
		return err
	}
	if !res.Fulfilled && res.Code == connector.CodeInsufficientPayment {
		required, perr := strconv.ParseInt(res.Metadata[connector.MetaRequired], 10, 64)
		if perr == nil && required > o.cfg.AnnounceFee {
			o.l.Debugw("", "boot", "announce retry at quoted amount", "peer", pubkey, "required", required)
			res, err = o.conn.SendPacket(ctx, info.RoutingAddress, required, env, o.cfg.PacketTimeout)
			if err != nil {
				return err
			}
		}
	}
	if !res.Fulfilled {
		return fmt.Errorf("announce rejected (%s: %s)", res.Code, res.Message)
	}
	o.l.Debugw("", "boot", "announced", "peer", pubkey)
	return nil
}

// watch starts the ready-state loops: reverse discovery and the periodic
// trust priority refresh. Both end with ctx.
func (o *Orchestrator) watch(ctx context.Context) {
	if o.cfg.SelfRelayURL != "" {
		go o.reverseDiscoveryLoop(ctx)
	}
	if o.trust != nil {
		go o.refreshLoop(ctx)
	}
}

// reverseDiscoveryLoop subscribes to the node's own relay for peer records
// that arrive after bootstrap and connects their authors.
func (o *Orchestrator) reverseDiscoveryLoop(ctx context.Context) {
	cli, err := relay.Dial(ctx, o.l, o.cfg.SelfRelayURL)
	if err != nil {
		o.l.Warnw("", "boot", "reverse discovery unavailable", "err", err)
		return
	}
	defer cli.Close()

	since := o.clock.Now().Unix()
	sub, err := cli.Subscribe(ctx, message.Filter{
		Kinds: []int{message.KindPeerRecord},
		Since: &since,
	})
	if err != nil {
		o.l.Warnw("", "boot", "reverse discovery unavailable", "err", err)
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Events:
			if !ok {
				return
			}
			o.reverseDiscover(ctx, m)
		}
	}
}

func (o *Orchestrator) reverseDiscover(ctx context.Context, m *message.Message) {
	if m.PubKey == o.selfPK {
		return
	}
	if o.onCooldown(m.PubKey) {
		o.l.Debugw("", "boot", "reverse discovery on cooldown", "peer", m.PubKey)
		return
	}
	rec, err := peer.ParseRecord(m.Content)
	if err != nil {
		o.l.Debugw("", "boot", "reverse discovery record invalid", "author", m.PubKey, "err", err)
		return
	}
	o.l.Infow("", "boot", "reverse discovery", "peer", m.PubKey)
	go func() {
		if err := o.connectPeer(ctx, m.PubKey, rec); err != nil {
			o.l.Warnw("", "boot", "reverse connect failed", "peer", m.PubKey, "err", err)
			return
		}
		if err := o.handshakeOne(ctx, m.PubKey); err != nil {
			o.l.Warnw("", "boot", "reverse handshake failed", "peer", m.PubKey, "err", err)
		}
	}()
}

// onCooldown reports whether the peer was attempted recently and marks it.
func (o *Orchestrator) onCooldown(pubkey string) bool {
	now := o.clock.Now()
	if v, ok := o.recent.Get(pubkey); ok {
		if last, ok := v.(time.Time); ok && now.Sub(last) < o.cfg.ReverseCooldown {
			return true
		}
	}
	o.recent.Add(pubkey, now)
	return false
}

// refreshLoop re-resolves trust priorities on a fixed period.
func (o *Orchestrator) refreshLoop(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			o.refreshPriorities(ctx)
		}
	}
}

// refreshPriorities re-registers every peer whose trust-derived priority
// moved since the last pass.
func (o *Orchestrator) refreshPriorities(ctx context.Context) {
	for _, info := range o.table.Snapshot() {
		prio, err := o.trust.PriorityFor(ctx, o.selfPK, info.PubKey)
		if err != nil {
			o.l.Debugw("", "boot", "trust refresh failed", "peer", info.PubKey, "err", err)
			continue
		}
		if prio == info.Priority {
			continue
		}
		if err := o.conn.RegisterPeer(ctx, connector.Peer{
			PeerKey:           info.PubKey,
			TransportEndpoint: info.Endpoint,
			RoutingAddress:    info.RoutingAddress,
			Priority:          prio,
			ChannelID:         info.ChannelID,
		}); err != nil {
			o.l.Warnw("", "boot", "priority refresh failed", "peer", info.PubKey, "err", err)
			continue
		}
		if err := o.table.Update(info.PubKey, func(i *peer.Info) { i.Priority = prio }); err != nil {
			continue
		}
		o.l.Infow("", "boot", "priority refreshed", "peer", info.PubKey, "from", info.Priority, "to", prio)
	}
}
