package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/ecies"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log/testlogger"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/peer"
)

const (
	chainBase = "evm:base:8453"
	chainXRP  = "xrp:mainnet"
	tokenA    = "0x1111111111111111111111111111111111111111"
	tokenB    = "0x2222222222222222222222222222222222222222"
	settleB   = "0x3333333333333333333333333333333333333333"
)

type testNode struct {
	pair   *key.Pair
	record *peer.Record
	table  *peer.Table
	conn   *connector.Direct
}

func newTestNode(t *testing.T, hub *connector.Hub, seg string, chains []string, tokens, settlement map[string]string) *testNode {
	t.Helper()
	pair, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	record := &peer.Record{
		Address:    "g.zapmesh." + seg,
		Endpoint:   "ws://127.0.0.1:4878",
		Asset:      peer.Asset{Code: "usd", Scale: 6},
		Chains:     chains,
		Settlement: settlement,
		Tokens:     tokens,
	}
	require.NoError(t, record.Validate())
	return &testNode{
		pair:   pair,
		record: record,
		table:  peer.NewTable(),
		conn:   hub.Connector(testlogger.New(t), record.Address),
	}
}

func newResponder(t *testing.T, n *testNode, clock clockwork.Clock, cfg ResponderConfig) *Responder {
	t.Helper()
	r, err := NewResponder(testlogger.New(t), n.pair, n.record, ecies.NewScheme(), n.conn, n.table, clock, cfg)
	require.NoError(t, err)
	return r
}

func newRequester(t *testing.T, n *testNode, clock clockwork.Clock) *Requester {
	t.Helper()
	q, err := NewRequester(testlogger.New(t), n.pair, n.record, ecies.NewScheme(), n.table, clock, 0)
	require.NoError(t, err)
	return q
}

func TestHandshakeRoundTrip(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, map[string]string{chainBase: tokenA}, nil)
	b := newTestNode(t, hub, "bbbb", []string{chainBase, chainXRP}, map[string]string{chainBase: tokenB}, map[string]string{chainBase: settleB})

	clock := clockwork.NewRealClock()
	req := newRequester(t, a, clock)
	res := newResponder(t, b, clock, ResponderConfig{})

	reqMsg, requestID, err := req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)
	require.Equal(t, message.KindHandshakeReq, reqMsg.Kind)
	require.NoError(t, reqMsg.Verify())
	to, ok := reqMsg.TagValue(TagRecipient)
	require.True(t, ok)
	require.Equal(t, b.pair.Public.Hex(), to)

	ctx := context.Background()
	respMsg, err := res.Respond(ctx, reqMsg)
	require.NoError(t, err)
	require.Equal(t, message.KindHandshakeRes, respMsg.Kind)
	require.NoError(t, respMsg.Verify())

	require.NoError(t, req.Resolve(respMsg))
	resp, err := req.Await(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, requestID, resp.RequestID)
	require.Equal(t, chainBase, resp.Chain)
	require.Equal(t, settleB, resp.SettlementAddress)
	require.NotEmpty(t, resp.ChannelID)
	require.Len(t, resp.SessionSecret, 2*SessionSecretLen)

	// Both tables hold the channel and the same secret.
	aInfo, ok := a.table.Get(b.pair.Public.Hex())
	require.True(t, ok)
	require.Equal(t, resp.ChannelID, aInfo.ChannelID)
	require.Equal(t, chainBase, aInfo.Chain)
	require.Equal(t, b.record.Address, aInfo.RoutingAddress)

	bInfo, ok := b.table.Get(a.pair.Public.Hex())
	require.True(t, ok)
	require.Equal(t, resp.ChannelID, bInfo.ChannelID)
	require.Equal(t, aInfo.SessionSecret, bInfo.SessionSecret)
	require.Len(t, bInfo.SessionSecret, SessionSecretLen)

	// The responder's connector reports the channel open.
	ch, err := b.conn.ChannelState(ctx, resp.ChannelID)
	require.NoError(t, err)
	require.Equal(t, connector.StateOpen, ch.State)
}

func TestNegotiateChainOrdering(t *testing.T) {
	t.Run("requester token wins", func(t *testing.T) {
		chain, token, err := negotiateChain(
			[]string{chainXRP, chainBase}, map[string]string{chainBase: tokenA},
			[]string{chainBase, chainXRP}, map[string]string{chainXRP: tokenB},
		)
		require.NoError(t, err)
		require.Equal(t, chainBase, chain)
		require.Equal(t, tokenA, token)
	})
	t.Run("responder token fallback", func(t *testing.T) {
		chain, token, err := negotiateChain(
			[]string{chainXRP, chainBase}, nil,
			[]string{chainBase, chainXRP}, map[string]string{chainBase: tokenB},
		)
		require.NoError(t, err)
		require.Equal(t, chainBase, chain)
		require.Equal(t, tokenB, token)
	})
	t.Run("first common fallback", func(t *testing.T) {
		chain, token, err := negotiateChain(
			[]string{chainXRP, chainBase}, nil,
			[]string{chainBase, chainXRP}, nil,
		)
		require.NoError(t, err)
		require.Equal(t, chainXRP, chain)
		require.Empty(t, token)
	})
	t.Run("mismatch", func(t *testing.T) {
		_, _, err := negotiateChain([]string{chainXRP}, nil, []string{chainBase}, nil)
		require.ErrorIs(t, err, ErrChainMismatch)
	})
}

func TestRespondChainMismatch(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	b := newTestNode(t, hub, "bbbb", []string{chainXRP}, nil, nil)

	clock := clockwork.NewRealClock()
	req := newRequester(t, a, clock)
	res := newResponder(t, b, clock, ResponderConfig{})

	reqMsg, _, err := req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)

	_, err = res.Respond(context.Background(), reqMsg)
	require.ErrorIs(t, err, ErrChainMismatch)

	// Nothing was registered or opened.
	require.False(t, b.table.Has(a.pair.Public.Hex()))
	require.Zero(t, b.conn.OpenChannelCount())
}

func TestRespondCooldownAndReplay(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	b := newTestNode(t, hub, "bbbb", []string{chainBase}, nil, nil)

	clock := clockwork.NewFakeClock()
	// The requester's own rate limit stays out of the way here.
	req, err := NewRequester(testlogger.New(t), a.pair, a.record, ecies.NewScheme(), a.table, clock, time.Millisecond)
	require.NoError(t, err)
	res := newResponder(t, b, clock, ResponderConfig{Cooldown: time.Minute})

	first, _, err := req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)
	_, err = res.Respond(context.Background(), first)
	require.NoError(t, err)

	// A fresh request inside the cooldown window is refused.
	clock.Advance(30 * time.Second)
	second, _, err := req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)
	_, err = res.Respond(context.Background(), second)
	require.ErrorIs(t, err, ErrCooldown)

	// The same request replayed after the cooldown trips the id cache.
	clock.Advance(2 * time.Minute)
	_, err = res.Respond(context.Background(), first)
	require.ErrorIs(t, err, ErrReplay)
}

func TestRequesterCooldown(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	b := newTestNode(t, hub, "bbbb", []string{chainBase}, nil, nil)

	clock := clockwork.NewFakeClock()
	req := newRequester(t, a, clock)

	_, _, err := req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)
	_, _, err = req.NewRequest(b.pair.Public.Hex())
	require.ErrorIs(t, err, ErrCooldown)

	clock.Advance(2 * time.Minute)
	_, _, err = req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)
}

func TestHandshakeSelfGuards(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	clock := clockwork.NewRealClock()

	req := newRequester(t, a, clock)
	_, _, err := req.NewRequest(a.pair.Public.Hex())
	require.ErrorIs(t, err, ErrSelf)

	// A request authored by the responder's own key is refused even when
	// it looks well-formed.
	res := newResponder(t, a, clock, ResponderConfig{})
	own, err := sealMessage(a.pair, ecies.NewScheme(), message.KindHandshakeReq, a.pair.Public.Hex(), time.Now().Unix(), &Request{RequestID: "r1", Chains: []string{chainBase}})
	require.NoError(t, err)
	_, err = res.Respond(context.Background(), own)
	require.ErrorIs(t, err, ErrSelf)
}

func TestRespondNotRecipient(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	b := newTestNode(t, hub, "bbbb", []string{chainBase}, nil, nil)
	c := newTestNode(t, hub, "cccc", []string{chainBase}, nil, nil)

	clock := clockwork.NewRealClock()
	req := newRequester(t, a, clock)
	res := newResponder(t, b, clock, ResponderConfig{})

	// Addressed to C, delivered to B.
	toC, _, err := req.NewRequest(c.pair.Public.Hex())
	require.NoError(t, err)
	_, err = res.Respond(context.Background(), toC)
	require.ErrorIs(t, err, ErrNotRecipient)
}

func TestRespondChannelTimeout(t *testing.T) {
	clock := clockwork.NewRealClock()

	t.Run("deadline too close", func(t *testing.T) {
		hub := connector.NewHub()
		a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
		b := newTestNode(t, hub, "bbbb", []string{chainBase}, nil, nil)
		req := newRequester(t, a, clock)
		res := newResponder(t, b, clock, ResponderConfig{OpenMargin: 2 * time.Second})

		reqMsg, requestID, err := req.NewRequest(b.pair.Public.Hex())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		respMsg, err := res.Respond(ctx, reqMsg)
		require.NoError(t, err)

		require.NoError(t, req.Resolve(respMsg))
		resp, err := req.Await(context.Background(), requestID)
		require.ErrorIs(t, err, ErrChannelTimeout)
		require.Empty(t, resp.ChannelID)

		// No channel means no table adoption on the requester side.
		info, ok := a.table.Get(b.pair.Public.Hex())
		if ok {
			require.Empty(t, info.ChannelID)
		}
	})

	t.Run("open outlives deadline", func(t *testing.T) {
		hub := connector.NewHub()
		a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)

		stuck := func(ctx context.Context, req connector.ChannelRequest) (*connector.Channel, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		pair, err := key.NewKeyPair("ws://127.0.0.1:0")
		require.NoError(t, err)
		record := &peer.Record{
			Address:  "g.zapmesh.slow",
			Endpoint: "ws://127.0.0.1:4878",
			Asset:    peer.Asset{Code: "usd", Scale: 6},
			Chains:   []string{chainBase},
		}
		slow := hub.Connector(testlogger.New(t), record.Address, connector.WithChannelOpener(stuck))
		table := peer.NewTable()
		res, err := NewResponder(testlogger.New(t), pair, record, ecies.NewScheme(), slow, table, clock, ResponderConfig{OpenMargin: 150 * time.Millisecond})
		require.NoError(t, err)

		req := newRequester(t, a, clock)
		reqMsg, _, err := req.NewRequest(pair.Public.Hex())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
		defer cancel()
		respMsg, err := res.Respond(ctx, reqMsg)
		require.NoError(t, err)

		var resp Response
		require.NoError(t, Open(ecies.NewScheme(), a.pair.Key, respMsg.Content, &resp))
		require.ErrorIs(t, resp.Err(), ErrChannelTimeout)
	})
}

func TestResolveData(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	b := newTestNode(t, hub, "bbbb", []string{chainBase}, nil, nil)

	clock := clockwork.NewRealClock()
	req := newRequester(t, a, clock)
	res := newResponder(t, b, clock, ResponderConfig{})

	reqMsg, requestID, err := req.NewRequest(b.pair.Public.Hex())
	require.NoError(t, err)
	respMsg, err := res.Respond(context.Background(), reqMsg)
	require.NoError(t, err)

	data, err := message.EncodeEnvelope(respMsg)
	require.NoError(t, err)
	require.NoError(t, req.ResolveData(data))

	resp, err := req.Await(context.Background(), requestID)
	require.NoError(t, err)
	require.NotEmpty(t, resp.ChannelID)

	require.ErrorIs(t, req.ResolveData([]byte("not an envelope")), ErrBadPayload)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	scheme := ecies.NewScheme()
	to, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	other, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)

	content, err := Seal(scheme, to.Public.Key, &Request{RequestID: "r1"})
	require.NoError(t, err)

	var out Request
	require.NoError(t, Open(scheme, to.Key, content, &out))
	require.Equal(t, "r1", out.RequestID)

	require.ErrorIs(t, Open(scheme, other.Key, content, &out), ErrBadPayload)
}

func TestAwaitUnknownAndAbandon(t *testing.T) {
	hub := connector.NewHub()
	a := newTestNode(t, hub, "aaaa", []string{chainBase}, nil, nil)
	req := newRequester(t, a, clockwork.NewRealClock())

	_, err := req.Await(context.Background(), "never-registered")
	require.ErrorIs(t, err, ErrUnknownRequest)

	b, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	_, requestID, err := req.NewRequest(b.Public.Hex())
	require.NoError(t, err)
	req.Abandon(requestID)
	_, err = req.Await(context.Background(), requestID)
	require.ErrorIs(t, err, ErrUnknownRequest)
}
