package core

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/dispatch"
	"github.com/zapmesh/zapmesh/ecies"
	"github.com/zapmesh/zapmesh/handshake"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log/testlogger"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/peer"
	"github.com/zapmesh/zapmesh/relay"
	"github.com/zapmesh/zapmesh/store"
)

func signedMessage(t *testing.T, pair *key.Pair, kind int, content string, tags [][]string) *message.Message {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	m := &message.Message{CreatedAt: time.Now().Unix(), Kind: kind, Tags: tags, Content: content}
	require.NoError(t, m.Sign(pair))
	return m
}

// paidPacket wraps the message in an envelope priced at exactly what the
// node demands.
func paidPacket(t *testing.T, n *Node, m *message.Message) connector.Packet {
	t.Helper()
	env, err := message.EncodeEnvelope(m)
	require.NoError(t, err)
	return connector.Packet{Destination: n.Address(), Amount: n.policy.PriceFor(m).Amount, Data: env}
}

// peerRig is the remote side of a handshake: its own identity, record,
// table and requester, plus a connector on the shared hub.
type peerRig struct {
	pair   *key.Pair
	record *peer.Record
	table  *peer.Table
	req    *handshake.Requester
	direct *connector.Direct
}

func newPeerRig(t *testing.T, hub *connector.Hub, chains []string, settlement, tokens map[string]string) *peerRig {
	t.Helper()
	pair, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)
	record := &peer.Record{
		Address:    peer.RoutingAddressFor(pair.Public.Hex()),
		Endpoint:   "ws://127.0.0.1:4878",
		Asset:      peer.Asset{Code: "USD", Scale: 9},
		Chains:     chains,
		Settlement: settlement,
		Tokens:     tokens,
	}
	require.NoError(t, record.Validate())
	table := peer.NewTable()
	req, err := handshake.NewRequester(testlogger.New(t), pair, record, ecies.NewScheme(),
		table, clockwork.NewRealClock(), time.Millisecond)
	require.NoError(t, err)
	return &peerRig{
		pair:   pair,
		record: record,
		table:  table,
		req:    req,
		direct: hub.Connector(testlogger.New(t), record.Address),
	}
}

func TestHandlePacketRejectsMalformedEnvelope(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())

	res := n.handlePacket(context.Background(), connector.Packet{
		Destination: n.Address(),
		Data:        []byte{0x7f, 0xde, 0xad},
	})
	require.False(t, res.Fulfilled)
	require.Equal(t, connector.CodeBadRequest, res.Code)
	require.Contains(t, res.Message, "envelope")
}

func TestHandlePacketRejectsBadSignature(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())
	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)

	m := signedMessage(t, author, message.KindNote, "hello", nil)
	m.Content = "tampered"
	env, err := message.EncodeEnvelope(m)
	require.NoError(t, err)

	res := n.handlePacket(context.Background(), connector.Packet{
		Destination: n.Address(),
		Amount:      1 << 20,
		Data:        env,
	})
	require.False(t, res.Fulfilled)
	require.Equal(t, connector.CodeBadRequest, res.Code)
	require.Contains(t, res.Message, "signature")
}

func TestHandlePacketUnderpaidThenPaid(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())
	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)

	note := signedMessage(t, author, message.KindNote, "hello mesh", nil)
	pkt := paidPacket(t, n, note)
	required := pkt.Amount
	require.Positive(t, required)

	short := pkt
	short.Amount = required - 1
	res := n.handlePacket(context.Background(), short)
	require.False(t, res.Fulfilled)
	require.Equal(t, connector.CodeInsufficientPayment, res.Code)
	require.Equal(t, strconv.FormatInt(required, 10), res.Metadata[connector.MetaRequired])

	res = n.handlePacket(context.Background(), pkt)
	require.True(t, res.Fulfilled)

	got, err := n.store.Get(context.Background(), note.ID)
	require.NoError(t, err)
	require.Equal(t, "hello mesh", got.Content)
}

func TestOwnerWritesAreFree(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())

	note := signedMessage(t, n.priv, message.KindNote, "owner speaking", nil)
	pkt := paidPacket(t, n, note)
	require.Zero(t, pkt.Amount)

	res := n.handlePacket(context.Background(), pkt)
	require.True(t, res.Fulfilled)
}

func TestHandshakePacketOpensChannel(t *testing.T) {
	hub := connector.NewHub()
	n, direct := newTestNode(t, hub)
	rig := newPeerRig(t, hub, []string{chainBase}, nil, map[string]string{chainBase: tokenPeer})

	reqMsg, _, err := rig.req.NewRequest(n.PublicKey())
	require.NoError(t, err)
	env, err := message.EncodeEnvelope(reqMsg)
	require.NoError(t, err)

	res := n.handlePacket(context.Background(), connector.Packet{
		Destination: n.Address(),
		Data:        env,
	})
	require.True(t, res.Fulfilled)
	require.NotEmpty(t, res.Data)
	require.NoError(t, rig.req.ResolveData(res.Data))

	info, ok := rig.table.Get(n.PublicKey())
	require.True(t, ok)
	require.NotEmpty(t, info.ChannelID)
	require.Equal(t, chainBase, info.Chain)
	require.Len(t, info.SessionSecret, handshake.SessionSecretLen)

	hostSide, ok := n.Peers().Get(rig.pair.Public.Hex())
	require.True(t, ok)
	require.Equal(t, info.ChannelID, hostSide.ChannelID)
	require.Equal(t, 1, direct.OpenChannelCount())
}

func TestHandshakeChainMismatchCarriesReason(t *testing.T) {
	hub := connector.NewHub()
	n, _ := newTestNode(t, hub)
	rig := newPeerRig(t, hub, []string{"xrp:mainnet"},
		map[string]string{"xrp:mainnet": "rPeerSettlementAddr1"}, nil)

	reqMsg, _, err := rig.req.NewRequest(n.PublicKey())
	require.NoError(t, err)
	env, err := message.EncodeEnvelope(reqMsg)
	require.NoError(t, err)

	res := n.handlePacket(context.Background(), connector.Packet{
		Destination: n.Address(),
		Data:        env,
	})
	require.False(t, res.Fulfilled)
	require.Equal(t, connector.CodeBadRequest, res.Code)
	require.Equal(t, handshake.ReasonChainMismatch, res.Metadata[connector.MetaReason])
}

func TestHandshakeResponsePushKeepsPayment(t *testing.T) {
	hub := connector.NewHub()
	n, _ := newTestNode(t, hub)
	rig := newPeerRig(t, hub, []string{chainBase}, nil, nil)

	// A pushed response that answers no pending request is paid for and
	// dropped, not bounced back.
	stray := signedMessage(t, rig.pair, message.KindHandshakeRes, "ZGVhZA==",
		[][]string{{"p", n.PublicKey()}})
	env, err := message.EncodeEnvelope(stray)
	require.NoError(t, err)

	res := n.handlePacket(context.Background(), connector.Packet{
		Destination: n.Address(),
		Amount:      n.policy.PriceFor(stray).Amount,
		Data:        env,
	})
	require.True(t, res.Fulfilled)
	require.Empty(t, res.Data)
}

func TestDeletionPacketRemovesMessage(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())
	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)
	ctx := context.Background()

	note := signedMessage(t, author, message.KindNote, "soon gone", nil)
	res := n.handlePacket(ctx, paidPacket(t, n, note))
	require.True(t, res.Fulfilled)

	del := &message.Message{
		CreatedAt: note.CreatedAt + 1,
		Kind:      message.KindDeletion,
		Tags:      [][]string{{"e", note.ID}},
	}
	require.NoError(t, del.Sign(author))
	res = n.handlePacket(ctx, paidPacket(t, n, del))
	require.True(t, res.Fulfilled)

	_, err = n.store.Get(ctx, note.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplaceableKindKeepsNewest(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())
	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Now().Unix()

	older := &message.Message{CreatedAt: base, Kind: message.KindFollowList, Tags: [][]string{}, Content: "v1"}
	require.NoError(t, older.Sign(author))
	newer := &message.Message{CreatedAt: base + 10, Kind: message.KindFollowList, Tags: [][]string{}, Content: "v2"}
	require.NoError(t, newer.Sign(author))

	res := n.handlePacket(ctx, paidPacket(t, n, older))
	require.True(t, res.Fulfilled)
	res = n.handlePacket(ctx, paidPacket(t, n, newer))
	require.True(t, res.Fulfilled)

	got, err := n.store.Query(ctx, message.Filters{{
		Authors: []string{author.Public.Hex()},
		Kinds:   []int{message.KindFollowList},
	}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v2", got[0].Content)
}

func TestEphemeralBroadcastsWithoutStore(t *testing.T) {
	const kindTyping = 21000

	n, _ := newTestNode(t, connector.NewHub())
	hs := httptest.NewServer(n.Handler())
	t.Cleanup(hs.Close)
	ctx := context.Background()

	cli, err := relay.Dial(ctx, testlogger.New(t), "ws"+strings.TrimPrefix(hs.URL, "http"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	sub, err := cli.Subscribe(ctx, message.Filter{Kinds: []int{kindTyping}})
	require.NoError(t, err)
	awaitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, sub.AwaitEOSE(awaitCtx))

	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)
	ping := signedMessage(t, author, kindTyping, "typing", nil)
	res := n.handlePacket(ctx, paidPacket(t, n, ping))
	require.True(t, res.Fulfilled)

	select {
	case got := <-sub.Events:
		require.Equal(t, ping.ID, got.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("ephemeral message never reached the subscriber")
	}

	count, err := n.store.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStoredKindReachesDispatch(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())
	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)

	n.RegisterHandler(message.KindNote, nil, func(_ context.Context, m *message.Message) []dispatch.Action {
		return []dispatch.Action{dispatch.Reply(m.ID, "ack")}
	})

	note := signedMessage(t, author, message.KindNote, "anyone here?", nil)
	res := n.handlePacket(context.Background(), paidPacket(t, n, note))
	require.True(t, res.Fulfilled)

	select {
	case act := <-n.actions.Actions():
		require.Equal(t, dispatch.ActionReply, act.Kind)
		require.Equal(t, note.ID, act.ParentID)
		require.Equal(t, "ack", act.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("stored note never reached the dispatch table")
	}
}

func TestDuplicateStoreIsNotDispatchedTwice(t *testing.T) {
	n, _ := newTestNode(t, connector.NewHub())
	author, err := key.NewKeyPair("ws://127.0.0.1:4878")
	require.NoError(t, err)

	n.RegisterHandler(message.KindNote, nil, func(_ context.Context, m *message.Message) []dispatch.Action {
		return []dispatch.Action{dispatch.Reply(m.ID, "ack")}
	})

	note := signedMessage(t, author, message.KindNote, "once only", nil)
	pkt := paidPacket(t, n, note)
	ctx := context.Background()
	require.True(t, n.handlePacket(ctx, pkt).Fulfilled)
	require.True(t, n.handlePacket(ctx, pkt).Fulfilled)

	<-n.actions.Actions()
	select {
	case act := <-n.actions.Actions():
		t.Fatalf("duplicate delivery dispatched a second action: %v", act.Kind)
	case <-time.After(300 * time.Millisecond):
	}
}
