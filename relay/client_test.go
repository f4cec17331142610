package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log/testlogger"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/pricing"
)

func newTestClient(t *testing.T, tr *testRelay) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, testlogger.New(t), tr.http.URL)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientPublishAndSubscribe(t *testing.T) {
	tr := newTestRelay(t, nil)
	c := newTestClient(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, message.Filter{Kinds: []int{message.KindNote}})
	require.NoError(t, err)
	require.NoError(t, sub.AwaitEOSE(ctx))

	pair, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	m := newSignedMessage(t, pair, message.KindNote, "over the client")
	require.NoError(t, c.Publish(ctx, m))

	select {
	case got := <-sub.Events:
		require.Equal(t, m.ID, got.ID)
		require.Equal(t, "over the client", got.Content)
	case <-ctx.Done():
		t.Fatal("no event before deadline")
	}
	sub.Unsubscribe()
}

func TestClientPublishRejected(t *testing.T) {
	tr := newTestRelay(t, pricing.NewPolicy("", 2, 1))
	c := newTestClient(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pair, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	m := newSignedMessage(t, pair, message.KindNote, "unpaid")

	err = c.Publish(ctx, m)
	require.Error(t, err)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	require.Equal(t, m.ID, rej.ID)
	require.True(t, strings.HasPrefix(rej.Reason, ReasonPaymentRequired), rej.Reason)
}

func TestClientFetchOne(t *testing.T) {
	tr := newTestRelay(t, nil)
	c := newTestClient(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pair, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	m := newSignedMessage(t, pair, message.KindPeerRecord, `{"address":"g.zapmesh.abc"}`)
	require.NoError(t, c.Publish(ctx, m))

	got, err := c.FetchOne(ctx, message.Filter{
		Authors: []string{pair.Public.Hex()},
		Kinds:   []int{message.KindPeerRecord},
		Limit:   1,
	})
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)

	_, err = c.FetchOne(ctx, message.Filter{Kinds: []int{message.KindBadgeAward}})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClientCloseUnblocksWaiters(t *testing.T) {
	tr := newTestRelay(t, nil)
	c := newTestClient(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchOne(ctx, message.Filter{Kinds: []int{message.KindZapReceipt}, Since: ptrInt64(time.Now().Unix() + 3600)})
		done <- err
	}()

	// FetchOne above returns ErrNotFound quickly via EOSE, so block on a
	// live-only wait instead: subscribe and wait for an event that never
	// comes, then close.
	sub, err := c.Subscribe(ctx, message.Filter{Kinds: []int{message.KindZapReceipt}})
	require.NoError(t, err)
	require.NoError(t, sub.AwaitEOSE(ctx))

	waiting := make(chan error, 1)
	go func() {
		select {
		case <-sub.Events:
			waiting <- nil
		case <-c.closed:
			waiting <- ErrClosed
		}
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotFound)
	case <-ctx.Done():
		t.Fatal("FetchOne did not return")
	}

	require.NoError(t, c.Close())
	select {
	case err := <-waiting:
		require.ErrorIs(t, err, ErrClosed)
	case <-ctx.Done():
		t.Fatal("subscriber still blocked after close")
	}
}

func TestClientReconnectResubscribes(t *testing.T) {
	tr := newTestRelay(t, nil)
	c := newTestClient(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, message.Filter{Kinds: []int{message.KindNote}})
	require.NoError(t, err)
	require.NoError(t, sub.AwaitEOSE(ctx))

	// Kill the server side of every connection; the client must come back
	// on its own and replay the subscription.
	require.Equal(t, 1, tr.srv.ConnCount())
	tr.srv.mu.RLock()
	var victim *connection
	for conn := range tr.srv.conns {
		victim = conn
	}
	tr.srv.mu.RUnlock()
	victim.close()

	require.Eventually(t, func() bool {
		return tr.srv.ConnCount() == 1 && tr.srv.conns != nil
	}, 10*time.Second, 50*time.Millisecond)

	// Give the REQ replay a moment to land, then verify the live flow.
	pair, err := key.NewKeyPair("ws://127.0.0.1:0")
	require.NoError(t, err)
	m := newSignedMessage(t, pair, message.KindNote, "after the storm")

	require.Eventually(t, func() bool {
		tr.srv.Broadcast(m)
		select {
		case got := <-sub.Events:
			return got.ID == m.ID
		default:
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)
}

func TestWSURLRewrites(t *testing.T) {
	for in, want := range map[string]string{
		"http://relay.example:4878":    "ws://relay.example:4878",
		"https://relay.example/gossip": "wss://relay.example/gossip",
		"ws://relay.example":           "ws://relay.example",
		"wss://relay.example":          "wss://relay.example",
	} {
		got, err := wsURL(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := wsURL("ftp://relay.example")
	require.Error(t, err)
}

func ptrInt64(v int64) *int64 { return &v }
