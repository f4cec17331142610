package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/log/testlogger"
)

func TestNewRemoteRejectsBadURL(t *testing.T) {
	l := testlogger.New(t)
	_, err := NewRemote(l, "ftp://router.example")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported scheme")

	_, err = NewRemote(l, ":")
	require.Error(t, err)
}

func TestRemoteSendPacketFulfill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/packets", r.URL.Path)
		var req packetRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "g.zapmesh.dest0000", req.Destination)
		require.Equal(t, int64(42), req.Amount)
		require.Equal(t, []byte("ping"), req.Data)
		require.Equal(t, int64(1000), req.TimeoutMs)
		writeJSON(w, http.StatusOK, packetResponse{Outcome: "fulfill", Data: []byte("pong")})
	}))
	defer srv.Close()

	c, err := NewRemote(testlogger.New(t), srv.URL)
	require.NoError(t, err)

	res, err := c.SendPacket(context.Background(), "g.zapmesh.dest0000", 42, []byte("ping"), time.Second)
	require.NoError(t, err)
	require.True(t, res.Fulfilled)
	require.Equal(t, []byte("pong"), res.Data)
}

func TestRemoteRejectNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, packetResponse{
			Outcome:      "reject",
			ErrorCode:    CodeInsufficientPayment,
			ErrorMessage: "payment-required: 200",
			Metadata:     map[string]string{MetaRequired: "200"},
		})
	}))
	defer srv.Close()

	c, err := NewRemote(testlogger.New(t), srv.URL, WithBackoff(time.Millisecond, 5))
	require.NoError(t, err)

	res, err := c.SendPacket(context.Background(), "g.zapmesh.dest0000", 100, nil, time.Second)
	require.NoError(t, err)
	require.False(t, res.Fulfilled)
	require.Equal(t, CodeInsufficientPayment, res.Code)
	require.Equal(t, "200", res.Metadata[MetaRequired])
	require.Equal(t, int32(1), calls.Load(), "application rejects must not retry")
}

func TestRemoteRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, packetResponse{Outcome: "fulfill"})
	}))
	defer srv.Close()

	c, err := NewRemote(testlogger.New(t), srv.URL, WithBackoff(time.Millisecond, 5))
	require.NoError(t, err)

	res, err := c.SendPacket(context.Background(), "g.zapmesh.dest0000", 1, nil, time.Second)
	require.NoError(t, err)
	require.True(t, res.Fulfilled)
	require.Equal(t, int32(3), calls.Load())
}

func TestRemoteGivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewRemote(testlogger.New(t), srv.URL, WithBackoff(time.Millisecond, 3))
	require.NoError(t, err)

	_, err = c.SendPacket(context.Background(), "g.zapmesh.dest0000", 1, nil, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 tries")
	require.Equal(t, int32(3), calls.Load())
}

func TestRemoteAPIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, apiErrorBody{Error: "unknown peer"})
	}))
	defer srv.Close()

	c, err := NewRemote(testlogger.New(t), srv.URL, WithBackoff(time.Millisecond, 5))
	require.NoError(t, err)

	err = c.RegisterPeer(context.Background(), Peer{PeerKey: "bkey", RoutingAddress: "g.x.y"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown peer")
	require.Equal(t, int32(1), calls.Load())
}

func TestRemoteAdminAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/peers":
			var p Peer
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			require.Equal(t, "bkey", p.PeerKey)
			require.Equal(t, "g.zapmesh.bbbb2222", p.RoutingAddress)
			require.Equal(t, 50, p.Priority)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete && r.URL.Path == "/peers/bkey":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/channels":
			var req ChannelRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "evm:base:8453", req.Chain)
			writeJSON(w, http.StatusOK, Channel{ChannelID: "ch-1", State: StateOpen, Deposit: req.InitialDeposit})
		case r.Method == http.MethodGet && r.URL.Path == "/channels/ch-1":
			writeJSON(w, http.StatusOK, Channel{ChannelID: "ch-1", State: StateOpen, Deposit: 1000, Balance: -25})
		case r.Method == http.MethodGet && r.URL.Path == "/balances/bkey":
			writeJSON(w, http.StatusOK, balanceResponse{PeerKey: "bkey", Balance: -25})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewRemote(testlogger.New(t), srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.RegisterPeer(ctx, Peer{
		PeerKey: "bkey", TransportEndpoint: "ws://b.example", RoutingAddress: "g.zapmesh.bbbb2222", Priority: 50,
	}))

	ch, err := c.OpenChannel(ctx, ChannelRequest{PeerKey: "bkey", Chain: "evm:base:8453", InitialDeposit: 1000})
	require.NoError(t, err)
	require.Equal(t, "ch-1", ch.ChannelID)
	require.Equal(t, StateOpen, ch.State)

	got, err := c.ChannelState(ctx, "ch-1")
	require.NoError(t, err)
	require.Equal(t, int64(-25), got.Balance)

	bal, err := c.Balance(ctx, "bkey")
	require.NoError(t, err)
	require.Equal(t, int64(-25), bal)

	require.NoError(t, c.RemovePeer(ctx, "bkey"))
}

func TestRemoteHandlerFunc(t *testing.T) {
	c, err := NewRemote(testlogger.New(t), "http://router.invalid")
	require.NoError(t, err)
	c.RegisterPacketHandler(func(_ context.Context, p Packet) *Result {
		if p.Amount < 10 {
			return RejectWith(CodeInsufficientPayment, "payment-required: 10", map[string]string{MetaRequired: "10"})
		}
		return Fulfill([]byte("ok"))
	})
	h := c.HandlerFunc()

	post := func(body interface{}) handleResponse {
		t.Helper()
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/handle-packet", bytes.NewReader(raw))
		rw := httptest.NewRecorder()
		h(rw, req)
		var resp handleResponse
		require.NoError(t, json.NewDecoder(rw.Body).Decode(&resp))
		return resp
	}

	resp := post(handleRequest{Amount: 10, Destination: "g.zapmesh.self0000", Data: []byte("d")})
	require.True(t, resp.Accept)
	require.Equal(t, []byte("ok"), resp.Data)

	resp = post(handleRequest{Amount: 1, Destination: "g.zapmesh.self0000"})
	require.False(t, resp.Accept)
	require.Equal(t, CodeInsufficientPayment, resp.Code)
	require.Equal(t, "10", resp.Metadata[MetaRequired])
}

func TestRemoteHandlerFuncNoHandler(t *testing.T) {
	c, err := NewRemote(testlogger.New(t), "http://router.invalid")
	require.NoError(t, err)
	h := c.HandlerFunc()

	raw, err := json.Marshal(handleRequest{Amount: 1})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/handle-packet", bytes.NewReader(raw))
	rw := httptest.NewRecorder()
	h(rw, req)

	var resp handleResponse
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&resp))
	require.False(t, resp.Accept)
	require.Equal(t, CodeInternal, resp.Code)
}
