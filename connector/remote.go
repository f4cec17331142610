package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	nhttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zapmesh/zapmesh/log"
)

const (
	remoteAgent        = "zapmesh-connector/1.0"
	defaultHTTPTimeout = 60 * time.Second
	defaultBackoffBase = 250 * time.Millisecond
	defaultMaxTries    = 5

	// sendGrace pads the HTTP deadline past the packet expiry so the router
	// answers the timeout, not the transport.
	sendGrace = 5 * time.Second
)

// RemoteOption configures a Remote connector.
type RemoteOption func(*Remote)

// WithTransport replaces the HTTP transport, e.g. for tests.
func WithTransport(rt nhttp.RoundTripper) RemoteOption {
	return func(c *Remote) { c.client.Transport = rt }
}

// WithBackoff tunes the transport retry schedule.
func WithBackoff(base time.Duration, tries int) RemoteOption {
	return func(c *Remote) {
		if base > 0 {
			c.base = base
		}
		if tries > 0 {
			c.tries = tries
		}
	}
}

// Remote drives an external packet router over its HTTP admin and runtime
// API. Transport failures retry with exponential backoff; application-level
// rejects come back verbatim, never retried.
type Remote struct {
	l      log.Logger
	root   string
	client *nhttp.Client
	agent  string
	base   time.Duration
	tries  int

	mu      sync.RWMutex
	handler Handler
}

// NewRemote creates a connector client for the router reachable at rawURL.
func NewRemote(l log.Logger, rawURL string, opts ...RemoteOption) (*Remote, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("connector: parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("connector: unsupported scheme %q", u.Scheme)
	}
	root := rawURL
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	c := &Remote{
		l:      l,
		root:   root,
		client: &nhttp.Client{Timeout: defaultHTTPTimeout},
		agent:  remoteAgent,
		base:   defaultBackoffBase,
		tries:  defaultMaxTries,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type packetRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Data        []byte `json:"data"`
	TimeoutMs   int64  `json:"timeoutMs"`
}

type packetResponse struct {
	Outcome      string            `json:"outcome"`
	Data         []byte            `json:"data,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type balanceResponse struct {
	PeerKey string `json:"peerKey"`
	Balance int64  `json:"balance"`
}

type apiErrorBody struct {
	Error string `json:"error"`
}

// RegisterPeer implements Client.
func (c *Remote) RegisterPeer(ctx context.Context, p Peer) error {
	return c.doJSON(ctx, nhttp.MethodPost, "peers", p, nil)
}

// RemovePeer implements Client.
func (c *Remote) RemovePeer(ctx context.Context, peerKey string) error {
	return c.doJSON(ctx, nhttp.MethodDelete, "peers/"+url.PathEscape(peerKey), nil, nil)
}

// SendPacket implements Client. The router holds the request open until the
// packet reaches a terminal outcome, so the HTTP deadline pads the packet
// expiry rather than racing it.
func (c *Remote) SendPacket(ctx context.Context, destination string, amount int64, data []byte, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+sendGrace)
	defer cancel()

	req := packetRequest{
		Destination: destination,
		Amount:      amount,
		Data:        data,
		TimeoutMs:   timeout.Milliseconds(),
	}
	var resp packetResponse
	if err := c.doJSON(ctx, nhttp.MethodPost, "packets", req, &resp); err != nil {
		return nil, err
	}
	if resp.Outcome == "fulfill" {
		return Fulfill(resp.Data), nil
	}
	return RejectWith(resp.ErrorCode, resp.ErrorMessage, resp.Metadata), nil
}

// OpenChannel implements Client.
func (c *Remote) OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error) {
	timeout := DefaultChannelTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+sendGrace)
	defer cancel()

	var ch Channel
	if err := c.doJSON(ctx, nhttp.MethodPost, "channels", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ChannelState implements Client.
func (c *Remote) ChannelState(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.doJSON(ctx, nhttp.MethodGet, "channels/"+url.PathEscape(channelID), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Balance implements Client.
func (c *Remote) Balance(ctx context.Context, peerKey string) (int64, error) {
	var b balanceResponse
	if err := c.doJSON(ctx, nhttp.MethodGet, "balances/"+url.PathEscape(peerKey), nil, &b); err != nil {
		return 0, err
	}
	return b.Balance, nil
}

// RegisterPacketHandler implements Client. The handler serves the router's
// POST /handle-packet callback, mounted via HandlerFunc.
func (c *Remote) RegisterPacketHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

type handleRequest struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
	Data        []byte `json:"data"`
}

type handleResponse struct {
	Accept   bool              `json:"accept"`
	Data     []byte            `json:"data,omitempty"`
	Code     string            `json:"code,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HandlerFunc exposes the inbound packet callback for mounting on the node's
// HTTP router at POST /handle-packet.
func (c *Remote) HandlerFunc() nhttp.HandlerFunc {
	return func(w nhttp.ResponseWriter, r *nhttp.Request) {
		var req handleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, nhttp.StatusBadRequest, handleResponse{
				Accept: false, Code: CodeBadRequest, Message: "malformed packet callback",
			})
			return
		}

		c.mu.RLock()
		h := c.handler
		c.mu.RUnlock()
		if h == nil {
			writeJSON(w, nhttp.StatusOK, handleResponse{
				Accept: false, Code: CodeInternal, Message: ErrNoHandler.Error(),
			})
			return
		}

		res := h(r.Context(), Packet{
			Destination: req.Destination,
			Amount:      req.Amount,
			Data:        req.Data,
		})
		if res == nil {
			res = Reject(CodeInternal, "handler returned no outcome")
		}
		if res.Fulfilled {
			writeJSON(w, nhttp.StatusOK, handleResponse{Accept: true, Data: res.Data})
			return
		}
		writeJSON(w, nhttp.StatusOK, handleResponse{
			Accept: false, Code: res.Code, Message: res.Message, Metadata: res.Metadata,
		})
	}
}

func writeJSON(w nhttp.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// transientStatus reports whether a status reads as a transport failure.
// Gateway-class statuses mean the router never saw the request body.
func transientStatus(code int) bool {
	return code == nhttp.StatusBadGateway ||
		code == nhttp.StatusServiceUnavailable ||
		code == nhttp.StatusGatewayTimeout
}

// doJSON performs one API call, retrying transport failures with jittered
// exponential backoff. Application-level errors return immediately.
func (c *Remote) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("connector: encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.tries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		req, err := nhttp.NewRequestWithContext(ctx, method, c.root+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", c.agent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.l.Debugw("", "connector", "transport error", "path", path, "attempt", attempt, "err", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if transientStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("connector returned %s", resp.Status)
			c.l.Debugw("", "connector", "transient status", "path", path, "status", resp.StatusCode)
			continue
		}
		if resp.StatusCode/100 != 2 {
			var apiErr apiErrorBody
			if jsonErr := json.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Error != "" {
				return fmt.Errorf("connector: %s: %s", resp.Status, apiErr.Error)
			}
			return fmt.Errorf("connector: %s", resp.Status)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("connector: decoding response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("connector unreachable after %d tries: %w", c.tries, lastErr)
}

// backoff sleeps base*2^(attempt-1) plus up to 25% jitter, or returns early
// when the context ends.
func (c *Remote) backoff(ctx context.Context, attempt int) error {
	delay := c.base << (attempt - 1)
	if jitter := int64(delay) / 4; jitter > 0 {
		delay += time.Duration(rand.Int63n(jitter))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
