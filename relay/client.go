package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
)

const (
	redialBase = 500 * time.Millisecond
	redialMax  = 8 * time.Second
	eventsBuf  = 64
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("relay: client closed")
	// ErrNotFound is returned by FetchOne when the relay has no match.
	ErrNotFound = errors.New("relay: no matching event")
)

// Rejected is the error returned by Publish when the relay refuses a
// message. Reason keeps the machine-readable prefix.
type Rejected struct {
	ID     string
	Reason string
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("relay rejected %s: %s", e.ID, e.Reason)
}

type okResult struct {
	accepted bool
	reason   string
}

// Subscription is a live filter registration on a relay. Events is never
// closed while the subscription is active; slow consumers lose messages
// rather than stalling the reader.
type Subscription struct {
	ID     string
	Events chan *message.Message

	client   *Client
	filters  message.Filters
	eose     chan struct{}
	eoseOnce sync.Once
}

// AwaitEOSE blocks until stored history has been fully delivered.
func (s *Subscription) AwaitEOSE(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.client.closed:
		return ErrClosed
	case <-s.eose:
		return nil
	}
}

// Unsubscribe tells the relay to stop matching and closes Events.
func (s *Subscription) Unsubscribe() {
	s.client.unsubscribe(s)
}

func (s *Subscription) signalEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

// Client speaks the gossip protocol to one relay. It reconnects with
// backoff and replays its subscriptions after a drop; in-flight publishes
// fail on disconnect and are the caller's to retry.
type Client struct {
	l      log.Logger
	target string

	ctx    context.Context
	cancel context.CancelFunc

	wmu  sync.Mutex // guards conn and writes
	conn *websocket.Conn

	pmu     sync.Mutex
	pending map[string]chan okResult

	smu  sync.RWMutex
	subs map[string]*Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a relay. http and https URLs are rewritten to their
// websocket equivalents.
func Dial(ctx context.Context, l log.Logger, rawURL string) (*Client, error) {
	target, err := wsURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := dialWS(ctx, target)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		l:       l.With("relay", target),
		target:  target,
		ctx:     cctx,
		cancel:  cancel,
		conn:    conn,
		pending: make(map[string]chan okResult),
		subs:    make(map[string]*Subscription),
		closed:  make(chan struct{}),
	}
	go c.run(conn)
	return c, nil
}

func wsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func dialWS(ctx context.Context, target string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay handshake failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return conn, nil
}

// Publish sends a message and waits for the relay's verdict. Rejections
// come back as *Rejected so callers can inspect the reason prefix.
func (c *Client) Publish(ctx context.Context, m *message.Message) error {
	data, err := publishFrame(m)
	if err != nil {
		return err
	}
	ch := make(chan okResult, 1)
	c.pmu.Lock()
	c.pending[m.ID] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, m.ID)
		c.pmu.Unlock()
	}()

	if err := c.write(data); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case res := <-ch:
		if !res.accepted {
			return &Rejected{ID: m.ID, Reason: res.reason}
		}
		return nil
	}
}

// Subscribe registers filters and streams matches on the returned
// subscription until Unsubscribe or Close.
func (c *Client) Subscribe(ctx context.Context, filters ...message.Filter) (*Subscription, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Events:  make(chan *message.Message, eventsBuf),
		client:  c,
		filters: filters,
		eose:    make(chan struct{}),
	}
	data, err := reqFrame(sub.ID, filters)
	if err != nil {
		return nil, err
	}
	c.smu.Lock()
	c.subs[sub.ID] = sub
	c.smu.Unlock()
	if err := c.write(data); err != nil {
		c.smu.Lock()
		delete(c.subs, sub.ID)
		c.smu.Unlock()
		return nil, err
	}
	return sub, nil
}

// FetchOne returns the first match for the filters, or ErrNotFound once
// the relay reports end of stored history with no match.
func (c *Client) FetchOne(ctx context.Context, filters ...message.Filter) (*message.Message, error) {
	sub, err := c.Subscribe(ctx, filters...)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case m := <-sub.Events:
		return m, nil
	case <-sub.eose:
		// An event delivered just before EOSE may still sit in the buffer.
		select {
		case m := <-sub.Events:
			return m, nil
		default:
		}
		return nil, ErrNotFound
	}
}

// Close tears the connection down and ends every subscription.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()

		c.smu.Lock()
		subs := c.subs
		c.subs = map[string]*Subscription{}
		c.smu.Unlock()
		for _, sub := range subs {
			close(sub.Events)
		}

		c.wmu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.wmu.Unlock()
	})
	return nil
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.smu.Lock()
	_, ok := c.subs[sub.ID]
	delete(c.subs, sub.ID)
	c.smu.Unlock()
	if !ok {
		return
	}
	if data, err := closeFrame(sub.ID); err == nil {
		c.write(data)
	}
	close(sub.Events)
}

func (c *Client) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) swapConn(conn *websocket.Conn) {
	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()
}

func (c *Client) run(conn *websocket.Conn) {
	for {
		err := c.readAll(conn)
		conn.Close()
		select {
		case <-c.closed:
			return
		default:
		}
		c.l.Debugw("", "relay", "connection lost", "err", err)
		c.failPending()

		conn = c.redial()
		if conn == nil {
			return
		}
		c.swapConn(conn)
		c.resubscribe()
	}
}

func (c *Client) readAll(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) redial() *websocket.Conn {
	delay := redialBase
	for {
		select {
		case <-c.closed:
			return nil
		case <-time.After(delay):
		}
		dctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		conn, err := dialWS(dctx, c.target)
		cancel()
		if err == nil {
			c.l.Infow("", "relay", "reconnected")
			return conn
		}
		c.l.Debugw("", "relay", "redial failed", "err", err)
		if delay *= 2; delay > redialMax {
			delay = redialMax
		}
	}
}

func (c *Client) resubscribe() {
	c.smu.RLock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.smu.RUnlock()
	for _, sub := range subs {
		if data, err := reqFrame(sub.ID, sub.filters); err == nil {
			c.write(data)
		}
	}
}

func (c *Client) failPending() {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- okResult{accepted: false, reason: ReasonError + "connection lost"}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) dispatch(data []byte) {
	verb, args, err := parseFrame(data)
	if err != nil {
		return
	}
	switch verb {
	case VerbEvent:
		if len(args) != 2 {
			return
		}
		var subID string
		if json.Unmarshal(args[0], &subID) != nil {
			return
		}
		var m message.Message
		if json.Unmarshal(args[1], &m) != nil {
			return
		}
		c.smu.RLock()
		sub := c.subs[subID]
		if sub != nil {
			select {
			case sub.Events <- &m:
			default:
			}
		}
		c.smu.RUnlock()
	case VerbOK:
		if len(args) != 3 {
			return
		}
		var (
			id       string
			accepted bool
			reason   string
		)
		if json.Unmarshal(args[0], &id) != nil || json.Unmarshal(args[1], &accepted) != nil {
			return
		}
		json.Unmarshal(args[2], &reason)
		c.pmu.Lock()
		ch := c.pending[id]
		c.pmu.Unlock()
		if ch != nil {
			select {
			case ch <- okResult{accepted: accepted, reason: reason}:
			default:
			}
		}
	case VerbEOSE:
		if len(args) != 1 {
			return
		}
		var subID string
		if json.Unmarshal(args[0], &subID) != nil {
			return
		}
		c.smu.RLock()
		sub := c.subs[subID]
		c.smu.RUnlock()
		if sub != nil {
			sub.signalEOSE()
		}
	case VerbNotice:
		if len(args) != 1 {
			return
		}
		var text string
		if json.Unmarshal(args[0], &text) != nil {
			return
		}
		c.l.Debugw("", "relay", "notice", "text", text)
	}
}
