package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/pricing"
	"github.com/zapmesh/zapmesh/store"
)

const (
	wsReadBuffer       = 1024
	wsWriteBuffer      = 1024
	wsPingInterval     = 30 * time.Second
	wsPingWriteTimeout = 5 * time.Second
	wsPongTimeout      = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second

	// storeTimeout bounds store work done on behalf of one frame.
	storeTimeout = 15 * time.Second

	maxSubIDLen = 64
)

var wsBufferPool = new(sync.Pool)

// Limits bound what one connection may consume.
type Limits struct {
	MaxSubscriptions int
	MaxFilters       int
	MaxFrameBytes    int64
	WriteQueue       int
}

// DefaultLimits returns the standard per-connection bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxSubscriptions: 32,
		MaxFilters:       16,
		MaxFrameBytes:    512 << 10,
		WriteQueue:       256,
	}
}

func (li *Limits) fillDefaults() {
	def := DefaultLimits()
	if li.MaxSubscriptions <= 0 {
		li.MaxSubscriptions = def.MaxSubscriptions
	}
	if li.MaxFilters <= 0 {
		li.MaxFilters = def.MaxFilters
	}
	if li.MaxFrameBytes <= 0 {
		li.MaxFrameBytes = def.MaxFrameBytes
	}
	if li.WriteQueue <= 0 {
		li.WriteQueue = def.WriteQueue
	}
}

// Server is the gossip relay. Unpaid writes are accepted only when priced at
// zero; paid writes enter through Accept once the payment handler has
// collected the packet amount.
type Server struct {
	l        log.Logger
	store    store.Store
	policy   *pricing.Policy
	limits   Limits
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*connection]struct{}
	closed bool
}

// NewServer builds a relay over the given store and pricing policy.
func NewServer(l log.Logger, st store.Store, policy *pricing.Policy, limits Limits) *Server {
	limits.fillDefaults()
	return &Server{
		l:      l,
		store:  st,
		policy: policy,
		limits: limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
			WriteBufferPool: wsBufferPool,
			// Relay peers are not browsers; the Origin header carries no
			// security value here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Handler upgrades incoming requests and serves the gossip protocol until
// the connection drops.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.l.Debugw("", "relay", "upgrade failed", "err", err)
			return
		}
		c := newConnection(s, conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		metrics.RelayConnections.Inc()

		go c.writeLoop()
		go c.pingLoop()
		c.readLoop()
	})
}

// Accept runs the storage-and-fanout half of the write gate for a message
// whose payment (if any) has already been settled. Ephemeral kinds fan out
// to subscribers and report Stored without persistence.
func (s *Server) Accept(ctx context.Context, m *message.Message) (store.PutStatus, error) {
	if message.IsEphemeral(m.Kind) {
		s.broadcast(m)
		return store.Stored, nil
	}
	status, err := s.store.Put(ctx, m)
	if err != nil {
		return status, err
	}
	if status == store.Stored {
		metrics.EventsStored.Inc()
		if m.Kind == message.KindDeletion {
			metrics.EventsDeleted.Inc()
		}
		s.broadcast(m)
	}
	return status, nil
}

// Broadcast fans a message out to every matching subscription without
// touching the store.
func (s *Server) Broadcast(m *message.Message) {
	s.broadcast(m)
}

func (s *Server) broadcast(m *message.Message) {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.notifyMatch(m)
	}
}

// ConnCount reports the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close drops every connection and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (s *Server) remove(c *connection) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		metrics.RelayConnections.Dec()
		c.subMu.Lock()
		remaining := len(c.subs)
		c.subs = map[string]message.Filters{}
		c.subMu.Unlock()
		for i := 0; i < remaining; i++ {
			metrics.RelaySubscriptions.Dec()
		}
	}
}

type outFrame struct {
	data      []byte
	droppable bool
}

type connection struct {
	srv  *Server
	conn *websocket.Conn
	l    log.Logger

	subMu sync.RWMutex
	subs  map[string]message.Filters

	qmu   sync.Mutex
	queue []outFrame
	wake  chan struct{}

	pingReset chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(s *Server, conn *websocket.Conn) *connection {
	c := &connection{
		srv:       s,
		conn:      conn,
		l:         s.l.With("remote", conn.RemoteAddr().String()),
		subs:      make(map[string]message.Filters),
		wake:      make(chan struct{}, 1),
		pingReset: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	conn.SetReadLimit(s.limits.MaxFrameBytes)
	deadline := func() time.Time { return time.Now().Add(wsPingInterval + wsPongTimeout) }
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})
	return c
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.srv.remove(c)
	})
}

// readLoop processes frames sequentially; ordering within a connection is
// part of the contract.
func (c *connection) readLoop() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.l.Debugw("", "relay", "read failed", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
		c.handleFrame(data)
	}
}

func (c *connection) handleFrame(data []byte) {
	verb, args, err := parseFrame(data)
	if err != nil {
		c.notice("malformed frame")
		return
	}
	switch verb {
	case VerbEvent:
		if len(args) != 1 {
			c.notice("EVENT takes exactly one event")
			return
		}
		c.handleEvent(args[0])
	case VerbReq:
		c.handleReq(args)
	case VerbClose:
		c.handleClose(args)
	default:
		c.notice(fmt.Sprintf("unknown verb %q", verb))
	}
}

// handleEvent runs the unpaid write gate: verify, price, and only store when
// the price is zero. Anything else must arrive as a paid packet.
func (c *connection) handleEvent(raw json.RawMessage) {
	var m message.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		c.notice("invalid event JSON")
		return
	}

	if err := m.Verify(); err != nil {
		reason := ReasonInvalid + err.Error()
		if errors.Is(err, message.ErrBadSignature) {
			reason = ReasonBadSignature
		}
		c.sendOK(m.ID, false, reason)
		return
	}

	quote := c.srv.policy.PriceFor(&m)
	if quote.Amount > 0 {
		c.sendOK(m.ID, false, fmt.Sprintf("%s%d", ReasonPaymentRequired, quote.Amount))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	status, err := c.srv.Accept(ctx, &m)
	if err != nil {
		c.l.Errorw("", "relay", "store write", "id", m.ID, "err", err)
		c.sendOK(m.ID, false, ReasonError+"store failure")
		return
	}
	switch status {
	case store.Stored:
		c.sendOK(m.ID, true, "")
	case store.IgnoredDuplicate:
		c.sendOK(m.ID, true, ReasonDuplicate+"already have this event")
	case store.IgnoredOlder:
		c.sendOK(m.ID, false, ReasonReplaced+"a newer version is stored")
	case store.Deleted:
		c.sendOK(m.ID, false, ReasonDeleted+"referenced by a deletion")
	}
}

func (c *connection) handleReq(args []json.RawMessage) {
	if len(args) < 2 {
		c.notice("REQ requires a subscription id and at least one filter")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil || subID == "" || len(subID) > maxSubIDLen {
		c.notice("invalid subscription id")
		return
	}
	filters := make(message.Filters, 0, len(args)-1)
	for _, raw := range args[1:] {
		var f message.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.notice("invalid filter")
			return
		}
		filters = append(filters, f)
	}
	if len(filters) > c.srv.limits.MaxFilters {
		c.notice(fmt.Sprintf("too many filters, limit %d", c.srv.limits.MaxFilters))
		return
	}

	c.subMu.Lock()
	_, replacing := c.subs[subID]
	if !replacing && len(c.subs) >= c.srv.limits.MaxSubscriptions {
		c.subMu.Unlock()
		c.notice(fmt.Sprintf("too many subscriptions, limit %d", c.srv.limits.MaxSubscriptions))
		return
	}
	c.subs[subID] = filters
	c.subMu.Unlock()
	if !replacing {
		metrics.RelaySubscriptions.Inc()
	}

	// Live matching is on before the query runs, so nothing published while
	// we read history goes missing. Clients de-duplicate by id.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	msgs, err := c.srv.store.Query(ctx, filters)
	if err != nil {
		c.l.Errorw("", "relay", "query", "sub", subID, "err", err)
		c.notice("query failed")
		return
	}
	for _, m := range msgs {
		c.sendEvent(subID, m)
	}
	c.sendEOSE(subID)
}

func (c *connection) handleClose(args []json.RawMessage) {
	if len(args) != 1 {
		c.notice("CLOSE takes exactly one subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil {
		c.notice("invalid subscription id")
		return
	}
	c.subMu.Lock()
	_, ok := c.subs[subID]
	delete(c.subs, subID)
	c.subMu.Unlock()
	if ok {
		metrics.RelaySubscriptions.Dec()
	}
}

func (c *connection) notifyMatch(m *message.Message) {
	c.subMu.RLock()
	var targets []string
	for id, filters := range c.subs {
		if filters.Match(m) {
			targets = append(targets, id)
		}
	}
	c.subMu.RUnlock()
	for _, id := range targets {
		c.sendEvent(id, m)
	}
}

func (c *connection) sendEvent(subID string, m *message.Message) {
	data, err := eventFrame(subID, m)
	if err != nil {
		return
	}
	c.enqueue(outFrame{data: data, droppable: true})
}

func (c *connection) sendOK(id string, accepted bool, reason string) {
	data, err := okFrame(id, accepted, reason)
	if err != nil {
		return
	}
	c.enqueue(outFrame{data: data})
}

func (c *connection) sendEOSE(subID string) {
	data, err := eoseFrame(subID)
	if err != nil {
		return
	}
	c.enqueue(outFrame{data: data})
}

func (c *connection) notice(text string) {
	data, err := noticeFrame(text)
	if err != nil {
		return
	}
	c.enqueue(outFrame{data: data})
}

// enqueue appends to the bounded write queue. When full, the oldest
// droppable frame makes room; acks and notices are never dropped.
func (c *connection) enqueue(f outFrame) {
	c.qmu.Lock()
	if len(c.queue) >= c.srv.limits.WriteQueue {
		dropped := false
		for i := range c.queue {
			if c.queue[i].droppable {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if dropped {
			metrics.SubscriptionDrops.Inc()
		} else if f.droppable {
			c.qmu.Unlock()
			metrics.SubscriptionDrops.Inc()
			return
		}
	}
	c.queue = append(c.queue, f)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for {
			c.qmu.Lock()
			if len(c.queue) == 0 {
				c.qmu.Unlock()
				break
			}
			f := c.queue[0]
			c.queue = c.queue[1:]
			c.qmu.Unlock()

			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.l.Debugw("", "relay", "write failed", "err", err)
				c.close()
				return
			}
			c.resetPing()
		}
	}
}

// pingLoop sends periodic ping frames when the connection is idle.
func (c *connection) pingLoop() {
	pingTimer := time.NewTimer(wsPingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-c.pingReset:
			if !pingTimer.Stop() {
				<-pingTimer.C
			}
			pingTimer.Reset(wsPingInterval)
		case <-pingTimer.C:
			deadline := time.Now().Add(wsPingWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
			pingTimer.Reset(wsPingInterval)
		}
	}
}

func (c *connection) resetPing() {
	select {
	case c.pingReset <- struct{}{}:
	default:
	}
}
