package handshake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/zapmesh/zapmesh/ecies"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/peer"
)

// Requester initiates handshakes: it builds encrypted request messages,
// tracks pending request ids and folds responses into the peer table.
type Requester struct {
	l      log.Logger
	pair   *key.Pair
	selfPK string
	self   *peer.Record
	scheme ecies.Scheme
	table  *peer.Table
	clock  clockwork.Clock

	cooldown time.Duration
	last     *lru.Cache

	mu      sync.Mutex
	pending map[string]chan *Response
}

// NewRequester wires a requester over the node's identity and advertised
// record. cooldown rate-limits repeat requests to the same peer; zero keeps
// the default of one minute.
func NewRequester(l log.Logger, pair *key.Pair, self *peer.Record, scheme ecies.Scheme, table *peer.Table, clock clockwork.Clock, cooldown time.Duration) (*Requester, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	last, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	return &Requester{
		l:        l,
		pair:     pair,
		selfPK:   pair.Public.Hex(),
		self:     self,
		scheme:   scheme,
		table:    table,
		clock:    clock,
		cooldown: cooldown,
		last:     last,
		pending:  make(map[string]chan *Response),
	}, nil
}

// NewRequest builds the encrypted request for a recipient and registers its
// id for Await. The returned message is ready to ship, either inside a
// packet or over the relay.
func (q *Requester) NewRequest(recipient string) (*message.Message, string, error) {
	if recipient == q.selfPK {
		return nil, "", ErrSelf
	}
	now := q.clock.Now()
	if v, ok := q.last.Get(recipient); ok {
		if now.Sub(v.(time.Time)) < q.cooldown {
			return nil, "", ErrCooldown
		}
	}
	q.last.Add(recipient, now)

	requestID := uuid.NewString()
	payload := &Request{
		RequestID:  requestID,
		Chains:     q.self.Chains,
		Settlement: q.self.Settlement,
		Tokens:     q.self.Tokens,
	}
	m, err := sealMessage(q.pair, q.scheme, message.KindHandshakeReq, recipient, now.Unix(), payload)
	if err != nil {
		return nil, "", err
	}

	q.mu.Lock()
	q.pending[requestID] = make(chan *Response, 1)
	q.mu.Unlock()
	return m, requestID, nil
}

// Await blocks until the response for requestID arrives or ctx expires.
// Protocol-level failures surface as the response's typed error alongside
// the response itself.
func (q *Requester) Await(ctx context.Context, requestID string) (*Response, error) {
	q.mu.Lock()
	ch, ok := q.pending[requestID]
	q.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRequest
	}
	defer func() {
		q.mu.Lock()
		delete(q.pending, requestID)
		q.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, resp.Err()
	}
}

// Abandon drops a pending request id, for callers whose send failed before
// any response could arrive.
func (q *Requester) Abandon(requestID string) {
	q.mu.Lock()
	delete(q.pending, requestID)
	q.mu.Unlock()
}

// Resolve ingests a verified response message: it decrypts the payload,
// updates the peer table on success and wakes the matching Await.
func (q *Requester) Resolve(m *message.Message) error {
	if m.Kind != message.KindHandshakeRes {
		return fmt.Errorf("%w: kind %d is not a handshake response", ErrBadPayload, m.Kind)
	}
	if m.PubKey == q.selfPK {
		return ErrSelf
	}
	if to, ok := m.TagValue(TagRecipient); !ok || to != q.selfPK {
		return ErrNotRecipient
	}

	var resp Response
	if err := Open(q.scheme, q.pair.Key, m.Content, &resp); err != nil {
		return err
	}
	q.mu.Lock()
	ch, ok := q.pending[resp.RequestID]
	q.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	if resp.Err() == nil {
		if err := q.adopt(m.PubKey, &resp); err != nil {
			return err
		}
		q.l.Infow("", "handshake", "completed", "peer", m.PubKey, "chain", resp.Chain, "channel", resp.ChannelID)
	} else {
		q.l.Debugw("", "handshake", "failed", "peer", m.PubKey, "error", resp.Error)
	}

	select {
	case ch <- &resp:
	default:
	}
	return nil
}

// ResolveData parses the response envelope carried in packet fulfill data,
// verifies it and resolves it.
func (q *Requester) ResolveData(data []byte) error {
	m, err := message.DecodeEnvelope(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := m.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return q.Resolve(m)
}

// adopt folds a successful response into the peer table.
func (q *Requester) adopt(responder string, resp *Response) error {
	secret, err := resp.SecretBytes()
	if err != nil {
		return err
	}
	apply := func(info *peer.Info) {
		info.Chain = resp.Chain
		if resp.ChannelID != "" {
			info.ChannelID = resp.ChannelID
		}
		info.SessionSecret = secret
		if resp.Address != "" {
			info.RoutingAddress = resp.Address
		}
		if resp.SettlementAddress != "" {
			if info.Settlement == nil {
				info.Settlement = make(map[string]string)
			}
			info.Settlement[resp.Chain] = resp.SettlementAddress
		}
	}
	if err := q.table.Update(responder, apply); err != nil {
		info := peer.Info{PubKey: responder, RoutingAddress: peer.RoutingAddressFor(responder)}
		apply(&info)
		q.table.Upsert(info)
	}
	return nil
}
