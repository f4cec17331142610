// Package memdb implements the message store in memory. It is the test-mode
// backend and applies exactly the same semantics as the durable store.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/store"
)

// Store keeps everything behind one RWMutex: messages by id, replacement
// slots, and both tombstone classes.
type Store struct {
	mtx       sync.RWMutex
	messages  map[string]*message.Message
	slots     map[string]string
	tombExact map[string]bool
	tombAddr  map[string]int64
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		messages:  make(map[string]*message.Message),
		slots:     make(map[string]string),
		tombExact: make(map[string]bool),
		tombAddr:  make(map[string]int64),
	}
}

func (m *Store) Len(_ context.Context) (int, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.messages), nil
}

func (m *Store) Close(_ context.Context) error {
	return nil
}

// Put applies the replacement rules for the message's kind class. Deletion
// messages additionally apply their tombstones under the same lock.
func (m *Store) Put(ctx context.Context, msg *message.Message) (store.PutStatus, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if message.IsEphemeral(msg.Kind) {
		return 0, store.ErrEphemeralKind
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.tombExact[msg.PubKey+":"+msg.ID] {
		return store.Deleted, nil
	}
	slot, hasSlot := msg.SlotKey()
	if hasSlot {
		if delAt, ok := m.tombAddr[slot]; ok && msg.CreatedAt <= delAt {
			return store.Deleted, nil
		}
	}
	if _, ok := m.messages[msg.ID]; ok {
		return store.IgnoredDuplicate, nil
	}
	if hasSlot {
		if curID, ok := m.slots[slot]; ok {
			if existing, ok := m.messages[curID]; ok {
				if !msg.Newer(existing) {
					return store.IgnoredOlder, nil
				}
				delete(m.messages, existing.ID)
			}
		}
		m.slots[slot] = msg.ID
	}
	m.messages[msg.ID] = msg
	if msg.Kind == message.KindDeletion {
		m.applyDeletionLocked(msg)
	}
	return store.Stored, nil
}

// Get returns the message saved under this id.
func (m *Store) Get(ctx context.Context, id string) (*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

// Query sorts the full message set into created_at descending, id ascending
// order and offers each message to the filter set.
func (m *Store) Query(ctx context.Context, filters message.Filters) ([]*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(filters) == 0 {
		return nil, nil
	}

	m.mtx.RLock()
	all := make([]*message.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		all = append(all, msg)
	}
	m.mtx.RUnlock()

	sort.Slice(all, func(i, j int) bool { return message.Less(all[i], all[j]) })

	col := store.NewCollector(filters)
	for _, msg := range all {
		col.Offer(msg)
		if col.Done() {
			break
		}
	}
	return col.Messages(), nil
}

// ApplyDeletion removes every referenced message authored by the deletion's
// author and records tombstones. It is idempotent.
func (m *Store) ApplyDeletion(ctx context.Context, del *message.Message) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if del.Kind != message.KindDeletion {
		return 0, store.ErrNotDeletion
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.applyDeletionLocked(del), nil
}

func (m *Store) applyDeletionLocked(del *message.Message) int {
	removed := 0
	for _, id := range del.TagValues("e") {
		if existing, ok := m.messages[id]; ok && existing.PubKey == del.PubKey {
			delete(m.messages, id)
			if slot, ok := existing.SlotKey(); ok && m.slots[slot] == existing.ID {
				delete(m.slots, slot)
			}
			removed++
		}
		m.tombExact[del.PubKey+":"+id] = true
	}
	for _, coord := range del.TagValues("a") {
		_, pubkey, _, err := message.ParseCoordinate(coord)
		if err != nil || pubkey != del.PubKey {
			continue
		}
		slot, err := message.SlotFromCoordinate(coord)
		if err != nil {
			continue
		}
		if curID, ok := m.slots[slot]; ok {
			existing := m.messages[curID]
			// replacements newer than the deletion survive it
			if existing != nil && existing.PubKey == del.PubKey && del.CreatedAt >= existing.CreatedAt {
				delete(m.messages, curID)
				delete(m.slots, slot)
				removed++
			}
		}
		if prev, ok := m.tombAddr[slot]; !ok || prev < del.CreatedAt {
			m.tombAddr[slot] = del.CreatedAt
		}
	}
	return removed
}
