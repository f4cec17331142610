// Package boltdb implements the message store on bbolt. Messages are stored
// JSON-encoded, with an inverted created_at index for query order, a slot
// bucket for replacement semantics and a tombstone bucket for deletions.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"path"

	bolt "go.etcd.io/bbolt"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/store"
)

// BoltStore implements the store.Store interface using the bbolt storage
// engine. A single Update transaction wraps every write, so replacement and
// deletion rules apply atomically.
type BoltStore struct {
	db *bolt.DB

	log log.Logger
}

var (
	eventsBucket  = []byte("events")
	createdBucket = []byte("created")
	slotsBucket   = []byte("slots")
	tombsBucket   = []byte("tombs")
)

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "zapmesh.db"

// BoltStoreOpenPerm is the permission we will use to read bolt store file from disk
const BoltStoreOpenPerm = 0660

// tombstone marker for exact-id deletions; addressable tombstones store the
// deletion's created_at instead
var tombMarker = []byte{1}

// NewBoltStore returns a Store implementation using the boltdb storage engine.
func NewBoltStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (store.Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, createdBucket, slotsBucket, tombsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})

	return &BoltStore{
		log: l,
		db:  db,
	}, err
}

func (b *BoltStore) Close(context.Context) error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

// Len performs a scan over the events bucket - use sparingly!
func (b *BoltStore) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var length = 0
	err := b.db.View(func(tx *bolt.Tx) error {
		length = tx.Bucket(eventsBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		b.log.Warnw("", "boltdb", "error getting length", "err", err)
	}
	return length, err
}

// Put applies the replacement rules for the message's kind class. Deletion
// messages additionally apply their tombstones inside the same transaction.
func (b *BoltStore) Put(ctx context.Context, m *message.Message) (store.PutStatus, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if message.IsEphemeral(m.Kind) {
		return 0, store.ErrEphemeralKind
	}

	status := store.Stored
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		status, err = putTx(tx, m)
		return err
	})
	if err != nil {
		b.log.Debugw("", "boltdb", "storing message", "id", m.ID, "err", err)
	}
	return status, err
}

func putTx(tx *bolt.Tx, m *message.Message) (store.PutStatus, error) {
	events := tx.Bucket(eventsBucket)
	slots := tx.Bucket(slotsBucket)
	tombs := tx.Bucket(tombsBucket)

	if tombs.Get(exactTombKey(m.PubKey, m.ID)) != nil {
		return store.Deleted, nil
	}
	slot, hasSlot := m.SlotKey()
	if hasSlot {
		if v := tombs.Get(addrTombKey(slot)); v != nil {
			if m.CreatedAt <= int64(binary.BigEndian.Uint64(v)) {
				return store.Deleted, nil
			}
		}
	}
	if events.Get([]byte(m.ID)) != nil {
		return store.IgnoredDuplicate, nil
	}
	if hasSlot {
		if cur := slots.Get([]byte(slot)); cur != nil {
			existing := readMessage(events, cur)
			if existing != nil {
				if !m.Newer(existing) {
					return store.IgnoredOlder, nil
				}
				if err := removeTx(tx, existing); err != nil {
					return 0, err
				}
			}
		}
		if err := slots.Put([]byte(slot), []byte(m.ID)); err != nil {
			return 0, err
		}
	}
	if err := writeTx(tx, m); err != nil {
		return 0, err
	}
	if m.Kind == message.KindDeletion {
		if _, err := applyDeletionTx(tx, m); err != nil {
			return 0, err
		}
	}
	return store.Stored, nil
}

// Get returns the message saved under this id.
func (b *BoltStore) Get(ctx context.Context, id string) (*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var m *message.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		m = readMessage(tx.Bucket(eventsBucket), []byte(id))
		if m == nil {
			return store.ErrNotFound
		}
		return nil
	})
	return m, err
}

// Query walks the created_at index, which yields created_at descending and
// id ascending order, and offers each message to the filter set.
func (b *BoltStore) Query(ctx context.Context, filters message.Filters) ([]*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(filters) == 0 {
		return nil, nil
	}
	col := store.NewCollector(filters)
	err := b.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket)
		cursor := tx.Bucket(createdBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			m := readMessage(events, v)
			if m == nil {
				continue
			}
			col.Offer(m)
			if col.Done() {
				break
			}
		}
		return nil
	})
	return col.Messages(), err
}

// ApplyDeletion removes every referenced message authored by the deletion's
// author and records tombstones. It is idempotent.
func (b *BoltStore) ApplyDeletion(ctx context.Context, del *message.Message) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if del.Kind != message.KindDeletion {
		return 0, store.ErrNotDeletion
	}
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = applyDeletionTx(tx, del)
		return err
	})
	return removed, err
}

func applyDeletionTx(tx *bolt.Tx, del *message.Message) (int, error) {
	events := tx.Bucket(eventsBucket)
	slots := tx.Bucket(slotsBucket)
	tombs := tx.Bucket(tombsBucket)

	removed := 0
	for _, id := range del.TagValues("e") {
		existing := readMessage(events, []byte(id))
		if existing != nil && existing.PubKey == del.PubKey {
			if err := removeTx(tx, existing); err != nil {
				return removed, err
			}
			if slot, ok := existing.SlotKey(); ok {
				if cur := slots.Get([]byte(slot)); string(cur) == existing.ID {
					if err := slots.Delete([]byte(slot)); err != nil {
						return removed, err
					}
				}
			}
			removed++
		}
		// an id commits to its content, so the tombstone is permanent and
		// covers ids we have not seen yet
		if err := tombs.Put(exactTombKey(del.PubKey, id), tombMarker); err != nil {
			return removed, err
		}
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
		if cur := slots.Get([]byte(slot)); cur != nil {
			existing := readMessage(events, cur)
			// replacements newer than the deletion survive it
			if existing != nil && existing.PubKey == del.PubKey && del.CreatedAt >= existing.CreatedAt {
				if err := removeTx(tx, existing); err != nil {
					return removed, err
				}
				if err := slots.Delete([]byte(slot)); err != nil {
					return removed, err
				}
				removed++
			}
		}
		prev := tombs.Get(addrTombKey(slot))
		if prev == nil || int64(binary.BigEndian.Uint64(prev)) < del.CreatedAt {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], uint64(del.CreatedAt))
			if err := tombs.Put(addrTombKey(slot), v[:]); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func writeTx(tx *bolt.Tx, m *message.Message) error {
	buff, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := tx.Bucket(eventsBucket).Put([]byte(m.ID), buff); err != nil {
		return err
	}
	return tx.Bucket(createdBucket).Put(createdKey(m), []byte(m.ID))
}

func removeTx(tx *bolt.Tx, m *message.Message) error {
	if err := tx.Bucket(eventsBucket).Delete([]byte(m.ID)); err != nil {
		return err
	}
	return tx.Bucket(createdBucket).Delete(createdKey(m))
}

func readMessage(events *bolt.Bucket, id []byte) *message.Message {
	v := events.Get(id)
	if v == nil {
		return nil
	}
	m := new(message.Message)
	if err := json.Unmarshal(v, m); err != nil {
		return nil
	}
	return m
}

// createdKey inverts created_at so that forward cursor iteration yields
// newest first, with the id suffix breaking ties in ascending order.
func createdKey(m *message.Message) []byte {
	key := make([]byte, 8+len(m.ID))
	binary.BigEndian.PutUint64(key[:8], uint64(math.MaxInt64-m.CreatedAt))
	copy(key[8:], m.ID)
	return key
}

func exactTombKey(author, id string) []byte {
	return []byte("e:" + author + ":" + id)
}

func addrTombKey(slot string) []byte {
	return []byte("a:" + slot)
}
