package peer

import (
	"errors"
	"sort"
	"sync"

	"github.com/zapmesh/zapmesh/kmutex"
)

// ErrUnknownPeer is returned when updating a peer that is not in the table.
var ErrUnknownPeer = errors.New("peer: unknown peer")

// Info is the live state kept for one peer. SessionSecret is shared key
// material established by the handshake and must never be logged.
type Info struct {
	PubKey         string
	RoutingAddress string
	Endpoint       string
	Asset          Asset
	Chains         []string
	Settlement     map[string]string
	Tokens         map[string]string
	ChannelID      string
	Chain          string
	SessionSecret  []byte
	Priority       int
	ChannelBalance int64
}

// FromRecord builds the initial table entry for a validated record.
func FromRecord(pubkey string, r *Record) Info {
	return Info{
		PubKey:         pubkey,
		RoutingAddress: r.Address,
		Endpoint:       r.Endpoint,
		Asset:          r.Asset,
		Chains:         r.Chains,
		Settlement:     r.Settlement,
		Tokens:         r.Tokens,
	}
}

// Table is the concurrent peer registry. Lookups take a read lock on the
// map; multi-step mutations serialize per peer so a handshake completing and
// a trust refresh never interleave on the same entry.
type Table struct {
	mu    sync.RWMutex
	peers map[string]Info
	locks kmutex.Kmutex
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		peers: make(map[string]Info),
		locks: kmutex.New(),
	}
}

// Upsert inserts or fully replaces the entry for info.PubKey.
func (t *Table) Upsert(info Info) {
	t.locks.Lock(info.PubKey)
	defer t.locks.Unlock(info.PubKey)

	t.mu.Lock()
	t.peers[info.PubKey] = info
	t.mu.Unlock()
}

// Get returns a copy of the entry for the given key.
func (t *Table) Get(pubkey string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.peers[pubkey]
	return info, ok
}

// Update runs fn on the entry for pubkey under its per-peer lock and stores
// the result. It returns ErrUnknownPeer when no entry exists.
func (t *Table) Update(pubkey string, fn func(*Info)) error {
	t.locks.Lock(pubkey)
	defer t.locks.Unlock(pubkey)

	t.mu.RLock()
	info, ok := t.peers[pubkey]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}

	fn(&info)

	t.mu.Lock()
	t.peers[pubkey] = info
	t.mu.Unlock()
	return nil
}

// Remove deletes the entry for pubkey.
func (t *Table) Remove(pubkey string) {
	t.locks.Lock(pubkey)
	defer t.locks.Unlock(pubkey)

	t.mu.Lock()
	delete(t.peers, pubkey)
	t.mu.Unlock()
}

// Has reports whether the table holds an entry for pubkey.
func (t *Table) Has(pubkey string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[pubkey]
	return ok
}

// Len returns the number of peers in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// ChannelCount returns the number of peers with an open channel.
func (t *Table) ChannelCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, info := range t.peers {
		if info.ChannelID != "" {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every entry, ordered by public key.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.peers))
	for _, info := range t.peers {
		out = append(out, info)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PubKey < out[j].PubKey })
	return out
}
