// Package store defines persistence for signed messages: replacement
// semantics per kind class, author-scoped deletion, and filtered queries.
package store

import (
	"context"
	"errors"

	"github.com/zapmesh/zapmesh/message"
)

var (
	// ErrNotFound is returned when no stored message has the requested id.
	ErrNotFound = errors.New("store: message not found")
	// ErrEphemeralKind is returned by Put for kinds that are never stored.
	ErrEphemeralKind = errors.New("store: ephemeral kind is never stored")
	// ErrNotDeletion is returned by ApplyDeletion for non-deletion messages.
	ErrNotDeletion = errors.New("store: message is not a deletion")
)

// PutStatus reports what a Put did.
type PutStatus int

const (
	// Stored means the message was written (possibly replacing an older one).
	Stored PutStatus = iota
	// IgnoredOlder means a newer message already occupies the slot.
	IgnoredOlder
	// IgnoredDuplicate means the exact id is already stored.
	IgnoredDuplicate
	// Deleted means a tombstone from the author covers this message.
	Deleted
)

func (s PutStatus) String() string {
	switch s {
	case Stored:
		return "stored"
	case IgnoredOlder:
		return "ignored-older"
	case IgnoredDuplicate:
		return "ignored-duplicate"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Store persists messages. Implementations serialize their own writes; after
// Put returns, any subsequent Get or matching Query reflects it.
//
// Put applies the replacement rules for the message's kind class and, for
// deletion messages, applies the deletion atomically with the write.
// ApplyDeletion removes stored messages referenced by the deletion's e and a
// tags, only when authored by the deletion's author, and records tombstones;
// it is idempotent.
type Store interface {
	Put(ctx context.Context, m *message.Message) (PutStatus, error)
	Get(ctx context.Context, id string) (*message.Message, error)
	Query(ctx context.Context, filters message.Filters) ([]*message.Message, error)
	ApplyDeletion(ctx context.Context, del *message.Message) (int, error)
	Len(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}
