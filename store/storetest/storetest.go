// Package storetest runs the store semantics suite against any backend, so
// the durable and in-memory implementations cannot drift apart.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/store"
)

// Factory builds a fresh store for one test.
type Factory func(t *testing.T) store.Store

var idCounter int

func newID() string {
	idCounter++
	return fmt.Sprintf("%064x", idCounter)
}

func author(n int) string {
	return fmt.Sprintf("%064x", 0xa000+n)
}

func msg(pubkey string, kind int, createdAt int64, tags [][]string) *message.Message {
	if tags == nil {
		tags = [][]string{}
	}
	return &message.Message{
		ID:        newID(),
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   "payload",
		Sig:       fmt.Sprintf("%0128x", 1),
	}
}

func deletion(pubkey string, createdAt int64, tags [][]string) *message.Message {
	return msg(pubkey, message.KindDeletion, createdAt, tags)
}

// RunAll exercises every store semantic against the backend.
func RunAll(t *testing.T, factory Factory) {
	t.Run("PutGetRegular", func(t *testing.T) { testPutGetRegular(t, factory) })
	t.Run("ReplaceableUpsert", func(t *testing.T) { testReplaceableUpsert(t, factory) })
	t.Run("ReplaceableTieBreak", func(t *testing.T) { testReplaceableTieBreak(t, factory) })
	t.Run("ParamReplaceableSlots", func(t *testing.T) { testParamReplaceableSlots(t, factory) })
	t.Run("EphemeralNeverStored", func(t *testing.T) { testEphemeralNeverStored(t, factory) })
	t.Run("DeletionAuthority", func(t *testing.T) { testDeletionAuthority(t, factory) })
	t.Run("ExactTombstonePermanent", func(t *testing.T) { testExactTombstonePermanent(t, factory) })
	t.Run("AddressableDeletion", func(t *testing.T) { testAddressableDeletion(t, factory) })
	t.Run("DeletionIdempotent", func(t *testing.T) { testDeletionIdempotent(t, factory) })
	t.Run("QueryFilters", func(t *testing.T) { testQueryFilters(t, factory) })
	t.Run("QueryOrderAndLimit", func(t *testing.T) { testQueryOrderAndLimit(t, factory) })
	t.Run("ConcurrentSlotWrites", func(t *testing.T) { testConcurrentSlotWrites(t, factory) })
}

func testPutGetRegular(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()

	m := msg(author(1), message.KindNote, 1000, nil)
	status, err := s.Put(ctx, m)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, m.Content, got.Content)

	status, err = s.Put(ctx, m)
	require.NoError(t, err)
	require.Equal(t, store.IgnoredDuplicate, status)

	_, err = s.Get(ctx, newID())
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testReplaceableUpsert(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(2)

	m1 := msg(k, message.KindPeerRecord, 1000, nil)
	m2 := msg(k, message.KindPeerRecord, 2000, nil)
	m3 := msg(k, message.KindPeerRecord, 1500, nil)

	status, err := s.Put(ctx, m1)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)

	status, err = s.Put(ctx, m2)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)

	status, err = s.Put(ctx, m3)
	require.NoError(t, err)
	require.Equal(t, store.IgnoredOlder, status)

	out, err := s.Query(ctx, message.Filters{{Authors: []string{k}, Kinds: []int{message.KindPeerRecord}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, m2.ID, out[0].ID)

	_, err = s.Get(ctx, m1.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, m3.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testReplaceableTieBreak(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(3)

	m1 := msg(k, message.KindFollowList, 1000, nil)
	m2 := msg(k, message.KindFollowList, 1000, nil)
	// ids are monotonically generated, so m1.ID < m2.ID
	require.Less(t, m1.ID, m2.ID)

	_, err := s.Put(ctx, m1)
	require.NoError(t, err)
	status, err := s.Put(ctx, m2)
	require.NoError(t, err)
	require.Equal(t, store.IgnoredOlder, status)

	got, err := s.Get(ctx, m1.ID)
	require.NoError(t, err)
	require.Equal(t, m1.ID, got.ID)

	// and in the other arrival order the smaller id still wins
	s2 := factory(t)
	m3 := msg(k, message.KindFollowList, 1000, nil)
	m4 := msg(k, message.KindFollowList, 1000, nil)
	_, err = s2.Put(ctx, m4)
	require.NoError(t, err)
	status, err = s2.Put(ctx, m3)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)

	_, err = s2.Get(ctx, m4.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testParamReplaceableSlots(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(4)

	gold1 := msg(k, message.KindBadgeDefinition, 1000, [][]string{{"d", "gold"}})
	gold2 := msg(k, message.KindBadgeDefinition, 2000, [][]string{{"d", "gold"}})
	silver := msg(k, message.KindBadgeDefinition, 1500, [][]string{{"d", "silver"}})

	for _, m := range []*message.Message{gold1, gold2, silver} {
		_, err := s.Put(ctx, m)
		require.NoError(t, err)
	}

	out, err := s.Query(ctx, message.Filters{{Authors: []string{k}, Kinds: []int{message.KindBadgeDefinition}}})
	require.NoError(t, err)
	require.Len(t, out, 2)

	_, err = s.Get(ctx, gold1.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// a missing d tag and ["d",""] share a slot
	plain := msg(k, message.KindBadgeDefinition, 1000, nil)
	emptyD := msg(k, message.KindBadgeDefinition, 2000, [][]string{{"d", ""}})
	_, err = s.Put(ctx, plain)
	require.NoError(t, err)
	status, err := s.Put(ctx, emptyD)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)
	_, err = s.Get(ctx, plain.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testEphemeralNeverStored(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(5)

	hs := msg(k, message.KindHandshakeReq, 1000, nil)
	_, err := s.Put(ctx, hs)
	require.ErrorIs(t, err, store.ErrEphemeralKind)

	out, err := s.Query(ctx, message.Filters{{Authors: []string{k}}})
	require.NoError(t, err)
	require.Empty(t, out)
}

func testDeletionAuthority(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k1, k2 := author(6), author(7)

	m := msg(k1, message.KindNote, 1000, nil)
	_, err := s.Put(ctx, m)
	require.NoError(t, err)

	// another author referencing the id removes nothing
	foreign := deletion(k2, 1100, [][]string{{"e", m.ID}})
	removed, err := s.ApplyDeletion(ctx, foreign)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)

	// the author's own deletion removes it
	own := deletion(k1, 1200, [][]string{{"e", m.ID}})
	removed, err = s.ApplyDeletion(ctx, own)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.Get(ctx, m.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.ApplyDeletion(ctx, msg(k1, message.KindNote, 1300, nil))
	require.ErrorIs(t, err, store.ErrNotDeletion)
}

func testExactTombstonePermanent(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(8)

	m := msg(k, message.KindNote, 1000, nil)
	_, err := s.Put(ctx, m)
	require.NoError(t, err)

	// deletions arriving through Put apply atomically with the write
	del := deletion(k, 1100, [][]string{{"e", m.ID}})
	status, err := s.Put(ctx, del)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)

	_, err = s.Get(ctx, m.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// the id can never come back, no matter the timestamp
	status, err = s.Put(ctx, m)
	require.NoError(t, err)
	require.Equal(t, store.Deleted, status)

	// the deletion itself is a stored, queryable message
	got, err := s.Get(ctx, del.ID)
	require.NoError(t, err)
	require.Equal(t, del.ID, got.ID)
}

func testAddressableDeletion(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(9)

	rec := msg(k, message.KindPeerRecord, 1000, nil)
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	coord, ok := rec.Coordinate()
	require.True(t, ok)

	del := deletion(k, 1500, [][]string{{"a", coord}})
	removed, err := s.ApplyDeletion(ctx, del)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, err = s.Get(ctx, rec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// an older record covered by the tombstone stays out
	older := msg(k, message.KindPeerRecord, 1200, nil)
	status, err := s.Put(ctx, older)
	require.NoError(t, err)
	require.Equal(t, store.Deleted, status)

	// a replacement newer than the deletion is stored
	newer := msg(k, message.KindPeerRecord, 2000, nil)
	status, err = s.Put(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, store.Stored, status)

	got, err := s.Get(ctx, newer.ID)
	require.NoError(t, err)
	require.Equal(t, newer.ID, got.ID)

	// a newer stored record survives an older addressable deletion
	lateDel := deletion(k, 1800, [][]string{{"a", coord}})
	removed, err = s.ApplyDeletion(ctx, lateDel)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	_, err = s.Get(ctx, newer.ID)
	require.NoError(t, err)
}

func testDeletionIdempotent(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(10)

	m := msg(k, message.KindNote, 1000, nil)
	_, err := s.Put(ctx, m)
	require.NoError(t, err)

	del := deletion(k, 1100, [][]string{{"e", m.ID}})
	removed, err := s.ApplyDeletion(ctx, del)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = s.ApplyDeletion(ctx, del)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func testQueryFilters(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k1, k2 := author(11), author(12)

	note1 := msg(k1, message.KindNote, 1000, [][]string{{"t", "mesh"}})
	note2 := msg(k2, message.KindNote, 2000, nil)
	react := msg(k1, message.KindReaction, 3000, [][]string{{"e", note1.ID}})
	for _, m := range []*message.Message{note1, note2, react} {
		_, err := s.Put(ctx, m)
		require.NoError(t, err)
	}

	out, err := s.Query(ctx, message.Filters{{Authors: []string{k1}}})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = s.Query(ctx, message.Filters{{Kinds: []int{message.KindNote}, Until: int64p(1500)}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, note1.ID, out[0].ID)

	out, err = s.Query(ctx, message.Filters{{Tags: map[string][]string{"e": {note1.ID}}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, react.ID, out[0].ID)

	// prefix match on ids
	out, err = s.Query(ctx, message.Filters{{IDs: []string{note2.ID[:16]}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, note2.ID, out[0].ID)

	// filters OR together
	out, err = s.Query(ctx, message.Filters{
		{Kinds: []int{message.KindReaction}},
		{Authors: []string{k2}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = s.Query(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func testQueryOrderAndLimit(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(13)

	for i := 0; i < 5; i++ {
		m := msg(k, message.KindNote, int64(1000+i*100), nil)
		_, err := s.Put(ctx, m)
		require.NoError(t, err)
	}
	// two messages sharing the newest timestamp to exercise the id tie-break
	tieA := msg(k, message.KindNote, 2000, nil)
	tieB := msg(k, message.KindNote, 2000, nil)
	for _, m := range []*message.Message{tieB, tieA} {
		_, err := s.Put(ctx, m)
		require.NoError(t, err)
	}

	out, err := s.Query(ctx, message.Filters{{Authors: []string{k}}})
	require.NoError(t, err)
	require.Len(t, out, 7)
	for i := 1; i < len(out); i++ {
		require.True(t, message.Less(out[i-1], out[i]),
			"results must be created_at desc, id asc")
	}
	require.Equal(t, tieA.ID, out[0].ID)
	require.Equal(t, tieB.ID, out[1].ID)

	out, err = s.Query(ctx, message.Filters{{Authors: []string{k}, Limit: 3}})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, tieA.ID, out[0].ID)
}

func testConcurrentSlotWrites(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	k := author(14)

	msgs := make([]*message.Message, 20)
	for i := range msgs {
		msgs[i] = msg(k, message.KindPeerRecord, int64(1000+i), nil)
	}
	winner := msgs[len(msgs)-1]

	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m *message.Message) {
			defer wg.Done()
			_, err := s.Put(ctx, m)
			require.NoError(t, err)
		}(m)
	}
	wg.Wait()

	out, err := s.Query(ctx, message.Filters{{Authors: []string{k}, Kinds: []int{message.KindPeerRecord}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, winner.ID, out[0].ID)
}

func int64p(v int64) *int64 { return &v }
