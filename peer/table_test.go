package peer

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableUpsertGetRemove(t *testing.T) {
	table := NewTable()
	pk := strings.Repeat("ab", 32)

	require.False(t, table.Has(pk))
	table.Upsert(FromRecord(pk, validRecord()))
	require.True(t, table.Has(pk))
	require.Equal(t, 1, table.Len())

	info, ok := table.Get(pk)
	require.True(t, ok)
	require.Equal(t, "g.zapmesh.ab12cd34", info.RoutingAddress)
	require.Equal(t, "wss://relay.example.org", info.Endpoint)

	table.Remove(pk)
	require.False(t, table.Has(pk))
	require.Equal(t, 0, table.Len())
}

func TestTableUpdate(t *testing.T) {
	table := NewTable()
	pk := strings.Repeat("ab", 32)

	err := table.Update(pk, func(*Info) {})
	require.ErrorIs(t, err, ErrUnknownPeer)

	table.Upsert(FromRecord(pk, validRecord()))
	require.NoError(t, table.Update(pk, func(info *Info) {
		info.ChannelID = "chan-1"
		info.Chain = "evm:base:8453"
		info.Priority = 50
	}))

	info, _ := table.Get(pk)
	require.Equal(t, "chan-1", info.ChannelID)
	require.Equal(t, "evm:base:8453", info.Chain)
	require.Equal(t, 50, info.Priority)
}

func TestTableChannelCount(t *testing.T) {
	table := NewTable()
	a := strings.Repeat("aa", 32)
	b := strings.Repeat("bb", 32)
	table.Upsert(Info{PubKey: a, ChannelID: "chan-a"})
	table.Upsert(Info{PubKey: b})

	require.Equal(t, 2, table.Len())
	require.Equal(t, 1, table.ChannelCount())
}

func TestTableSnapshotOrdered(t *testing.T) {
	table := NewTable()
	for _, pk := range []string{strings.Repeat("cc", 32), strings.Repeat("aa", 32), strings.Repeat("bb", 32)} {
		table.Upsert(Info{PubKey: pk})
	}
	snap := table.Snapshot()
	require.Len(t, snap, 3)
	require.True(t, snap[0].PubKey < snap[1].PubKey)
	require.True(t, snap[1].PubKey < snap[2].PubKey)
}

func TestTableConcurrentUpdates(t *testing.T) {
	table := NewTable()
	pk := strings.Repeat("ab", 32)
	table.Upsert(Info{PubKey: pk})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = table.Update(pk, func(info *Info) {
				info.ChannelBalance++
			})
		}()
	}
	wg.Wait()

	info, _ := table.Get(pk)
	require.Equal(t, int64(100), info.ChannelBalance)
}
