package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/log/testlogger"
	"github.com/zapmesh/zapmesh/message"
)

func note(id string) *message.Message {
	return &message.Message{ID: id, Kind: message.KindNote, Content: "hi"}
}

func TestDispatchAllowlist(t *testing.T) {
	table := NewTable(testlogger.New(t), 8)
	table.Register(message.KindNote, DefaultAllow(message.KindNote), func(ctx context.Context, m *message.Message) []Action {
		return []Action{
			Reply(m.ID, "welcome"),
			React(m.ID, "+"),
			Publish("", &message.Message{Kind: message.KindNote, Content: "out of bounds"}),
			Ignore("done"),
		}
	})

	queued := table.Dispatch(context.Background(), note("a1"))
	require.Equal(t, 2, queued)

	first := <-table.Actions()
	require.Equal(t, ActionReply, first.Kind)
	require.Equal(t, "a1", first.ParentID)
	require.Equal(t, "welcome", first.Text)

	second := <-table.Actions()
	require.Equal(t, ActionReact, second.Kind)
	require.Equal(t, "a1", second.TargetID)
	require.Equal(t, "+", second.Emoji)

	select {
	case a := <-table.Actions():
		t.Fatalf("unexpected action %q", a.Kind)
	default:
	}
}

func TestDispatchUnregisteredKind(t *testing.T) {
	table := NewTable(testlogger.New(t), 8)
	require.False(t, table.Handles(message.KindNote))
	require.Zero(t, table.Dispatch(context.Background(), note("a1")))
}

func TestDispatchQueueOverflow(t *testing.T) {
	table := NewTable(testlogger.New(t), 2)
	table.Register(message.KindNote, []ActionKind{ActionReply}, func(ctx context.Context, m *message.Message) []Action {
		return []Action{Reply(m.ID, "1"), Reply(m.ID, "2"), Reply(m.ID, "3")}
	})

	queued := table.Dispatch(context.Background(), note("a1"))
	require.Equal(t, 2, queued)
	require.Len(t, table.Actions(), 2)
}

func TestDispatchReplaceHandler(t *testing.T) {
	table := NewTable(testlogger.New(t), 8)
	table.Register(message.KindZapReceipt, DefaultAllow(message.KindZapReceipt), func(ctx context.Context, m *message.Message) []Action {
		return []Action{React(m.ID, "zap")}
	})
	table.Register(message.KindZapReceipt, DefaultAllow(message.KindZapReceipt), func(ctx context.Context, m *message.Message) []Action {
		return []Action{Ignore("muted")}
	})

	m := &message.Message{ID: "z1", Kind: message.KindZapReceipt}
	require.Zero(t, table.Dispatch(context.Background(), m))
	require.True(t, table.Handles(message.KindZapReceipt))
}
