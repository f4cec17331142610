// Package dispatch routes stored application messages to kind-registered
// handlers and funnels the actions they produce into a bounded outbound
// queue. The queue is drained by the node's publisher, which signs drafts
// and ships them as packets or relay publishes.
package dispatch

import (
	"context"
	"sync"

	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
)

// ActionKind names one of the closed set of things a handler may do.
type ActionKind string

const (
	// ActionPublish ships a prepared draft message.
	ActionPublish ActionKind = "publish"
	// ActionReply answers a message with a text note.
	ActionReply ActionKind = "reply"
	// ActionReact attaches a reaction to a message.
	ActionReact ActionKind = "react"
	// ActionIgnore records that the handler saw the message and chose to
	// do nothing. Never enqueued.
	ActionIgnore ActionKind = "ignore"
)

// Action is one outbound intent produced by a handler. To addresses a
// specific peer for packet delivery; empty broadcasts over the relay.
type Action struct {
	Kind     ActionKind
	To       string
	Draft    *message.Message
	ParentID string
	Text     string
	TargetID string
	Emoji    string
	Reason   string
}

// Publish builds a publish action for a prepared draft.
func Publish(to string, draft *message.Message) Action {
	return Action{Kind: ActionPublish, To: to, Draft: draft}
}

// Reply builds a reply action against a parent message id.
func Reply(parentID, text string) Action {
	return Action{Kind: ActionReply, ParentID: parentID, Text: text}
}

// React builds a reaction action against a target message id.
func React(targetID, emoji string) Action {
	return Action{Kind: ActionReact, TargetID: targetID, Emoji: emoji}
}

// Ignore builds the do-nothing action with a reason for the logs.
func Ignore(reason string) Action {
	return Action{Kind: ActionIgnore, Reason: reason}
}

// Handler reacts to one stored message. Handlers run on the dispatcher's
// caller and must not block on the message's originating packet.
type Handler func(ctx context.Context, m *message.Message) []Action

// DefaultQueueSize bounds the outbound action queue.
const DefaultQueueSize = 256

// DefaultAllow returns the action allowlist for well-known kinds.
func DefaultAllow(kind int) []ActionKind {
	switch kind {
	case message.KindNote:
		return []ActionKind{ActionReply, ActionReact, ActionIgnore}
	case message.KindZapReceipt:
		return []ActionKind{ActionReact, ActionIgnore}
	default:
		return []ActionKind{ActionIgnore}
	}
}

type registration struct {
	allow   map[ActionKind]struct{}
	handler Handler
}

// Table is the kind-indexed dispatch table. Registration is expected at
// wiring time but is safe at any point; dispatching is safe concurrently.
type Table struct {
	l     log.Logger
	queue chan Action

	mu       sync.RWMutex
	handlers map[int]registration
}

// NewTable returns an empty table with a bounded action queue.
func NewTable(l log.Logger, queueSize int) *Table {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Table{
		l:        l,
		queue:    make(chan Action, queueSize),
		handlers: make(map[int]registration),
	}
}

// Register installs the handler for a kind with its action allowlist.
// Registering a kind again replaces the previous handler.
func (t *Table) Register(kind int, allow []ActionKind, h Handler) {
	set := make(map[ActionKind]struct{}, len(allow))
	for _, a := range allow {
		set[a] = struct{}{}
	}
	t.mu.Lock()
	t.handlers[kind] = registration{allow: set, handler: h}
	t.mu.Unlock()
}

// Handles reports whether a handler is registered for the kind.
func (t *Table) Handles(kind int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[kind]
	return ok
}

// Actions is the outbound queue end consumed by the publisher.
func (t *Table) Actions() <-chan Action {
	return t.queue
}

// Dispatch runs the handler registered for the message's kind and enqueues
// the permitted actions, returning how many were queued. Out-of-allowlist
// actions are dropped; a full queue drops the overflow rather than blocking
// the caller.
func (t *Table) Dispatch(ctx context.Context, m *message.Message) int {
	t.mu.RLock()
	reg, ok := t.handlers[m.Kind]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	actions := reg.handler(ctx, m)
	queued := 0
	for _, action := range actions {
		if action.Kind == ActionIgnore {
			t.l.Debugw("", "dispatch", "ignored", "kind", m.Kind, "id", m.ID, "reason", action.Reason)
			continue
		}
		if _, allowed := reg.allow[action.Kind]; !allowed {
			t.l.Warnw("", "dispatch", "action not in allowlist", "kind", m.Kind, "action", action.Kind)
			continue
		}
		select {
		case t.queue <- action:
			queued++
		default:
			t.l.Warnw("", "dispatch", "action queue full", "kind", m.Kind, "action", action.Kind)
		}
	}
	return queued
}
