package core

import (
	"context"
	"fmt"
	"strconv"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/dispatch"
	"github.com/zapmesh/zapmesh/message"
)

// publishLoop drains the dispatch queue until the node stops. Each action
// becomes a signed message shipped as a packet when addressed, or published
// on the node's own relay when broadcast.
func (n *Node) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case act := <-n.actions.Actions():
			if err := n.publish(ctx, act); err != nil {
				n.l.Warnw("", "publish", "action failed", "action", string(act.Kind), "err", err)
			}
		}
	}
}

func (n *Node) publish(ctx context.Context, act dispatch.Action) error {
	m, err := n.draft(act)
	if err != nil {
		return err
	}
	if act.To != "" {
		return n.sendTo(ctx, act.To, m)
	}
	status, err := n.relay.Accept(ctx, m)
	if err != nil {
		return fmt.Errorf("publishing %d: %w", m.Kind, err)
	}
	n.l.Debugw("", "publish", "broadcast", "kind", m.Kind, "id", m.ID, "status", status.String())
	return nil
}

// draft turns an action into a signed message.
func (n *Node) draft(act dispatch.Action) (*message.Message, error) {
	now := n.opts.Clock().Now().Unix()
	switch act.Kind {
	case dispatch.ActionPublish:
		m := act.Draft
		if m == nil {
			return nil, fmt.Errorf("publish action without a draft")
		}
		if m.CreatedAt == 0 {
			m.CreatedAt = now
		}
		if m.Sig != "" {
			return m, nil
		}
		if err := m.Sign(n.priv); err != nil {
			return nil, err
		}
		return m, nil
	case dispatch.ActionReply:
		m := &message.Message{
			CreatedAt: now,
			Kind:      message.KindNote,
			Tags:      [][]string{{"e", act.ParentID}},
			Content:   act.Text,
		}
		return m, m.Sign(n.priv)
	case dispatch.ActionReact:
		m := &message.Message{
			CreatedAt: now,
			Kind:      message.KindReaction,
			Tags:      [][]string{{"e", act.TargetID}},
			Content:   act.Emoji,
		}
		return m, m.Sign(n.priv)
	default:
		return nil, fmt.Errorf("action %q cannot be published", act.Kind)
	}
}

// sendTo ships the message as a paid packet to a known peer. The first
// attempt offers our own price for the message; a reject quoting a higher
// required amount is retried once at that amount.
func (n *Node) sendTo(ctx context.Context, peerKey string, m *message.Message) error {
	info, ok := n.table.Get(peerKey)
	if !ok {
		return fmt.Errorf("peer %.8s not in table", peerKey)
	}
	env, err := message.EncodeEnvelope(m)
	if err != nil {
		return err
	}

	amount := n.policy.PriceFor(m).Amount
	res, err := n.conn.SendPacket(ctx, info.RoutingAddress, amount, env, n.opts.packetTimeout)
	if err != nil {
		return fmt.Errorf("sending to %.8s: %w", peerKey, err)
	}
	if !res.Fulfilled && res.Code == connector.CodeInsufficientPayment {
		required, perr := strconv.ParseInt(res.Metadata[connector.MetaRequired], 10, 64)
		if perr == nil && required > amount {
			res, err = n.conn.SendPacket(ctx, info.RoutingAddress, required, env, n.opts.packetTimeout)
			if err != nil {
				return fmt.Errorf("sending to %.8s: %w", peerKey, err)
			}
			amount = required
		}
	}
	if !res.Fulfilled {
		return fmt.Errorf("peer %.8s rejected kind %d: %s %s", peerKey, m.Kind, res.Code, res.Message)
	}
	n.l.Debugw("", "publish", "packet fulfilled", "peer", peerKey, "kind", m.Kind, "amount", amount)
	return nil
}
