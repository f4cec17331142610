package core

import (
	"context"
	"errors"
	"strconv"

	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/handshake"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/metrics"
	"github.com/zapmesh/zapmesh/store"
)

// Verdict labels for the audit log and the packet_verdicts counter.
const (
	verdictMalformed       = "malformed"
	verdictBadSignature    = "bad-signature"
	verdictUnderpaid       = "underpaid"
	verdictHandshake       = "handshake"
	verdictHandshakeFailed = "handshake-failed"
	verdictAccepted        = "accepted"
	verdictIgnored         = "ignored"
	verdictFailed          = "failed"
)

// handlePacket is the connector entry point for inbound paid packets. The
// connector only sees fulfill or reject; every path through here records an
// audit line and a verdict metric.
func (n *Node) handlePacket(ctx context.Context, p connector.Packet) *connector.Result {
	m, err := message.DecodeEnvelope(p.Data)
	if err != nil {
		n.auditPacket(verdictMalformed, p, nil, "err", err)
		return connector.Reject(connector.CodeBadRequest, "malformed envelope")
	}
	if err := m.Verify(); err != nil {
		n.auditPacket(verdictBadSignature, p, m, "err", err)
		return connector.Reject(connector.CodeBadRequest, "bad signature")
	}

	quote := n.policy.PriceFor(m)
	if p.Amount < quote.Amount {
		n.auditPacket(verdictUnderpaid, p, m, "required", quote.Amount)
		return connector.RejectWith(connector.CodeInsufficientPayment, "insufficient amount",
			map[string]string{connector.MetaRequired: strconv.FormatInt(quote.Amount, 10)})
	}

	switch m.Kind {
	case message.KindHandshakeReq:
		return n.handleHandshake(ctx, p, m)
	case message.KindHandshakeRes:
		// Responses normally ride back as fulfill data; a pushed response
		// still resolves the pending request it answers.
		if err := n.requester.Resolve(m); err != nil {
			n.auditPacket(verdictIgnored, p, m, "err", err)
			return connector.Fulfill(nil)
		}
		n.auditPacket(verdictAccepted, p, m)
		return connector.Fulfill(nil)
	}

	status, err := n.relay.Accept(ctx, m)
	if err != nil {
		n.auditPacket(verdictFailed, p, m, "err", err)
		return connector.ResultFrom(err)
	}
	n.auditPacket(verdictAccepted, p, m, "status", status.String())

	if status == store.Stored && n.actions.Handles(m.Kind) {
		// The handler may outlive the packet; it runs under the node
		// context, not the packet deadline.
		go n.actions.Dispatch(n.running(), m)
	}
	return connector.Fulfill(nil)
}

// handleHandshake runs the responder synchronously and ships the encrypted
// response back as fulfill data.
func (n *Node) handleHandshake(ctx context.Context, p connector.Packet, req *message.Message) *connector.Result {
	res, err := n.responder.Respond(ctx, req)
	if errors.Is(err, handshake.ErrChainMismatch) {
		n.auditPacket(verdictHandshakeFailed, p, req, "err", err)
		return connector.RejectWith(connector.CodeBadRequest, err.Error(),
			map[string]string{connector.MetaReason: handshake.ReasonChainMismatch})
	}
	if err != nil {
		n.auditPacket(verdictHandshakeFailed, p, req, "err", err)
		return connector.Reject(connector.CodeBadRequest, err.Error())
	}
	env, err := message.EncodeEnvelope(res)
	if err != nil {
		n.auditPacket(verdictFailed, p, req, "err", err)
		return connector.Reject(connector.CodeInternal, "encoding handshake response")
	}
	n.auditPacket(verdictHandshake, p, req)
	return connector.Fulfill(env)
}

// auditPacket writes one audit line per packet decision and bumps the
// verdict counter. Message fields are included when the envelope decoded.
func (n *Node) auditPacket(verdict string, p connector.Packet, m *message.Message, kv ...interface{}) {
	metrics.PacketVerdicts.WithLabelValues(verdict).Inc()
	args := []interface{}{"packet", verdict, "amount", p.Amount}
	if m != nil {
		args = append(args, "author", m.PubKey, "kind", m.Kind, "id", m.ID)
	}
	args = append(args, kv...)
	n.audit.Infow("", args...)
}
