// Package connector talks to the packet router that moves paid packets
// between nodes. Two implementations satisfy the same contract: Direct runs
// the routing in-process, Remote drives an external router over its HTTP API.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ILP-style terminal codes carried on rejects.
const (
	CodeBadRequest          = "F00"
	CodeInsufficientPayment = "F06"
	CodeInternal            = "T00"
)

// Channel states as reported by the router. Open is the only state in which
// packets settle against the channel.
const (
	StateOpening = "opening"
	StateOpen    = "open"
	StateClosing = "closing"
	StateClosed  = "closed"
)

// MetaRequired is the reject metadata key holding the amount a sender must
// pay for the packet to be accepted.
const MetaRequired = "required"

// MetaReason is the reject metadata key naming a machine-readable cause,
// e.g. ChainMismatch on a failed handshake.
const MetaReason = "reason"

// DefaultPriority is the routing priority for peers with no trust score yet.
const DefaultPriority = 20

var (
	// ErrUnknownPeer is returned for operations referencing an unregistered peer.
	ErrUnknownPeer = errors.New("connector: unknown peer")
	// ErrUnknownChannel is returned when a channel id has no record.
	ErrUnknownChannel = errors.New("connector: unknown channel")
	// ErrNoHandler is returned when a packet arrives and no handler is registered.
	ErrNoHandler = errors.New("connector: no packet handler registered")
)

// Peer is one registration with the router: where the peer terminates its
// bilateral transport and which address space routes to it.
type Peer struct {
	PeerKey           string   `json:"peerKey"`
	TransportEndpoint string   `json:"transportEndpoint"`
	RoutingAddress    string   `json:"routingAddress"`
	Routes            []string `json:"routes,omitempty"`
	Priority          int      `json:"priority,omitempty"`
	ChannelID         string   `json:"channelId,omitempty"`
}

// ChannelRequest asks the router to open a payment channel with a peer on
// the given settlement chain.
type ChannelRequest struct {
	PeerKey        string `json:"peerKey"`
	Chain          string `json:"chain"`
	Token          string `json:"token,omitempty"`
	InitialDeposit int64  `json:"initialDeposit"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Channel describes one payment channel. Balance is the net amount owed to
// this node by the peer; it goes negative when this node owes the peer.
type Channel struct {
	ChannelID string `json:"channelId"`
	State     string `json:"state"`
	Deposit   int64  `json:"deposit,omitempty"`
	Balance   int64  `json:"balance,omitempty"`
}

// Packet is one inbound routed packet as the handler sees it. Packets carry
// no source address; the link they arrived on identifies the counterparty.
type Packet struct {
	Destination string
	Amount      int64
	Data        []byte
}

// Result is the terminal outcome of one packet: exactly one of fulfill or
// reject. A nil Result is never valid.
type Result struct {
	Fulfilled bool
	Data      []byte
	Code      string
	Message   string
	Metadata  map[string]string
}

// Fulfill builds a fulfill result carrying an optional response payload.
func Fulfill(data []byte) *Result {
	return &Result{Fulfilled: true, Data: data}
}

// Reject builds a reject result with an ILP-style code.
func Reject(code, message string) *Result {
	return &Result{Code: code, Message: message}
}

// RejectWith builds a reject result carrying metadata, e.g. the required
// amount on an insufficient payment.
func RejectWith(code, message string, meta map[string]string) *Result {
	return &Result{Code: code, Message: message, Metadata: meta}
}

func (r *Result) String() string {
	if r.Fulfilled {
		return fmt.Sprintf("fulfill(%d bytes)", len(r.Data))
	}
	return fmt.Sprintf("reject(%s: %s)", r.Code, r.Message)
}

// RejectError carries a reject outcome through error-returning internals.
// The connector boundary converts it back into a Result.
type RejectError struct {
	Code     string
	Message  string
	Metadata map[string]string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result converts the error into the reject it describes.
func (e *RejectError) Result() *Result {
	return &Result{Code: e.Code, Message: e.Message, Metadata: e.Metadata}
}

// ResultFrom maps any error to a reject result, preserving RejectError codes
// and downgrading everything else to an internal error.
func ResultFrom(err error) *Result {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Result()
	}
	return Reject(CodeInternal, err.Error())
}

// Handler decides the fate of one inbound packet. Implementations convert
// their internal errors into reject results; they never return nil.
type Handler func(ctx context.Context, p Packet) *Result

// Client is the capability set every router adapter exposes.
type Client interface {
	// RegisterPeer makes the peer routable. Registering an existing peer
	// replaces its previous registration.
	RegisterPeer(ctx context.Context, p Peer) error
	// RemovePeer forgets the peer and all its routes.
	RemovePeer(ctx context.Context, peerKey string) error
	// SendPacket routes a paid packet and waits for its terminal outcome.
	// A non-nil error means no outcome could be obtained at all; timeouts
	// surface as reject results per the packet expiry contract.
	SendPacket(ctx context.Context, destination string, amount int64, data []byte, timeout time.Duration) (*Result, error)
	// OpenChannel synchronously opens a payment channel; on success the
	// returned state is StateOpen.
	OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error)
	// ChannelState reports the current state of one channel.
	ChannelState(ctx context.Context, channelID string) (*Channel, error)
	// Balance reports the net channel balance with a peer.
	Balance(ctx context.Context, peerKey string) (int64, error)
	// RegisterPacketHandler installs the handler invoked for every inbound
	// packet addressed to this node. Only one handler is active at a time.
	RegisterPacketHandler(h Handler)
}
