// Package handshake implements the encrypted channel-negotiation protocol.
// A requester sends an encrypted request naming its supported settlement
// chains; the responder picks a common chain, opens a payment channel and
// answers with an encrypted response carrying the channel id and a fresh
// session secret. Payloads travel as message content, so the exchange works
// both inside packet fulfill data and over plain relay gossip.
package handshake

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/zapmesh/zapmesh/ecies"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/message"
)

// TagRecipient names the key a handshake message is encrypted to.
const TagRecipient = "p"

// SessionSecretLen is the byte length of the per-session shared secret.
const SessionSecretLen = 32

var (
	// ErrSelf is returned when a node would handshake with its own key.
	ErrSelf = errors.New("handshake: refusing handshake with own key")
	// ErrNotRecipient is returned when a handshake message is addressed to
	// a different key.
	ErrNotRecipient = errors.New("handshake: not the recipient")
	// ErrCooldown is returned while the per-peer rate limit holds.
	ErrCooldown = errors.New("handshake: peer still in cooldown")
	// ErrReplay is returned when a request id has been seen before.
	ErrReplay = errors.New("handshake: request id already seen")
	// ErrChainMismatch is returned when the chain sets do not intersect.
	ErrChainMismatch = errors.New("handshake: no common settlement chain")
	// ErrChannelTimeout is returned when the channel open outlived its
	// deadline. The external connector may still complete the open later.
	ErrChannelTimeout = errors.New("handshake: channel open timed out")
	// ErrBadPayload is returned when a payload cannot be decrypted or
	// decoded.
	ErrBadPayload = errors.New("handshake: bad payload")
	// ErrUnknownRequest is returned when a response matches no pending
	// request id.
	ErrUnknownRequest = errors.New("handshake: unknown request id")
)

// Response error field values shared by both sides of the protocol.
const (
	errorChainMismatch  = "chain-mismatch"
	errorChannelTimeout = "channel-timeout"
)

// ReasonChainMismatch is the metadata value transports attach when a
// negotiation fails for lack of a common chain.
const ReasonChainMismatch = "ChainMismatch"

// Request is the plaintext payload of a handshake request.
type Request struct {
	RequestID  string            `json:"request_id"`
	Chains     []string          `json:"chains"`
	Settlement map[string]string `json:"settlement,omitempty"`
	Tokens     map[string]string `json:"tokens,omitempty"`
}

// Response is the plaintext payload of a handshake response. SessionSecret
// is hex-encoded key material and must never be logged.
type Response struct {
	RequestID         string `json:"request_id"`
	Address           string `json:"address,omitempty"`
	SessionSecret     string `json:"session_secret,omitempty"`
	Chain             string `json:"chain,omitempty"`
	SettlementAddress string `json:"settlement_address,omitempty"`
	ChannelID         string `json:"channel_id,omitempty"`
	SettleTimeoutS    int64  `json:"settle_timeout_s,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Err maps the response's error field to a typed error, nil on success.
func (r *Response) Err() error {
	switch r.Error {
	case "":
		return nil
	case errorChainMismatch:
		return ErrChainMismatch
	case errorChannelTimeout:
		return ErrChannelTimeout
	default:
		return fmt.Errorf("handshake: %s", r.Error)
	}
}

// SecretBytes decodes the session secret.
func (r *Response) SecretBytes() ([]byte, error) {
	if r.SessionSecret == "" {
		return nil, nil
	}
	secret, err := hex.DecodeString(r.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: session secret not hex", ErrBadPayload)
	}
	return secret, nil
}

// ErrorResponse builds the error payload used when negotiation fails in the
// relay-delivered flow, where no packet reject can carry the verdict.
func ErrorResponse(requestID, reason string) *Response {
	return &Response{RequestID: requestID, Error: reason}
}

// Seal encrypts v as JSON to the recipient key and returns message content.
func Seal(scheme ecies.Scheme, to *secp256k1.PublicKey, v interface{}) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("handshake: encoding payload: %w", err)
	}
	box, err := scheme.Encrypt(to, plain)
	if err != nil {
		return "", fmt.Errorf("handshake: encrypting payload: %w", err)
	}
	buff, err := box.Bytes()
	if err != nil {
		return "", fmt.Errorf("handshake: encoding box: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buff), nil
}

// Open decrypts message content produced by Seal into v.
func Open(scheme ecies.Scheme, priv *secp256k1.PrivateKey, content string, v interface{}) error {
	buff, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	box, err := ecies.ParseBox(buff)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	plain, err := scheme.Decrypt(priv, box)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// sealMessage builds, encrypts and signs one handshake message.
func sealMessage(pair *key.Pair, scheme ecies.Scheme, kind int, recipient string, createdAt int64, v interface{}) (*message.Message, error) {
	pub, err := key.ParsePublic(recipient)
	if err != nil {
		return nil, fmt.Errorf("handshake: recipient key: %w", err)
	}
	content, err := Seal(scheme, pub, v)
	if err != nil {
		return nil, err
	}
	m := &message.Message{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      [][]string{{TagRecipient, recipient}},
		Content:   content,
	}
	if err := m.Sign(pair); err != nil {
		return nil, err
	}
	return m, nil
}

// negotiateChain picks the settlement chain for a request following the
// fixed preference order: the first common chain the requester holds a
// token for, then the first the responder holds a token for, then the
// first common chain outright. Common chains keep the requester's order.
func negotiateChain(reqChains []string, reqTokens map[string]string, selfChains []string, selfTokens map[string]string) (chain, token string, err error) {
	selfSet := make(map[string]struct{}, len(selfChains))
	for _, c := range selfChains {
		selfSet[c] = struct{}{}
	}
	var common []string
	for _, c := range reqChains {
		if _, ok := selfSet[c]; ok {
			common = append(common, c)
		}
	}
	if len(common) == 0 {
		return "", "", ErrChainMismatch
	}
	for _, c := range common {
		if tok := reqTokens[c]; tok != "" {
			return c, tok, nil
		}
	}
	for _, c := range common {
		if tok := selfTokens[c]; tok != "" {
			return c, tok, nil
		}
	}
	return common[0], "", nil
}
