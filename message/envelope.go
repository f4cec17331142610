package message

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// EnvelopeVersion is the leading byte of every binary envelope.
const EnvelopeVersion = 0x01

var (
	// ErrEnvelopeVersion is returned when the leading byte is unknown.
	ErrEnvelopeVersion = errors.New("message: unsupported envelope version")
	// ErrEnvelopeCorrupt is returned when the envelope body does not decode
	// to a well-formed message.
	ErrEnvelopeCorrupt = errors.New("message: corrupt envelope")
)

// envelopeBody is the RLP layout of a message inside a packet: fixed-width
// binary id, pubkey and sig instead of hex strings.
type envelopeBody struct {
	ID        []byte
	PubKey    []byte
	CreatedAt uint64
	Kind      uint64
	Tags      [][]string
	Content   string
	Sig       []byte
}

// EncodeEnvelope serializes the message into the compact binary form carried
// in packet data: a version byte followed by the RLP encoding of the fields.
func EncodeEnvelope(m *Message) ([]byte, error) {
	id, err := hex.DecodeString(m.ID)
	if err != nil || len(id) != 32 {
		return nil, fmt.Errorf("%w: bad id", ErrEnvelopeCorrupt)
	}
	pubkey, err := hex.DecodeString(m.PubKey)
	if err != nil || len(pubkey) != 32 {
		return nil, fmt.Errorf("%w: bad pubkey", ErrEnvelopeCorrupt)
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) != 64 {
		return nil, fmt.Errorf("%w: bad sig", ErrEnvelopeCorrupt)
	}
	if m.CreatedAt < 0 {
		return nil, fmt.Errorf("%w: negative created_at", ErrEnvelopeCorrupt)
	}
	if m.Kind < 0 || m.Kind > MaxKind {
		return nil, fmt.Errorf("%w: kind out of range", ErrEnvelopeCorrupt)
	}
	tags := m.Tags
	if tags == nil {
		tags = [][]string{}
	}
	body, err := rlp.EncodeToBytes(&envelopeBody{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: uint64(m.CreatedAt),
		Kind:      uint64(m.Kind),
		Tags:      tags,
		Content:   m.Content,
		Sig:       sig,
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, EnvelopeVersion)
	return append(out, body...), nil
}

// DecodeEnvelope parses a binary envelope back into a message. It inverts
// EncodeEnvelope exactly: for any encodable m, DecodeEnvelope(EncodeEnvelope(m))
// yields a message equal to m.
func DecodeEnvelope(buff []byte) (*Message, error) {
	if len(buff) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrEnvelopeCorrupt)
	}
	if buff[0] != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %#x", ErrEnvelopeVersion, buff[0])
	}
	var body envelopeBody
	if err := rlp.DecodeBytes(buff[1:], &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeCorrupt, err)
	}
	if len(body.ID) != 32 || len(body.PubKey) != 32 || len(body.Sig) != 64 {
		return nil, fmt.Errorf("%w: bad field width", ErrEnvelopeCorrupt)
	}
	if body.Kind > MaxKind {
		return nil, fmt.Errorf("%w: kind out of range", ErrEnvelopeCorrupt)
	}
	if body.CreatedAt > 1<<62 {
		return nil, fmt.Errorf("%w: created_at out of range", ErrEnvelopeCorrupt)
	}
	tags := body.Tags
	if tags == nil {
		tags = [][]string{}
	}
	return &Message{
		ID:        hex.EncodeToString(body.ID),
		PubKey:    hex.EncodeToString(body.PubKey),
		CreatedAt: int64(body.CreatedAt),
		Kind:      int(body.Kind),
		Tags:      tags,
		Content:   body.Content,
		Sig:       hex.EncodeToString(body.Sig),
	}, nil
}
