// Package message defines the signed unit of gossip exchanged between nodes:
// its canonical serialization, identity and signature rules, the filter
// language used to query it, and a compact binary envelope for carrying it
// inside payment packets.
package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/zapmesh/zapmesh/key"
)

var (
	// ErrMalformed is returned when a message fails structural validation.
	ErrMalformed = errors.New("message: malformed")
	// ErrBadID is returned when the id does not commit to the content.
	ErrBadID = errors.New("message: id mismatch")
	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("message: invalid signature")
)

// Message is a signed, immutable unit of gossip. The ID commits to every
// field but the signature; the signature covers the ID.
type Message struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// canonical returns the serialization the id commits to: the compact JSON
// array [0, pubkey, created_at, kind, tags, content] with HTML escaping
// disabled.
func (m *Message) canonical() ([]byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, m.PubKey, m.CreatedAt, m.Kind, tags, m.Content}
	var buff bytes.Buffer
	enc := json.NewEncoder(&buff)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buff.Bytes(), "\n"), nil
}

// ComputeID returns the lowercase hex sha256 of the canonical serialization.
func (m *Message) ComputeID() (string, error) {
	buff, err := m.canonical()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(buff)
	return hex.EncodeToString(digest[:]), nil
}

// Size returns the length in bytes of the canonical serialization. Per-byte
// pricing applies to this value.
func (m *Message) Size() int {
	buff, err := m.canonical()
	if err != nil {
		return 0
	}
	return len(buff)
}

// Sign fills in PubKey, ID and Sig from the given key pair.
func (m *Message) Sign(pair *key.Pair) error {
	if m.Tags == nil {
		m.Tags = [][]string{}
	}
	m.PubKey = pair.Public.Hex()
	id, err := m.ComputeID()
	if err != nil {
		return err
	}
	m.ID = id
	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(pair.Key, digest)
	if err != nil {
		return fmt.Errorf("message: signing: %w", err)
	}
	m.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the structural shape of the message, recomputes the id and
// verifies the signature over it.
func (m *Message) Verify() error {
	if err := m.validateShape(); err != nil {
		return err
	}
	id, err := m.ComputeID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if id != m.ID {
		return ErrBadID
	}
	pub, err := key.ParsePublic(m.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sigBytes, err := hex.DecodeString(m.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest, err := hex.DecodeString(m.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !sig.Verify(digest, pub) {
		return ErrBadSignature
	}
	return nil
}

func (m *Message) validateShape() error {
	if len(m.ID) != 64 || !isLowerHex(m.ID) {
		return fmt.Errorf("%w: id must be 64 lowercase hex characters", ErrMalformed)
	}
	if len(m.PubKey) != 64 || !isLowerHex(m.PubKey) {
		return fmt.Errorf("%w: pubkey must be 64 lowercase hex characters", ErrMalformed)
	}
	if len(m.Sig) != 128 || !isLowerHex(m.Sig) {
		return fmt.Errorf("%w: sig must be 128 lowercase hex characters", ErrMalformed)
	}
	if m.Kind < 0 || m.Kind > MaxKind {
		return fmt.Errorf("%w: kind %d out of range", ErrMalformed, m.Kind)
	}
	if m.CreatedAt < 0 {
		return fmt.Errorf("%w: negative created_at", ErrMalformed)
	}
	for _, tag := range m.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("%w: empty tag", ErrMalformed)
		}
	}
	return nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// TagValue returns the value of the first tag with the given name.
func (m *Message) TagValue(name string) (string, bool) {
	for _, tag := range m.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns the values of every tag with the given name.
func (m *Message) TagValues(name string) []string {
	var values []string
	for _, tag := range m.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// DTag returns the d tag distinguishing parameterized-replaceable messages,
// or the empty string when absent.
func (m *Message) DTag() string {
	v, _ := m.TagValue("d")
	return v
}

// SlotKey returns the replacement slot this message competes for. ok is
// false for regular and ephemeral kinds.
func (m *Message) SlotKey() (string, bool) {
	switch {
	case IsReplaceable(m.Kind):
		return m.PubKey + ":" + strconv.Itoa(m.Kind), true
	case IsParamReplaceable(m.Kind):
		return m.PubKey + ":" + strconv.Itoa(m.Kind) + ":" + m.DTag(), true
	}
	return "", false
}

// Coordinate returns the addressable coordinate "kind:pubkey:d" for
// replaceable and parameterized-replaceable messages.
func (m *Message) Coordinate() (string, bool) {
	if !IsReplaceable(m.Kind) && !IsParamReplaceable(m.Kind) {
		return "", false
	}
	return strconv.Itoa(m.Kind) + ":" + m.PubKey + ":" + m.DTag(), true
}

// ParseCoordinate splits an addressable coordinate "kind:pubkey:d" as found
// in "a" tags.
func ParseCoordinate(coord string) (kind int, pubkey, d string, err error) {
	parts := strings.SplitN(coord, ":", 3)
	if len(parts) < 2 {
		return 0, "", "", fmt.Errorf("message: coordinate %q missing separator", coord)
	}
	kind, err = strconv.Atoi(parts[0])
	if err != nil || kind < 0 || kind > MaxKind {
		return 0, "", "", fmt.Errorf("message: coordinate %q has invalid kind", coord)
	}
	pubkey = parts[1]
	if len(pubkey) != 64 || !isLowerHex(pubkey) {
		return 0, "", "", fmt.Errorf("message: coordinate %q has invalid pubkey", coord)
	}
	if len(parts) == 3 {
		d = parts[2]
	}
	return kind, pubkey, d, nil
}

// SlotFromCoordinate maps an addressable coordinate to the slot key used by
// the store.
func SlotFromCoordinate(coord string) (string, error) {
	kind, pubkey, d, err := ParseCoordinate(coord)
	if err != nil {
		return "", err
	}
	if IsReplaceable(kind) {
		return pubkey + ":" + strconv.Itoa(kind), nil
	}
	if IsParamReplaceable(kind) {
		return pubkey + ":" + strconv.Itoa(kind) + ":" + d, nil
	}
	return "", fmt.Errorf("message: coordinate %q is not addressable", coord)
}

// Newer reports whether m wins a replacement slot against other: strictly
// newer created_at, or the lexically smaller id on ties.
func (m *Message) Newer(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt > other.CreatedAt
	}
	return m.ID < other.ID
}

// Less orders messages for query results: created_at descending, then id
// ascending.
func Less(a, b *Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}
