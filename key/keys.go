// Package key holds the long-term signing identity of a node and its
// file-based persistence.
package key

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Pair is a wrapper around the secp256k1 private scalar and the corresponding
// public identity.
type Pair struct {
	Key    *secp256k1.PrivateKey
	Public *Identity
}

// Identity holds the public key of a Pair together with the websocket
// endpoint where the node holding the pair can be reached.
type Identity struct {
	Key  *secp256k1.PublicKey
	Addr string
}

// Address returns the endpoint advertised for this identity.
func (i *Identity) Address() string {
	return i.Addr
}

// Hex returns the 32-byte x-only public key as 64 lowercase hex characters.
// This string is the node identity on the wire.
func (i *Identity) Hex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(i.Key))
}

// Equal returns true if the cryptographic public key of i equals i2's.
func (i *Identity) Equal(i2 *Identity) bool {
	return i.Key.IsEqual(i2.Key)
}

// NewKeyPair returns a freshly created private / public key pair. The private
// scalar is normalized so the public key has an even Y coordinate, keeping
// x-only parsing and Diffie-Hellman agreement consistent between peers.
func NewKeyPair(address string) (*Pair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	normalizeEvenY(priv)
	pub := &Identity{
		Key:  priv.PubKey(),
		Addr: address,
	}
	return &Pair{
		Key:    priv,
		Public: pub,
	}, nil
}

// PairFromHex rebuilds a key pair from a 64-hex-character private scalar,
// e.g. injected through the environment instead of the key file.
func PairFromHex(hexKey, address string) (*Pair, error) {
	buff, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("key: decoding private key: %w", err)
	}
	if len(buff) != 32 {
		return nil, errors.New("key: private key must be 32 bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(buff)
	if priv.Key.IsZero() {
		return nil, errors.New("key: private key is zero")
	}
	normalizeEvenY(priv)
	return &Pair{
		Key: priv,
		Public: &Identity{
			Key:  priv.PubKey(),
			Addr: address,
		},
	}, nil
}

// normalizeEvenY negates the scalar in place when its public key has an odd
// Y coordinate.
func normalizeEvenY(priv *secp256k1.PrivateKey) {
	if priv.PubKey().SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		priv.Key.Negate()
	}
}

// ParsePublic parses a 64-hex-character x-only public key.
func ParsePublic(hexKey string) (*secp256k1.PublicKey, error) {
	buff, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("key: decoding public key: %w", err)
	}
	pub, err := schnorr.ParsePubKey(buff)
	if err != nil {
		return nil, fmt.Errorf("key: parsing public key: %w", err)
	}
	return pub, nil
}

// PairTOML is the TOML-able version of a private key
type PairTOML struct {
	Key string
}

// PublicTOML is the TOML-able version of a public key
type PublicTOML struct {
	Address string
	Key     string
}

// TOML returns a struct that can be marshalled using a TOML-encoding library
func (p *Pair) TOML() interface{} {
	hexKey := hex.EncodeToString(p.Key.Serialize())
	return &PairTOML{Key: hexKey}
}

// FromTOML constructs the private key from an unmarshalled structure from TOML
func (p *Pair) FromTOML(i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("key: private can't decode toml from non PairTOML struct")
	}
	buff, err := hex.DecodeString(ptoml.Key)
	if err != nil {
		return err
	}
	if len(buff) != 32 {
		return errors.New("key: private key must be 32 bytes")
	}
	p.Key = secp256k1.PrivKeyFromBytes(buff)
	normalizeEvenY(p.Key)
	p.Public = &Identity{Key: p.Key.PubKey()}
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// FromTOML loads the TOML description of the public key
func (i *Identity) FromTOML(t interface{}) error {
	ptoml, ok := t.(*PublicTOML)
	if !ok {
		return errors.New("key: public can't decode from non PublicTOML struct")
	}
	pub, err := ParsePublic(ptoml.Key)
	if err != nil {
		return err
	}
	i.Key = pub
	i.Addr = ptoml.Address
	return nil
}

// TOML returns a TOML-compatible version of the public key
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		Address: i.Addr,
		Key:     i.Hex(),
	}
}

// TOMLValue returns a TOML-compatible interface value
func (i *Identity) TOMLValue() interface{} {
	return &PublicTOML{}
}
