// Package ecies implements the hybrid encryption used for handshake
// payloads: an ephemeral-static Diffie-Hellman exchange, a KDF to derive the
// symmetric key, and an AEAD for the payload itself.
package ecies

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a box cannot be opened with the given key.
var ErrDecrypt = errors.New("ecies: decryption failed")

// Box holds the output of an encryption: the ephemeral public point of the
// DH exchange, the AEAD nonce and the ciphertext.
type Box struct {
	Ephemeral  []byte
	Nonce      []byte
	Ciphertext []byte
}

// Bytes returns the RLP encoding of the box.
func (b *Box) Bytes() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// ParseBox decodes a box from its RLP encoding.
func ParseBox(buff []byte) (*Box, error) {
	box := new(Box)
	if err := rlp.DecodeBytes(buff, box); err != nil {
		return nil, fmt.Errorf("ecies: decoding box: %w", err)
	}
	return box, nil
}

// Scheme encrypts to a secp256k1 identity key and decrypts with the matching
// private scalar. Implementations must be safe for concurrent use.
type Scheme interface {
	Name() string
	Encrypt(to *secp256k1.PublicKey, plaintext []byte) (*Box, error)
	Decrypt(priv *secp256k1.PrivateKey, box *Box) ([]byte, error)
}

// NewScheme returns the default scheme: ephemeral-static ECDH on secp256k1,
// HKDF-SHA256 key derivation and XChaCha20-Poly1305 for the payload.
func NewScheme() Scheme {
	return secpChaCha{}
}

type secpChaCha struct{}

func (secpChaCha) Name() string {
	return "secp256k1-xchacha20poly1305"
}

// Encrypt performs an ephemeral-static DH exchange, creates the shared key
// from it using a KDF scheme and then computes the ciphertext using an AEAD
// scheme. It returns the ephemeral point of the DH exchange, the ciphertext
// and the associated nonce.
func (secpChaCha) Encrypt(to *secp256k1.PublicKey, plaintext []byte) (*Box, error) {
	eph, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	dh := secp256k1.GenerateSharedSecret(eph, to)

	key, err := deriveKey(dh)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return &Box{
		Ephemeral:  eph.PubKey().SerializeCompressed(),
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt does the same DH exchange with the ephemeral point from the box and
// the static private key, derives the symmetric key and opens the ciphertext.
func (secpChaCha) Decrypt(priv *secp256k1.PrivateKey, box *Box) ([]byte, error) {
	eph, err := secp256k1.ParsePubKey(box.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("ecies: parsing ephemeral point: %w", err)
	}
	dh := secp256k1.GenerateSharedSecret(priv, eph)

	key, err := deriveKey(dh)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(box.Nonce) != aead.NonceSize() {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func deriveKey(dh []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, dh, nil, nil)
	key := make([]byte, chacha20poly1305.KeySize)
	n, err := reader.Read(key)
	if err != nil {
		return nil, err
	}
	if n != chacha20poly1305.KeySize {
		return nil, errors.New("ecies: not enough bits from the shared secret")
	}
	return key, nil
}
