// Package replication propagates list and stats mutations to sibling
// instances over encrypted datagram or stream transports, and implements
// the bulk state transfer used to warm a starting instance.
package replication

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the secretbox nonce length prefixed to every frame.
	NonceSize = 24
	// KeySize is the shared symmetric key length.
	KeySize = 32
)

// Codec seals and opens replication frames with a shared symmetric key.
// Wire form: nonce(24) ‖ secretbox ciphertext.
type Codec struct {
	key [KeySize]byte
}

// NewCodec builds a codec from a base64-encoded 32-byte key.
func NewCodec(b64 string) (*Codec, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	var c Codec
	copy(c.key[:], raw)
	return &c, nil
}

// GenerateKey returns a fresh random key in the base64 form the
// configuration expects.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Seal encrypts plain under a fresh random nonce.
func (c *Codec) Seal(plain []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &c.key), nil
}

// SealWithNonce encrypts plain under an explicit nonce; the control channel
// uses this with its derived incrementing nonces.
func (c *Codec) SealWithNonce(plain []byte, nonce *[NonceSize]byte) []byte {
	return secretbox.Seal(nil, plain, nonce, &c.key)
}

// Open decrypts a nonce-prefixed frame.
func (c *Codec) Open(frame []byte) ([]byte, error) {
	if len(frame) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("frame too short (%d bytes)", len(frame))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], frame[:NonceSize])
	plain, ok := secretbox.Open(nil, frame[NonceSize:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plain, nil
}

// OpenWithNonce decrypts a bare ciphertext under an explicit nonce.
func (c *Codec) OpenWithNonce(box []byte, nonce *[NonceSize]byte) ([]byte, error) {
	plain, ok := secretbox.Open(nil, box, nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plain, nil
}
