// Package crypto seals voice payloads with the per-session secret.
//
// Each registered player holds a 16-byte session secret issued by the
// server. Audio payloads are sealed per hop with an AEAD keyed from that
// secret: the client seals microphone frames with its own secret, the
// server opens them and re-seals per recipient. Control messages are not
// sealed; they carry no audio and are validated by token and source
// address instead.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Suite names an AEAD construction for voice payloads.
type Suite string

const (
	SuiteAESGCM   Suite = "aes-gcm"
	SuiteChaCha20 Suite = "chacha20-poly1305"
)

var (
	// ErrOpenFailed reports a payload that failed authentication or was
	// sealed with a different secret.
	ErrOpenFailed = errors.New("crypto: open failed")

	// ErrTooShort reports a sealed payload shorter than nonce + tag.
	ErrTooShort = errors.New("crypto: sealed payload too short")
)

// ParseSuite validates a suite name from configuration.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case SuiteAESGCM, "":
		return SuiteAESGCM, nil
	case SuiteChaCha20:
		return SuiteChaCha20, nil
	default:
		return "", fmt.Errorf("crypto: unknown cipher suite %q (valid: %s, %s)", name, SuiteAESGCM, SuiteChaCha20)
	}
}

// NewSecret generates a random session secret.
func NewSecret() (uuid.UUID, error) {
	var s uuid.UUID
	if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
		return uuid.Nil, fmt.Errorf("crypto: generate secret: %w", err)
	}
	return s, nil
}

// PayloadCipher seals and opens audio payloads for one session.
type PayloadCipher struct {
	aead cipher.AEAD
}

// NewPayloadCipher derives an AEAD from a session secret.
// AES-128-GCM uses the secret directly as key; ChaCha20-Poly1305 stretches
// it to 32 bytes with SHA-256.
func NewPayloadCipher(suite Suite, secret uuid.UUID) (*PayloadCipher, error) {
	var aead cipher.AEAD
	switch suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(secret[:])
		if err != nil {
			return nil, fmt.Errorf("crypto: new aes cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: new gcm: %w", err)
		}
	case SuiteChaCha20:
		key := sha256.Sum256(secret[:])
		var err error
		aead, err = chacha20poly1305.New(key[:])
		if err != nil {
			return nil, fmt.Errorf("crypto: new chacha20: %w", err)
		}
	default:
		return nil, fmt.Errorf("crypto: unknown cipher suite %q", suite)
	}
	return &PayloadCipher{aead: aead}, nil
}

// AAD builds the additional authenticated data binding a sealed frame to
// its source and sequence number, so a frame cannot be replayed under a
// different identity or position in the stream.
func AAD(source uuid.UUID, sequence uint64) []byte {
	aad := make([]byte, 24)
	copy(aad, source[:])
	binary.BigEndian.PutUint64(aad[16:], sequence)
	return aad
}

// Seal encrypts plaintext, prepending a random nonce.
// Layout: [nonce][ciphertext+tag].
func (c *PayloadCipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a payload produced by Seal with the same secret and AAD.
func (c *PayloadCipher) Open(sealed, aad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, ErrTooShort
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// Overhead returns the bytes Seal adds to a plaintext (nonce + tag).
func (c *PayloadCipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}
