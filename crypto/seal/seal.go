// Package seal implements the PAYUNi envelope codec: AES-256-GCM over a
// form-encoded plaintext, the compound base64/hex envelope encoding, and the
// SHA-256 envelope hash the gateway uses as its signature.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required hash-key length in bytes.
	KeySize = 32
	// IVSize is the required hash-IV length in bytes. The gateway contract
	// fixes the GCM nonce at 16 bytes rather than the library default of 12.
	IVSize = 16

	tagSize   = 16
	separator = ":::"
)

var (
	// ErrInvalidEnvelope covers malformed hex, a missing separator, and GCM
	// tag failures. It indicates tampering or a key/IV mismatch and is never
	// retryable.
	ErrInvalidEnvelope = errors.New("seal: invalid envelope")
	// ErrEncoding indicates the codec could not encode a payload.
	ErrEncoding = errors.New("seal: encoding failed")
)

// Codec seals and opens gateway envelopes under a fixed key and IV pair.
// A Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	key []byte
	iv  []byte
}

// NewCodec validates the key and IV lengths and returns a ready codec.
func NewCodec(key, iv []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("seal: iv must be %d bytes, got %d", IVSize, len(iv))
	}
	c := &Codec{key: make([]byte, KeySize), iv: make([]byte, IVSize)}
	copy(c.key, key)
	copy(c.iv, iv)
	return c, nil
}

// Seal encrypts plaintext and returns the envelope: hex over
// base64(ciphertext) + ":::" + base64(tag).
func (c *Codec) Seal(plaintext string) (string, error) {
	gcm, err := c.newGCM()
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, c.iv, []byte(plaintext), nil)
	if len(sealed) < tagSize {
		return "", fmt.Errorf("%w: sealed output too short", ErrEncoding)
	}
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	joined := base64.StdEncoding.EncodeToString(ct) + separator + base64.StdEncoding.EncodeToString(tag)
	return hex.EncodeToString([]byte(joined)), nil
}

// Open reverses Seal. Any malformation or authentication failure yields
// ErrInvalidEnvelope.
func (c *Codec) Open(envelope string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return "", fmt.Errorf("%w: not hex: %v", ErrInvalidEnvelope, err)
	}
	parts := strings.Split(string(raw), separator)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: missing separator", ErrInvalidEnvelope)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext not base64: %v", ErrInvalidEnvelope, err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: tag not base64: %v", ErrInvalidEnvelope, err)
	}
	gcm, err := c.newGCM()
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, c.iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidEnvelope)
	}
	return string(plaintext), nil
}

// Hash computes the gateway signature for an envelope: uppercase hex SHA-256
// of key || envelope || iv. This is a bare digest, not an HMAC; the contract
// is fixed by the gateway.
func (c *Codec) Hash(envelope string) string {
	h := sha256.New()
	h.Write(c.key)
	h.Write([]byte(envelope))
	h.Write(c.iv)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func (c *Codec) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return gcm, nil
}

// EqualsCT compares two strings in constant time. Unequal lengths return
// false without inspecting content.
func EqualsCT(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
