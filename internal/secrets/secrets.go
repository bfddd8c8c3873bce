// Package secrets seals channel credentials at rest with NaCl secretbox.
// Without a key it degrades to plaintext passthrough and says so once.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

// ErrNoKey is returned when a sealed value is opened without a key.
var ErrNoKey = errors.New("secrets: no key configured")

// Box seals and opens strings.
type Box struct {
	key     *[32]byte
	enabled bool
}

// New derives a 32-byte key from raw. raw may be 64 hex chars, base64 of 32
// bytes, or any passphrase (hashed with SHA-256). An empty raw yields a
// passthrough box.
func New(raw string, log *logrus.Entry) *Box {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if log != nil {
			log.Warn("SECRETS_KEY not set, channel secrets are stored in plaintext")
		}
		return &Box{}
	}
	var key [32]byte
	switch {
	case len(raw) == 64 && isHex(raw):
		b, _ := hex.DecodeString(raw)
		copy(key[:], b)
	default:
		if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
			copy(key[:], b)
		} else {
			key = sha256.Sum256([]byte(raw))
		}
	}
	return &Box{key: &key, enabled: true}
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func (b *Box) Enabled() bool { return b != nil && b.enabled }

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool { return strings.HasPrefix(v, sealedPrefix) }

// Seal encrypts plaintext. A passthrough box returns it unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if !b.Enabled() {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, b.key)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Unsealed values pass through untouched.
func (b *Box) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if !b.Enabled() {
		return "", ErrNoKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(v, sealedPrefix))
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", errors.New("secrets: malformed sealed value")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, b.key)
	if !ok {
		return "", errors.New("secrets: decryption failed")
	}
	return string(plain), nil
}

// OpenMap opens every value of m into a new map.
func (b *Box) OpenMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		plain, err := b.Open(v)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}
