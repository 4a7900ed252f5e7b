// Package securestore persists small sensitive values (token sets, pending
// login attempts) with authenticated encryption at rest.
//
// Values are marshaled (CBOR by default), sealed with an AEAD keyed by a
// rotating key set, and written to a pluggable Backend. The sealed format is
//
//	[keyID] "." base64url(nonce || AEAD.Seal(nil, nonce, plaintext, aad))
//
// where aad binds the entry name, so a sealed value copied under another name
// fails to open.
package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrFormat = errors.New("securestore: invalid sealed value format")
	ErrSealed = errors.New("securestore: sealed value cannot be opened")
	ErrConfig = errors.New("securestore: invalid configuration")
)

// maxSealedLen bounds how much stored data is decoded. Token sets with a
// large ID token are a few KB.
const maxSealedLen = 64 * 1024

// DefaultKeySize is the key size (in bytes) for the default AEAD
// (XChaCha20-Poly1305).
const DefaultKeySize = chacha20poly1305.KeySize

// Codec seals and opens values.
//
// Keys contains all accepted keys; KeyID selects the current sealing key.
// Values sealed under an older key still open as long as that key remains
// in Keys.
type Codec struct {
	KeyID string
	Keys  map[string][]byte

	// NewAEAD constructs the AEAD. Defaults to chacha20poly1305.NewX.
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCodec creates a codec. A nil newAEAD selects XChaCha20-Poly1305.
func NewCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Codec, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: keys must not be nil", ErrConfig)
	}
	if strings.Contains(keyID, ".") {
		return nil, fmt.Errorf("%w: keyID must not contain '.'", ErrConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: keyID %q not found in keys", ErrConfig, keyID)
	}
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: invalid key %s: %v", ErrConfig, id, err)
		}
	}
	return &Codec{
		KeyID:   keyID,
		Keys:    keys,
		NewAEAD: newAEAD,
	}, nil
}

// Seal encrypts plain under the current key.
func (c *Codec) Seal(plain []byte, aad []byte) (string, error) {
	if c == nil || c.NewAEAD == nil {
		return "", ErrConfig
	}
	key, ok := c.Keys[c.KeyID]
	if !ok {
		return "", ErrConfig
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if c == nil || c.NewAEAD == nil {
		return nil, ErrConfig
	}
	if len(value) == 0 || len(value) > maxSealedLen {
		return nil, ErrFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return nil, ErrFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrSealed
	}

	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return nil, ErrFormat
	}

	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	b, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrSealed
	}
	return b, nil
}

// GenerateKey returns a fresh random key of DefaultKeySize bytes.
func GenerateKey() ([]byte, error) {
	k := make([]byte, DefaultKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}
