package accounts

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sealed:"

const nonceSize = 24

// Sealer encrypts token values at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key from secret. An empty secret returns nil,
// which stores tokens in plain text.
func NewSealer(secret string) *Sealer {
	if secret == "" {
		return nil
	}
	return &Sealer{key: sha256.Sum256([]byte(secret))}
}

// Seal encrypts plain. A nil Sealer returns plain unchanged.
func (s *Sealer) Seal(plain string) (string, error) {
	if s == nil || plain == "" {
		return plain, nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open decrypts a sealed value. Values without the sealed prefix are
// returned as they are so tokens written before sealing was enabled resolve.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if s == nil {
		return "", errors.New("sealed token found but no token secret is configured")
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed token: %w", err)
	}
	if len(data) < nonceSize+secretbox.Overhead {
		return "", errors.New("sealed token too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", errors.New("failed to open sealed token")
	}
	return string(plain), nil
}
