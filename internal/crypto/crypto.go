// Package crypto seals grant payloads under the downstream client
// secret. The secret is the only copy of the key; the bridge never
// persists it.
package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	apperrors "github.com/alexjbarnes/oauthclientbridge/internal/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the raw length of a generated client secret in bytes.
	KeySize = 32

	// tokenVersion is the first byte of every sealed token. It is also
	// bound as associated data.
	tokenVersion byte = 1

	// hkdfInfo separates the sealing key from any other use of the secret.
	hkdfInfo = "oauth-client-bridge grant v1"
)

var keyEncoding = base64.URLEncoding

var tokenEncoding = base64.RawURLEncoding

// GenerateKey returns a fresh random key in URL-safe base64. It doubles
// as the client_secret handed to the caller.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}

	return keyEncoding.EncodeToString(raw), nil
}

// Encode JSON encodes v and seals it under key.
func Encode(key string, v any) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = tokenVersion

	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out = aead.Seal(out, nonce, plaintext, []byte{tokenVersion})

	return tokenEncoding.EncodeToString(out), nil
}

// Decode opens token with key and JSON decodes it into v. Numbers decode
// as json.Number. Every failure, whatever the cause, is reported as
// ErrInvalidToken.
func Decode(key, token string, v any) error {
	aead, err := newAEAD(key)
	if err != nil {
		return apperrors.ErrInvalidToken
	}

	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return apperrors.ErrInvalidToken
	}

	if len(raw) < 1+chacha20poly1305.NonceSizeX+aead.Overhead() || raw[0] != tokenVersion {
		return apperrors.ErrInvalidToken
	}

	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]

	plaintext, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], []byte{tokenVersion})
	if err != nil {
		return apperrors.ErrInvalidToken
	}

	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		return apperrors.ErrInvalidToken
	}

	return nil
}

// newAEAD derives the sealing key from the encoded secret with HKDF-SHA256.
func newAEAD(key string) (cipher.AEAD, error) {
	secret, err := keyEncoding.DecodeString(key)
	if err != nil || len(secret) != KeySize {
		return nil, apperrors.ErrInvalidKey
	}

	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	return aead, nil
}
