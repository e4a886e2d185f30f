// Package session keeps the authorize nonce server side between the
// redirect to the provider and the callback. The browser only carries an
// opaque random session id.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// idBytes is the number of random bytes in a session id or nonce.
const idBytes = 32

// Session is the state saved by authorize and consumed by callback.
type Session struct {
	// Nonce is sent upstream as the OAuth state parameter.
	Nonce string `json:"nonce"`
	// ClientState is the caller's opaque state, echoed on callback.
	ClientState string `json:"client_state,omitempty"`
}

// Store saves sessions and removes them on first read.
type Store interface {
	Save(ctx context.Context, id string, s Session) error

	// Pop returns and deletes the session. ok is false when it never
	// existed, already expired, or was already popped.
	Pop(ctx context.Context, id string) (s Session, ok bool, err error)

	Close() error
}

// NewID returns a random URL-safe identifier, used for both session ids
// and nonces.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
