package errors

import "errors"

// Storage errors.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrIntegrity      = errors.New("database integrity error")
)

// Codec errors.
var (
	ErrInvalidToken = errors.New("invalid or undecryptable token")
	ErrInvalidKey   = errors.New("invalid encryption key")
)
