package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Document keys used by the relay
const (
	KeyUsers           = "users.json"
	KeyOfflineMessages = "offlineMessages.json"
	KeyAdmin           = "admin.json"
)

var (
	// ErrNotFound indicates the document has never been saved.
	ErrNotFound = errors.New("document not found")
	// ErrPersistenceWrite wraps every failed buffered write.
	ErrPersistenceWrite = errors.New("persistence write failed")
	// ErrInvalidKey rejects keys that could escape the store's namespace.
	ErrInvalidKey = errors.New("invalid document key")
)

// Store is a durable key -> JSON document mapping.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the last saved document or ErrNotFound
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the document stored under key
	Save(ctx context.Context, key string, doc []byte) error
	Close() error
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
