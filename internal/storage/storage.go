// Package storage defines the key/value contract the consensus engine
// persists through, together with the backends that implement it.
//
// The contract is deliberately small: flat string keys, opaque byte values,
// prefix listing. Raft layers its own key scheme on top (node/<id>/state,
// node/<id>/log/<index>) and requires only that each call is atomic with
// respect to crashes between calls. Anything richer than this contract is
// an external collaborator and does not belong here.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
// Callers should use errors.Is for comparison.
var (
	// ErrNotFound is returned by Get when no value exists for the key.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("storage: store is closed")
)

// Store is the durable key/value backend.
//
// Implementations must be safe for concurrent use. Put must be durable by
// the time it returns: a crash after a successful Put must not lose the
// write. The memory backend relaxes durability and exists for tests and
// single-process experiments.
type Store interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key has a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys beginning with prefix, in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the backend. The store is unusable afterwards.
	Close() error
}
