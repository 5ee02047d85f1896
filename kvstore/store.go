// Package kvstore provides durable key/value storage used for response cache
// entries and queue failure counters. Each Store instance is one namespace:
// Clear only wipes the keys written through that instance.
package kvstore

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("kvstore: store is closed")

// Reader looks up values by key.
type Reader interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
}

// Writer replaces or removes values.
type Writer interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Store is the persisted key/value store consumed by the cache and the event queues.
type Store interface {
	Reader
	Writer
	// Clear removes every key in the namespace.
	Clear(ctx context.Context) error
}
