// Package kv is the key-value storage port the ledger persists into, with
// in-memory, directory-backed and SQLite-backed implementations.
//
// The port mirrors a browser-style local storage: string values, a byte
// quota that rejects oversize writes, key enumeration, and an optional
// notification when another process changes a key.
package kv

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by Set when the write would push the store
// past its byte quota. The previous value (if any) is left in place.
var ErrQuotaExceeded = errors.New("kv: quota exceeded")

// Store is the storage port.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	Keys() ([]string, error)
}

// Change describes a modification made outside this process (or outside
// this Store value). An empty Key means "unknown, re-read everything".
type Change struct {
	Key string
}

// Watcher is implemented by stores that can report external changes.
// The returned channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// usage returns the byte size a key/value pair counts against a quota.
func usage(key, value string) int {
	return len(key) + len(value)
}

// checkQuota reports whether replacing key's value with value keeps the
// total usage within quota. quota <= 0 disables the check.
func checkQuota(quota, total, oldSize int, key, value string) error {
	if quota <= 0 {
		return nil
	}
	if total-oldSize+usage(key, value) > quota {
		return ErrQuotaExceeded
	}
	return nil
}
