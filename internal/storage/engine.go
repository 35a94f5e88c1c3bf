package storage

import (
	"bytes"

	"github.com/cockroachdb/errors"
)

// ErrEngineKeyNotFound is returned by engines when a raw key is absent.
var ErrEngineKeyNotFound = errors.New("engine: key not found")

// ErrClosed indicates that the engine was closed
var ErrClosed = errors.New("engine: closed")

// Engine is an ordered byte-keyed store that the Record Store is layered on.
// All implementations must be safe for concurrent use.
type Engine interface {
	// Get returns a copy of the value stored under key or
	// ErrEngineKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores value under key. The write is atomic: readers observe
	// either the previous value or the new one.
	Set(key, value []byte) error

	// Delete removes key. No error if the key doesn't exist.
	Delete(key []byte) error

	// DeletePrefix removes every key that starts with prefix.
	DeletePrefix(prefix []byte) error

	// Scan visits keys that start with prefix and sort strictly after the
	// given key (nil means from the beginning of the prefix) in ascending
	// byte order. Key and value slices are only valid during the callback.
	// Returning false stops the scan.
	Scan(prefix, after []byte, fn func(key, value []byte) bool) error

	// Stats returns storage statistics
	Stats() EngineStats

	// Close releases engine resources
	Close() error
}

// EngineStats contains statistics about an engine
type EngineStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists (prefix is all 0xff).
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// scanStart returns the first key a scan must consider.
func scanStart(prefix, after []byte) []byte {
	if after == nil || bytes.Compare(after, prefix) < 0 {
		return prefix
	}
	// the immediate successor of after in byte order
	return append(append([]byte(nil), after...), 0)
}
