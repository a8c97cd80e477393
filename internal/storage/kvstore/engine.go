package kvstore

import "errors"

// ErrNotFound is returned by Engine.Get for absent keys
var ErrNotFound = errors.New("key not found")

// Mutation is one write of a batch
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Engine is the ordered key-value store underneath Store
type Engine interface {
	// Get returns a copy of the value stored under key
	Get(key []byte) ([]byte, error)

	// Scan visits keys with prefix, in order, starting at the first key
	// >= start, until fn returns false. Keys and values are copies.
	Scan(prefix, start []byte, fn func(key, value []byte) bool) error

	// Write applies the mutations atomically and durably
	Write(batch []Mutation) error

	// DeletePrefix removes every key with prefix
	DeletePrefix(prefix []byte) error

	Close() error
}

// prefixEnd returns the smallest key greater than every key with prefix
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
