package kvstore

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// pebbleEngine stores keys in a pebble database
type pebbleEngine struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble database in dir
func OpenPebble(dir string) (Engine, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %q: %w", dir, err)
	}
	return &pebbleEngine{db: db}, nil
}

func (e *pebbleEngine) Get(key []byte) ([]byte, error) {
	value, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (e *pebbleEngine) Scan(prefix, start []byte, fn func(key, value []byte) bool) error {
	lower := start
	if lower == nil {
		lower = prefix
	}
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}

	for valid := it.First(); valid; valid = it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		if !fn(key, value) {
			break
		}
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	return it.Close()
}

func (e *pebbleEngine) Write(batch []Mutation) error {
	b := e.db.NewBatch()
	defer b.Close()
	for _, m := range batch {
		var err error
		if m.Delete {
			err = b.Delete(m.Key, nil)
		} else {
			err = b.Set(m.Key, m.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (e *pebbleEngine) DeletePrefix(prefix []byte) error {
	return e.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync)
}

func (e *pebbleEngine) Close() error {
	return e.db.Close()
}
