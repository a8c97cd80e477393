package kvstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// badgerEngine stores keys in a badger database
type badgerEngine struct {
	db *badger.DB
}

// badgerLogger routes badger's logging through zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// OpenBadger opens (or creates) a badger database in dir. An empty dir
// opens an in-memory database.
func OpenBadger(dir string, logger *zap.Logger) (Engine, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	return &badgerEngine{db: db}, nil
}

func (e *badgerEngine) Get(key []byte) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (e *badgerEngine) Scan(prefix, start []byte, fn func(key, value []byte) bool) error {
	return e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := start
		if seek == nil {
			seek = prefix
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), value) {
				return nil
			}
		}
		return nil
	})
}

func (e *badgerEngine) Write(batch []Mutation) error {
	return e.db.Update(func(txn *badger.Txn) error {
		for _, m := range batch {
			var err error
			if m.Delete {
				err = txn.Delete(m.Key)
			} else {
				err = txn.Set(m.Key, m.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) DeletePrefix(prefix []byte) error {
	return e.db.DropPrefix(prefix)
}

func (e *badgerEngine) Close() error {
	return e.db.Close()
}
