// Package badgerdb provides a BadgerDB-backed store.Backend for single-node
// deployments that need state to survive restarts without a NATS server.
package badgerdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/store"
	"github.com/arloliu/vigil/types"
)

// keySep separates namespace and key; namespaces never contain NUL.
const keySep = 0

// Backend persists records in a BadgerDB database.
type Backend struct {
	db     *badger.DB
	ownsDB bool
}

var _ store.Backend = (*Backend)(nil)

// Open opens (or creates) a database directory.
//
// An empty dir opens an in-memory database, which is useful in tests.
//
// Parameters:
//   - dir: Database directory, or "" for in-memory
//   - logger: Receives badger's internal log lines (nil discards them)
//
// Returns:
//   - *Backend: Backend owning the database; Close closes it
//   - error: Open error
//
// Example:
//
//	backend, err := badgerdb.Open("/var/lib/vigil", logger)
//	if err != nil {
//	    return err
//	}
//	st, err := store.Open(ctx, backend)
func Open(dir string, logger types.Logger) (*Backend, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{logger: logging.OrNop(logger)}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}

	return &Backend{db: db, ownsDB: true}, nil
}

// New wraps a database opened by the caller. Close does not close db.
func New(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func encodeKey(ns, key string) []byte {
	buf := make([]byte, 0, len(ns)+1+len(key))
	buf = append(buf, ns...)
	buf = append(buf, keySep)
	buf = append(buf, key...)

	return buf
}

func decodeKey(raw []byte) (ns, key string, ok bool) {
	idx := bytes.IndexByte(raw, keySep)
	if idx < 0 {
		return "", "", false
	}

	return string(raw[:idx]), string(raw[idx+1:]), true
}

// Put stores data under (ns, key).
func (b *Backend) Put(ctx context.Context, ns, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(ns, key), data)
	})
}

// Delete removes (ns, key).
func (b *Backend) Delete(ctx context.Context, ns, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(encodeKey(ns, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}

		return err
	})
}

// Scan calls fn for every stored record in key order.
func (b *Backend) Scan(ctx context.Context, fn func(ns, key string, data []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			ns, key, ok := decodeKey(item.Key())
			if !ok {
				continue
			}

			data, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s/%s: %w", ns, key, err)
			}
			if err := fn(ns, key, data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the database if the backend opened it.
func (b *Backend) Close() error {
	if !b.ownsDB {
		return nil
	}

	return b.db.Close()
}

// badgerLogger routes badger's printf-style logging into a types.Logger.
type badgerLogger struct {
	logger types.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug("badger: " + trimNewline(fmt.Sprintf(format, args...)))
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}

	return s
}
