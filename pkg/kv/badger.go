package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store implementation backed by BadgerDB v4.
type Badger struct {
	db   *badger.DB
	opts *Options
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Options is the common kv options (separator, etc.).
	Options *Options

	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	// Useful for testing with a real badger engine.
	InMemory bool

	// Logger receives badger's internal warnings and errors. If nil,
	// slog.Default() is used. Info and debug output is always dropped.
	Logger *slog.Logger
}

// NewBadger creates a new BadgerDB-backed Store. Writes are synced to disk
// before Set returns, so a successful Set is a durability acknowledgement.
func NewBadger(bopts BadgerOptions) (*Badger, error) {
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(bopts.Dir)
	if bopts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	// Turn content is immutable once written; keep a single version.
	dbOpts = dbOpts.WithNumVersionsToKeep(1)
	if !bopts.InMemory {
		// A successful Set must be an ack of durability.
		dbOpts = dbOpts.WithSyncWrites(true)
	}
	logger := bopts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(slogLogger{logger})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, opts: bopts.Options}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	k := b.opts.encode(key)
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	k := b.opts.encode(key)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	k := b.opts.encode(key)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	return b.list(prefix, false)
}

func (b *Badger) ListReverse(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	return b.list(prefix, true)
}

func (b *Badger) list(prefix Key, reverse bool) iter.Seq2[Entry, error] {
	p := b.opts.encode(prefix)
	// Append separator so "a:b" prefix doesn't match "a:bc".
	var prefixBytes []byte
	if len(p) > 0 {
		prefixBytes = append(p, b.opts.sep())
	}

	return func(yield func(Entry, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefixBytes
			iterOpts.Reverse = reverse
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			seek := prefixBytes
			if reverse {
				// In reverse mode the seek key must sort after every key
				// under the prefix.
				seek = append(append([]byte{}, prefixBytes...), 0xFF)
			}
			for it.Seek(seek); it.ValidForPrefix(prefixBytes); it.Next() {
				item := it.Item()
				keyCopy := item.KeyCopy(nil)

				val, err := item.ValueCopy(nil)
				if err != nil {
					if !yield(Entry{}, err) {
						return nil
					}
					continue
				}

				entry := Entry{
					Key:   b.opts.decode(keyCopy),
					Value: val,
				}
				if !yield(entry, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) BatchDelete(_ context.Context, keys []Key) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		k := b.opts.encode(key)
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// slogLogger adapts a *slog.Logger to badger's Logger interface,
// suppressing info and debug level messages.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(f string, v ...interface{})   { s.l.Error(trimf(f, v...)) }
func (s slogLogger) Warningf(f string, v ...interface{}) { s.l.Warn(trimf(f, v...)) }
func (slogLogger) Infof(string, ...interface{})          {}
func (slogLogger) Debugf(string, ...interface{})         {}

// trimf formats like Sprintf and strips the trailing newline badger
// appends to its log lines.
func trimf(f string, v ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(f, v...), "\n")
}
