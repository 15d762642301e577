package provider

import (
	"context"
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// BadgerOptions configures a BadgerStore
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore persists values in a badger database
type BadgerStore struct {
	db     *badgerdb.DB
	logger *zap.Logger
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens the database at opts.Path, or an in-memory database
// when opts.InMemory is set.
func NewBadgerStore(opts BadgerOptions, logger *zap.Logger) (*BadgerStore, error) {
	var dbOpts badgerdb.Options
	if opts.InMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("badger path must not be empty")
		}
		if err := os.MkdirAll(opts.Path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		dbOpts = badgerdb.DefaultOptions(opts.Path)
	}
	dbOpts.SyncWrites = opts.SyncWrites
	dbOpts.Logger = &badgerLogger{logger.Sugar().With("component", "badger")}
	dbOpts.NumCompactors = 2
	dbOpts.BlockCacheSize = 32 << 20
	dbOpts.IndexCacheSize = 16 << 20

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	logger.Info("Opened badger store",
		zap.String("path", opts.Path),
		zap.Bool("in_memory", opts.InMemory))
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

func (s *BadgerStore) Set(_ context.Context, key, value []byte) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, key []byte) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger adapts zap to badger.Logger
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
