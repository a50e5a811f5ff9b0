package kvstore

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// NewBadgerStore opens a badger database in dir, an empty dir means in memory
func NewBadgerStore(dir string, logger *zap.Logger) (Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{
		sugar: logger.Named("badger").Sugar(),
	})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

type badgerStore struct {
	db *badger.DB
}

func (s *badgerStore) Update(fn func(txn Txn) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (s *badgerStore) View(fn func(txn Txn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(k string) (v string, ok bool) {
	i, err := t.txn.Get([]byte(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		panic(err)
	}
	err = i.Value(func(val []byte) error {
		v = string(val)
		return nil
	})
	if err != nil {
		panic(err)
	}
	return v, true
}

func (t *badgerTxn) Set(k string, v string) {
	err := t.txn.Set([]byte(k), []byte(v))
	if err != nil {
		panic(err)
	}
}

func (t *badgerTxn) Del(k string) {
	err := t.txn.Delete([]byte(k))
	if err != nil {
		panic(err)
	}
}

// badgerLogger writes the info logs of badger at debug level
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.sugar.Errorf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.sugar.Warnf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}
