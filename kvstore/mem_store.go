package kvstore

import (
	"maps"
	"sync"
)

func NewMemStore() Store {
	return &memStore{
		store: make(map[string]string),
	}
}

type memStore struct {
	mu    sync.RWMutex
	store map[string]string
}

type memTxn struct {
	store    map[string]string
	readOnly bool
}

func (m *memStore) Update(fn func(txn Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &memTxn{store: maps.Clone(m.store)}
	if err := fn(txn); err != nil {
		return err
	}
	m.store = txn.store
	return nil
}

func (m *memStore) View(fn func(txn Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{store: m.store, readOnly: true})
}

func (m *memStore) Close() error {
	return nil
}

func (t *memTxn) Get(k string) (v string, ok bool) {
	v, ok = t.store[k]
	return v, ok
}

func (t *memTxn) Set(k string, v string) {
	AssertTrue(!t.readOnly)
	t.store[k] = v
}

func (t *memTxn) Del(k string) {
	AssertTrue(!t.readOnly)
	delete(t.store, k)
}

func AssertTrue(b bool) {
	if !b {
		panic("must be true here")
	}
}
