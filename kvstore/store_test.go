package kvstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStores(t *testing.T) map[string]Store {
	inMemBadger, err := NewBadgerStore("", zap.NewNop())
	require.Equal(t, nil, err)

	diskBadger, err := NewBadgerStore(t.TempDir(), zap.NewNop())
	require.Equal(t, nil, err)

	stores := map[string]Store{
		"mem":          NewMemStore(),
		"badger-inmem": inMemBadger,
		"badger-disk":  diskBadger,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func getValue(t *testing.T, s Store, k string) (string, bool) {
	var v string
	var ok bool
	err := s.View(func(txn Txn) error {
		v, ok = txn.Get(k)
		return nil
	})
	require.Equal(t, nil, err)
	return v, ok
}

func TestStore(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok := getValue(t, s, "x")
			assert.Equal(t, false, ok)

			err := s.Update(func(txn Txn) error {
				txn.Set("x", "1")
				txn.Set("y", "2")
				v, ok := txn.Get("x")
				assert.Equal(t, true, ok)
				assert.Equal(t, "1", v)
				return nil
			})
			assert.Equal(t, nil, err)

			v, ok := getValue(t, s, "x")
			assert.Equal(t, true, ok)
			assert.Equal(t, "1", v)

			err = s.Update(func(txn Txn) error {
				txn.Del("y")
				return nil
			})
			assert.Equal(t, nil, err)

			_, ok = getValue(t, s, "y")
			assert.Equal(t, false, ok)
		})
	}
}

func TestStore__Update_Error_Discards_Changes(t *testing.T) {
	testErr := errors.New("test error")

	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(func(txn Txn) error {
				txn.Set("x", "1")
				return testErr
			})
			assert.Equal(t, testErr, err)

			_, ok := getValue(t, s, "x")
			assert.Equal(t, false, ok)
		})
	}
}
