package kvstore

type Txn interface {
	Get(k string) (v string, ok bool)
	Set(k string, v string)
	Del(k string)
}

// Store - threadsafe store of the applied key values
type Store interface {
	// Update runs fn in a read write transaction, changes are discarded when fn returns an error
	Update(fn func(txn Txn) error) error

	// View runs fn in a read only transaction
	View(fn func(txn Txn) error) error

	Close() error
}
