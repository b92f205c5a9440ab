// Package kvdb adapts CometBFT's dbm.DB to the narrow key-value contracts
// the trust-fabric stores declare (ledger.KV, gospel.KV, and the bunker's
// iterable slice), keeping the storage dependency in one place.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a CometBFT dbm.DB behind Get/Set/Delete/Iterator.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter wraps db. With a nil db, Get returns nil, Set and Delete do
// nothing, and Iterator returns a nil iterator.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get returns the value for key, or nil when the key is absent — the
// stores treat nil as "not present".
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Get(key)
}

// Set writes key durably (SetSync), so a torn append is never partially
// visible after an unclean shutdown.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Delete removes key from the underlying store. A nil db is a no-op.
func (a *KVAdapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}

// Iterator returns a forward iterator over [start, end) on the underlying
// store. Callers must Close() the returned iterator.
func (a *KVAdapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Iterator(start, end)
}
