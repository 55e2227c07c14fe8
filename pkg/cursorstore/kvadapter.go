// Copyright 2025 Certen Protocol
package cursorstore

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a cometbft-db database as a cursorstore.KV: nil on Get
// is "not present" (never an error), Set writes synchronously so a cursor
// advancement survives a crash immediately after the call returns.
type KVAdapter struct {
	db dbm.DB
}

func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	value, err := a.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kvadapter: get: %w", err)
	}
	return value, nil
}

func (a *KVAdapter) Set(key, value []byte) error {
	if err := a.db.SetSync(key, value); err != nil {
		return fmt.Errorf("kvadapter: set: %w", err)
	}
	return nil
}

// Delete removes key synchronously. Used by callers (e.g. deliveryqueue's
// durable store) that track a bounded set of outstanding keys rather than a
// single long-lived blob.
func (a *KVAdapter) Delete(key []byte) error {
	if err := a.db.DeleteSync(key); err != nil {
		return fmt.Errorf("kvadapter: delete: %w", err)
	}
	return nil
}

// OpenGoLevelDB opens (or creates) a goleveldb-backed cometbft-db database
// at dir/name.db.
func OpenGoLevelDB(name, dir string) (dbm.DB, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("kvadapter: open goleveldb %s/%s: %w", dir, name, err)
	}
	return db, nil
}
