package vldb

import (
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/uversion"
)

// DB is the application-facing handle spec §4.9 describes as sitting
// "on top of Ubik": every operation opens a *txn.Txn against manager,
// dispatches to the matching Store implementation, and commits or
// aborts it, so VLDB's correctness rides entirely on Ubik's
// transaction contract rather than maintaining storage of its own.
type DB struct {
	manager *txn.Manager
}

// NewDB wraps manager, an already-open Ubik database of either
// back-end kind.
func NewDB(manager *txn.Manager) *DB { return &DB{manager: manager} }

// Create threads a new volume entry into the database, assigning it a
// fresh RW id, and returns the stored entry (with its id populated).
func (d *DB) Create(e Entry) (*Entry, error) {
	tx, err := d.manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	if err != nil {
		return nil, err
	}
	store, err := Open(tx)
	if err != nil {
		_ = tx.AbortTrans()
		return nil, err
	}
	ce := e
	if err := store.ThreadVLentry(&ce); err != nil {
		_ = tx.AbortTrans()
		return nil, err
	}
	if err := tx.EndTrans(); err != nil {
		return nil, err
	}
	return &ce, nil
}

// Delete unthreads the entry owning rwID.
func (d *DB) Delete(rwID uint32) error {
	tx, err := d.manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	if err != nil {
		return err
	}
	store, err := Open(tx)
	if err != nil {
		_ = tx.AbortTrans()
		return err
	}
	if err := store.UnthreadVLentry(rwID); err != nil {
		_ = tx.AbortTrans()
		return err
	}
	return tx.EndTrans()
}

// FindById reads the entry owning id as any of its RW/RO/BK ids, in a
// read-only transaction.
func (d *DB) FindById(id uint32) (*Entry, error) {
	timer := umetrics.NewTimer()
	defer timer.ObserveDuration(umetrics.VLDBLookupDuration)
	tx, err := d.manager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	if err != nil {
		return nil, err
	}
	defer tx.EndTrans()
	store, err := Open(tx)
	if err != nil {
		return nil, err
	}
	return store.FindById(id)
}

// FindByName reads the entry by volume name, in a read-only
// transaction.
func (d *DB) FindByName(name string) (*Entry, error) {
	timer := umetrics.NewTimer()
	defer timer.ObserveDuration(umetrics.VLDBLookupDuration)
	tx, err := d.manager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	if err != nil {
		return nil, err
	}
	defer tx.EndTrans()
	store, err := Open(tx)
	if err != nil {
		return nil, err
	}
	return store.FindByName(name)
}

// List returns every live entry in storage order, in a single
// read-only transaction.
func (d *DB) List() ([]*Entry, error) {
	tx, err := d.manager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	if err != nil {
		return nil, err
	}
	defer tx.EndTrans()
	store, err := Open(tx)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	var cursor uint64
	for {
		e, next, err := store.NextEntry(cursor)
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		out = append(out, e)
		cursor = next
	}
	return out, nil
}

// Version returns the underlying database's committed version.
func (d *DB) Version() uversion.Version { return d.manager.Version() }
