package vldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
)

func TestCheckCleanDatabase(t *testing.T) {
	db := newFlatDB(t)
	for _, n := range []string{"a.1", "a.2"} {
		_, err := db.Create(Entry{Name: n})
		require.NoError(t, err)
	}

	tx, err := db.manager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	require.NoError(t, err)
	defer tx.EndTrans()

	report := Check(tx, false)
	require.NoError(t, report.Fatal)
	require.Empty(t, report.Errors)
	require.Empty(t, report.Warnings)
	require.Equal(t, 2, report.Entries)
}

func TestCheckFixesStaleTotals(t *testing.T) {
	backend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer backend.Close()
	manager, err := txn.NewFlatManager(backend, 64, nil)
	require.NoError(t, err)
	db := NewDB(manager)

	_, err = db.Create(Entry{Name: "a.1"})
	require.NoError(t, err)

	// Corrupt the header's RW total directly, the way a crash between
	// ThreadVLentry's writeEntry and WriteHeader could leave it.
	tx, err := manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	store, err := Open(tx)
	require.NoError(t, err)
	h, err := store.ReadHeader()
	require.NoError(t, err)
	h.Totals[RWVol] = 99
	require.NoError(t, store.WriteHeader(h))
	require.NoError(t, tx.EndTrans())

	checkTx, err := manager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	require.NoError(t, err)
	report := Check(checkTx, false)
	require.NoError(t, checkTx.EndTrans())
	require.Len(t, report.Warnings, 1)
	require.Empty(t, report.Errors)

	fixTx, err := manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	fixed := Check(fixTx, true)
	require.NoError(t, fixTx.EndTrans())
	require.Len(t, fixed.Warnings, 1)

	verifyTx, err := manager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	require.NoError(t, err)
	defer verifyTx.EndTrans()
	clean := Check(verifyTx, false)
	require.Empty(t, clean.Warnings)
	require.Empty(t, clean.Errors)
}
