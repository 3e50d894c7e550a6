package vldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
)

func newFlatDB(t *testing.T) *DB {
	t.Helper()
	backend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	manager, err := txn.NewFlatManager(backend, 64, nil)
	require.NoError(t, err)
	return NewDB(manager)
}

func newKVDB(t *testing.T) *DB {
	t.Helper()
	backend, err := storage.OpenKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	manager, err := txn.NewKVManager(backend, nil)
	require.NoError(t, err)
	return NewDB(manager)
}

func testCreateFindDelete(t *testing.T, db *DB) {
	e, err := db.Create(Entry{Name: "user.home"})
	require.NoError(t, err)
	require.NotZero(t, e.Ids[RWVol])

	byName, err := db.FindByName("user.home")
	require.NoError(t, err)
	require.Equal(t, e.Ids[RWVol], byName.Ids[RWVol])

	byID, err := db.FindById(e.Ids[RWVol])
	require.NoError(t, err)
	require.Equal(t, "user.home", byID.Name)

	_, err = db.FindByName("does.not.exist")
	require.Error(t, err)

	require.NoError(t, db.Delete(e.Ids[RWVol]))
	_, err = db.FindById(e.Ids[RWVol])
	require.Error(t, err)
}

func TestFlatStoreCreateFindDelete(t *testing.T) {
	testCreateFindDelete(t, newFlatDB(t))
}

func TestKVStoreCreateFindDelete(t *testing.T) {
	testCreateFindDelete(t, newKVDB(t))
}

func testList(t *testing.T, db *DB) {
	names := []string{"vol.a", "vol.b", "vol.c"}
	for _, n := range names {
		_, err := db.Create(Entry{Name: n})
		require.NoError(t, err)
	}
	entries, err := db.List()
	require.NoError(t, err)
	require.Len(t, entries, len(names))

	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.Name] = true
	}
	for _, n := range names {
		require.True(t, seen[n], "expected %s in listing", n)
	}
}

func TestFlatStoreList(t *testing.T) {
	testList(t, newFlatDB(t))
}

func TestKVStoreList(t *testing.T) {
	testList(t, newKVDB(t))
}

func testMultiHomeIds(t *testing.T, db *DB) {
	e, err := db.Create(Entry{Name: "proj.src"})
	require.NoError(t, err)
	rwID := e.Ids[RWVol]

	// Simulate assigning RO/BK ids after creation, the way the real
	// VLDB does once clones exist, by unthreading and rethreading with
	// the extra ids populated (ThreadVLentry always derives a fresh RW
	// id, so this models a create-then-clone sequence rather than an
	// in-place id assignment).
	require.NoError(t, db.Delete(rwID))
	e.Ids[RWVol] = 0
	e.Ids[ROVol] = 9001
	e.Ids[BKVol] = 9002
	created, err := db.Create(*e)
	require.NoError(t, err)

	byRO, err := db.FindById(9001)
	require.NoError(t, err)
	require.Equal(t, created.Ids[RWVol], byRO.Ids[RWVol])

	byBK, err := db.FindById(9002)
	require.NoError(t, err)
	require.Equal(t, created.Ids[RWVol], byBK.Ids[RWVol])
}

func TestFlatStoreMultiHomeIds(t *testing.T) {
	testMultiHomeIds(t, newFlatDB(t))
}

func TestKVStoreMultiHomeIds(t *testing.T) {
	testMultiHomeIds(t, newKVDB(t))
}

func testExtentBlockRoundTrip(t *testing.T, tx *txn.Txn) {
	store, err := Open(tx)
	require.NoError(t, err)

	block := make([]byte, extentSize)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, store.SetExtentBlock(1, block))

	got, err := store.ExtentBlock(1)
	require.NoError(t, err)
	require.Equal(t, block, got)

	h, err := store.ReadHeader()
	require.NoError(t, err)
	require.EqualValues(t, 1, h.SIT)
}

func TestFlatStoreExtentBlockRoundTrip(t *testing.T) {
	db := newFlatDB(t)
	tx, err := db.manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	defer tx.EndTrans()
	testExtentBlockRoundTrip(t, tx)
}

func TestKVStoreExtentBlockRoundTrip(t *testing.T) {
	db := newKVDB(t)
	tx, err := db.manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	defer tx.EndTrans()
	testExtentBlockRoundTrip(t, tx)
}
