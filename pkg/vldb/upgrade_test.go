package vldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
)

func TestUpgradeFlatToKV(t *testing.T) {
	srcBackend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer srcBackend.Close()
	srcManager, err := txn.NewFlatManager(srcBackend, 64, nil)
	require.NoError(t, err)
	srcDB := NewDB(srcManager)

	for _, n := range []string{"root.cell", "user.alice", "user.bob"} {
		_, err := srcDB.Create(Entry{Name: n})
		require.NoError(t, err)
	}

	dstBackend, err := storage.OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer dstBackend.Close()
	dstManager, err := txn.NewKVManager(dstBackend, nil)
	require.NoError(t, err)

	srcVersion := srcManager.Version()
	newVersion, err := Upgrade(srcManager, dstManager)
	require.NoError(t, err)
	require.Equal(t, srcVersion.Epoch+1, newVersion.Epoch)
	require.Equal(t, dstManager.Version(), newVersion)

	dstDB := NewDB(dstManager)
	entries, err := dstDB.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	e, err := dstDB.FindByName("user.alice")
	require.NoError(t, err)
	require.Equal(t, "user.alice", e.Name)
}

func TestUpgradeCopiesExtentBlock(t *testing.T) {
	srcBackend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer srcBackend.Close()
	srcManager, err := txn.NewFlatManager(srcBackend, 64, nil)
	require.NoError(t, err)

	tx, err := srcManager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	store, err := Open(tx)
	require.NoError(t, err)
	block := make([]byte, extentSize)
	block[0] = 0xAB
	require.NoError(t, store.SetExtentBlock(1, block))
	require.NoError(t, tx.EndTrans())

	dstBackend, err := storage.OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer dstBackend.Close()
	dstManager, err := txn.NewKVManager(dstBackend, nil)
	require.NoError(t, err)

	_, err = Upgrade(srcManager, dstManager)
	require.NoError(t, err)

	dtx, err := dstManager.BeginTrans(txn.ReadMode, txn.ReadAnyOK)
	require.NoError(t, err)
	defer dtx.EndTrans()
	dstStore, err := Open(dtx)
	require.NoError(t, err)
	got, err := dstStore.ExtentBlock(1)
	require.NoError(t, err)
	require.Equal(t, block, got)
}
