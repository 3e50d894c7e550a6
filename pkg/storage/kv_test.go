package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/uversion"
)

func TestKVStoreLabelDefaultsToInitial(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	v, err := s.GetLabel()
	require.NoError(t, err)
	require.Equal(t, uversion.Initial, v)
}

func TestKVStoreSetLabelRoundTrip(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	target := uversion.Version{Epoch: 5, Counter: 2}
	require.NoError(t, s.SetLabel(target))

	v, err := s.GetLabel()
	require.NoError(t, err)
	require.Equal(t, target, v)
}

func TestKVTxPutGetDeleteAndReplaceGuard(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.BeginTx(true)
	require.NoError(t, err)

	require.NoError(t, tx.Put([]byte("k1"), []byte("v1"), false))

	// Refusing to clobber an existing key when replace=false.
	require.Error(t, tx.Put([]byte("k1"), []byte("v2"), false))
	require.NoError(t, tx.Put([]byte("k1"), []byte("v2"), true))

	got, err := tx.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	_, err = tx.Get([]byte("missing"))
	require.Error(t, err)

	require.NoError(t, tx.Delete([]byte("k1")))
	_, err = tx.Get([]byte("k1"))
	require.Error(t, err)

	require.NoError(t, tx.Commit())
}

func TestKVTxNextIteratesInKeyOrder(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, tx.Put([]byte(k), []byte(k+"-val"), false))
	}
	require.NoError(t, tx.Commit())

	readTx, err := s.BeginTx(false)
	require.NoError(t, err)
	defer readTx.Abort()

	var order []string
	k, v, err := readTx.Next(nil)
	require.NoError(t, err)
	for k != nil {
		if len(k) > 0 && k[0] == ReservedPrefix {
			// OpenKVStore's own label key (spec's reserved-prefix
			// metadata slot) sorts ahead of ordinary application keys.
			k, v, err = readTx.Next(k)
			require.NoError(t, err)
			continue
		}
		order = append(order, string(k))
		require.Equal(t, string(k)+"-val", string(v))
		k, v, err = readTx.Next(k)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestKVTxAbortDiscardsWrites(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, tx.Abort())

	readTx, err := s.BeginTx(false)
	require.NoError(t, err)
	defer readTx.Abort()
	_, err = readTx.Get([]byte("k"))
	require.Error(t, err)
}

func TestKVStoreKind(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, KV, s.Kind())
}

func TestKVTxNextResumesPastDeletedCursor(t *testing.T) {
	s, err := OpenKVStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tx.Put([]byte(k), []byte(k), false))
	}
	require.NoError(t, tx.Commit())

	// Resuming from a cursor key that has since been deleted must not
	// skip the key that took its ordinal place.
	tx2, err := s.BeginTx(true)
	require.NoError(t, err)
	require.NoError(t, tx2.Delete([]byte("b")))
	k, _, err := tx2.Next([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "c", string(k))
	require.NoError(t, tx2.Commit())
}
