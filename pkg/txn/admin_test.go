package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uversion"
)

func newFlatManager(t *testing.T) *Manager {
	t.Helper()
	backend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	m, err := NewFlatManager(backend, 16, nil)
	require.NoError(t, err)
	return m
}

func TestKindReportsBackend(t *testing.T) {
	m := newFlatManager(t)
	require.Equal(t, storage.Flat, m.Kind())
}

func TestRelabelAfterQuorumOnlyAppliesOnce(t *testing.T) {
	m := newFlatManager(t)
	require.Equal(t, uversion.Initial, m.Version())

	old, newV, relabeled, err := m.RelabelAfterQuorum()
	require.NoError(t, err)
	require.True(t, relabeled)
	require.Equal(t, uversion.Initial, old)
	require.Equal(t, uversion.RelabelAfterQuorum, newV)
	require.Equal(t, uversion.RelabelAfterQuorum, m.Version())

	// Already past (1,1): no-op.
	old2, newV2, relabeled2, err := m.RelabelAfterQuorum()
	require.NoError(t, err)
	require.False(t, relabeled2)
	require.Equal(t, uversion.RelabelAfterQuorum, old2)
	require.Equal(t, uversion.RelabelAfterQuorum, newV2)
}

func TestRelabelToPinsExactVersion(t *testing.T) {
	m := newFlatManager(t)
	target := uversion.Version{Epoch: 9, Counter: 3}
	require.NoError(t, m.RelabelTo(target))
	require.Equal(t, target, m.Version())
}

func TestAbortActiveNoopWithoutWrite(t *testing.T) {
	m := newFlatManager(t)
	require.NoError(t, m.AbortActive())
}

func TestBeginSendingAndReceivingAreMutuallyExclusive(t *testing.T) {
	m := newFlatManager(t)

	require.NoError(t, m.BeginSending())
	require.Error(t, m.BeginReceiving(), "receiving must not start while sending is in flight")
	m.EndSending()

	require.NoError(t, m.BeginReceiving())
	require.Error(t, m.BeginSending(), "sending must not start while receiving is in flight")
	m.EndReceiving()

	// Both cleared: either can start again.
	require.NoError(t, m.BeginSending())
	m.EndSending()
}

func TestBeginSendingConflictsWithActiveWrite(t *testing.T) {
	m := newFlatManager(t)
	tx, err := m.BeginTrans(WriteMode, ReadAnyNone)
	require.NoError(t, err)
	defer tx.EndTrans()

	require.Error(t, m.BeginSending(), "sending must not start while a write transaction is active")
}
