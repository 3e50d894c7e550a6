package quorum

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

func TestWriteTransactionReplicatesToQuorum(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000", "10.0.0.3:7000")

	backend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "sync"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	m, err := txn.NewFlatManager(backend, 16, syncDispatcher{d})
	require.NoError(t, err)

	tx, err := m.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	require.NoError(t, tx.Write(storage.DataFile, 0, []byte("hello")))
	require.NoError(t, tx.EndTrans())

	v := m.Version()
	require.True(t, v.IsReal(), "commit must mint a real (epoch>1) version")

	for _, p := range peers {
		require.Equal(t, v, p.manager.Version(), "peer %s must be stamped with the committed version", p.addr)
		rtx, err := p.manager.BeginTrans(txn.ReadMode, txn.ReadAnyNone)
		require.NoError(t, err)
		got, err := rtx.Read(storage.DataFile, 0, 5)
		require.NoError(t, err)
		require.Equal(t, "hello", string(got))
		require.NoError(t, rtx.EndTrans())
	}
}

func TestBeginFailsWithoutQuorum(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000", "10.0.0.3:7000")
	tr.setDown("10.0.0.2:7000", true)
	tr.setDown("10.0.0.3:7000", true)

	var mu sync.Mutex
	var lost []string
	d.OnLostServer = func(s *vote.ServerDescriptor) {
		mu.Lock()
		lost = append(lost, s.Primary())
		mu.Unlock()
	}

	err := d.Begin(uversion.Version{Epoch: 2, Counter: 2})
	require.True(t, uerrors.Is(err, uerrors.UNOQUORUM), "got %v", err)

	for _, p := range peers {
		snap := p.desc.Snapshot()
		require.False(t, snap.Up)
		require.False(t, snap.BeaconSinceDown)
		require.False(t, snap.CurrentDB)
		require.False(t, snap.DownSince.IsZero(), "MarkDown must stamp the silence window start")
	}
	mu.Lock()
	require.Len(t, lost, 2)
	mu.Unlock()
}

func TestBeginToleratesMinorityFailure(t *testing.T) {
	tr := newMemTransport()
	d, _ := newCluster(t, tr, "10.0.0.2:7000", "10.0.0.3:7000")
	tr.setDown("10.0.0.2:7000", true)

	tid := uversion.Version{Epoch: 2, Counter: 2}
	require.NoError(t, d.Begin(tid), "one ok peer plus self still makes quorum of 2")

	// The failed peer is now ineligible: the next call skips it
	// entirely rather than re-dialing a known-down address.
	require.NoError(t, d.WriteV(tid, []txn.WriteOp{{File: storage.DataFile, Pos: 0, Data: []byte("x")}}))
	require.Equal(t, 1, tr.callCount("10.0.0.2:7000", MethodBegin))
	require.Equal(t, 0, tr.callCount("10.0.0.2:7000", MethodWriteV))
}

func TestClonesAndUnvotedPeersAreSkipped(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000", "10.0.0.3:7000")
	peers[0].desc.Clone = true
	peers[1].desc.RecordVote(false, time.Time{}, true, uversion.Version{})

	// Quorum over {self, clone-excluded peer set} is 2; with the only
	// voting peer having last said no, Begin cannot reach it.
	err := d.Begin(uversion.Version{Epoch: 2, Counter: 2})
	require.True(t, uerrors.Is(err, uerrors.UNOQUORUM))
	require.Equal(t, 0, tr.callCount("10.0.0.2:7000", MethodBegin), "clones never receive DISK_* calls")
	require.Equal(t, 0, tr.callCount("10.0.0.3:7000", MethodBegin), "a peer that has not voted yes is not contacted")
}

func TestCommitIsBestEffort(t *testing.T) {
	tr := newMemTransport()
	d, _ := newCluster(t, tr, "10.0.0.2:7000")
	tid := uversion.Version{Epoch: 2, Counter: 2}
	require.NoError(t, d.Begin(tid))

	tr.setDown("10.0.0.2:7000", true)
	require.NoError(t, d.Commit(tid, uversion.Version{Epoch: 2, Counter: 4}),
		"a peer missing Commit falls behind; it does not fail the local commit")
}

func TestReleaseLocksSkipsLapsedSilenceWindows(t *testing.T) {
	tr := newMemTransport()
	d, _ := newCluster(t, tr, "10.0.0.2:7000")

	// A peer that has been down for longer than BigTime can no longer
	// demand a missed commit; the cool-down must not wait on it.
	d.servers[0].Up = false
	d.servers[0].DownSince = time.Now().Add(-2 * vote.BigTime)

	start := time.Now()
	require.NoError(t, d.ReleaseLocks(uversion.Version{Epoch: 2, Counter: 2}))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRemoteCommitStampsPeerVersion(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000")

	tid := uversion.Version{Epoch: 5, Counter: 2}
	newV := uversion.Version{Epoch: 5, Counter: 4}
	require.NoError(t, d.Begin(tid))
	require.NoError(t, d.WriteV(tid, []txn.WriteOp{{File: storage.DataFile, Pos: 0, Data: []byte("abcd")}}))
	require.NoError(t, d.Commit(tid, newV))

	require.Equal(t, newV, peers[0].manager.Version())
}

func TestStaleRemoteTransactionIsForceAborted(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000")

	// A sync site crashes after Begin: the backup is left with an open
	// remote transaction nothing will ever commit.
	stale := uversion.Version{Epoch: 5, Counter: 2}
	require.NoError(t, d.Begin(stale))

	// A new Begin (fresh epoch after re-election) must displace it.
	fresh := uversion.Version{Epoch: 6, Counter: 2}
	require.NoError(t, d.Begin(fresh))
	require.NoError(t, d.WriteV(fresh, []txn.WriteOp{{File: storage.DataFile, Pos: 0, Data: []byte("ok")}}))
	require.NoError(t, d.Commit(fresh, uversion.Version{Epoch: 6, Counter: 4}))
	require.Equal(t, uversion.Version{Epoch: 6, Counter: 4}, peers[0].manager.Version())
}

func TestBulkInvocationRejectedBeforeAnyRPC(t *testing.T) {
	tr := newMemTransport()
	servers := make([]*vote.ServerDescriptor, 0, BulkMaxCalls+1)
	for i := 0; i < BulkMaxCalls+1; i++ {
		servers = append(servers, &vote.ServerDescriptor{
			Addrs:           []string{fmt.Sprintf("10.0.1.%d:7000", i+1)},
			Up:              true,
			CurrentDB:       true,
			BeaconSinceDown: true,
			LastVote:        true,
		})
	}
	zero := func() uversion.Version { return uversion.Version{} }
	protocol := vote.New("10.0.0.1:7000", servers, tr, zero, zero)
	d := NewDispatcher(protocol, servers, tr)

	err := d.Begin(uversion.Version{Epoch: 2, Counter: 2})
	require.True(t, uerrors.Is(err, uerrors.UIOERROR), "got %v", err)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Empty(t, tr.calls, "the ceiling must reject before any RPC goes out")
}
