package quorum

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/urpc"
	"github.com/cuemby/ubik/pkg/uversion"
	"github.com/cuemby/ubik/pkg/vote"
)

// writeOnPeer commits data at pos 0 on p's database through its own
// (standalone) transaction layer.
func writeOnPeer(t *testing.T, p *peerNode, data string) {
	t.Helper()
	tx, err := p.manager.BeginTrans(txn.WriteMode, txn.ReadAnyNone)
	require.NoError(t, err)
	require.NoError(t, tx.Write(storage.DataFile, 0, []byte(data)))
	require.NoError(t, tx.EndTrans())
}

func TestGetVersionReportsPeerLabel(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000")
	writeOnPeer(t, peers[0], "hi")

	v, err := d.GetVersion(context.Background(), peers[0].desc)
	require.NoError(t, err)
	require.Equal(t, peers[0].manager.Version(), v)
}

func TestFetchFile2RoundTrip(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000")
	writeOnPeer(t, peers[0], "world")

	data, version, err := d.FetchFile2(context.Background(), peers[0].desc)
	require.NoError(t, err)
	require.Equal(t, peers[0].manager.Version(), version)

	backend, err := storage.OpenFlatStore(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	m, err := txn.NewFlatManager(backend, 16, nil)
	require.NoError(t, err)

	require.NoError(t, m.InstallSnapshot(data, version, ""))
	require.Equal(t, version, m.Version())

	rtx, err := m.BeginTrans(txn.ReadMode, txn.ReadAnyNone)
	require.NoError(t, err)
	got, err := rtx.Read(storage.DataFile, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
	require.NoError(t, rtx.EndTrans())
}

func TestFetchFileOldProtocolRoundTrip(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000")
	writeOnPeer(t, peers[0], "old")

	data, version, err := d.FetchFile(context.Background(), peers[0].desc)
	require.NoError(t, err)
	require.Equal(t, peers[0].manager.Version(), version)
	require.NotEmpty(t, data)
}

func TestFetchFileTruncatedStreamFails(t *testing.T) {
	tr := newMemTransport()
	table := tr.addNode("10.0.0.9:7000")
	// A server that dies after the data frame, before the label: the
	// fetch must fail rather than install unlabelled bytes.
	table.HandleStream(MethodGetFile, func(_ context.Context, s urpc.Stream) error {
		return s.WriteFrame([]byte("junk"))
	})

	desc := &vote.ServerDescriptor{Addrs: []string{"10.0.0.9:7000"}}
	zero := func() uversion.Version { return uversion.Version{} }
	protocol := vote.New("10.0.0.1:7000", []*vote.ServerDescriptor{desc}, tr, zero, zero)
	d := NewDispatcher(protocol, []*vote.ServerDescriptor{desc}, tr)

	_, _, err := d.FetchFile(context.Background(), desc)
	require.Error(t, err)
}

func TestSendSnapshotInstallsOnPeer(t *testing.T) {
	tr := newMemTransport()
	d, peers := newCluster(t, tr, "10.0.0.2:7000", "10.0.0.3:7000")
	source, stale := peers[0], peers[1]
	writeOnPeer(t, source, "fresh")

	data, version, err := source.manager.ExportSnapshot()
	require.NoError(t, err)

	require.NoError(t, d.SendSnapshotTo(context.Background(), stale.desc, data, version))
	require.Equal(t, version, stale.manager.Version())

	rtx, err := stale.manager.BeginTrans(txn.ReadMode, txn.ReadAnyNone)
	require.NoError(t, err)
	got, err := rtx.Read(storage.DataFile, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "fresh", string(got))
	require.NoError(t, rtx.EndTrans())
}
