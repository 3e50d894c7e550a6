package freeze

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

type stubDB struct {
	version   uversion.Version
	sending   bool
	installed []byte
	backup    string
}

func (s *stubDB) Version() uversion.Version { return s.version }

func (s *stubDB) BeginSending() error {
	if s.sending {
		return uerrors.New(uerrors.USYNC, "conflicting operation in flight")
	}
	s.sending = true
	return nil
}

func (s *stubDB) EndSending() { s.sending = false }

func (s *stubDB) InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error {
	s.installed = append([]byte(nil), data...)
	s.version = version
	s.backup = backupSuffix
	return nil
}

type stubChecker struct{ sync, advertised bool }

func (c stubChecker) AmSyncSite() bool         { return c.sync }
func (c stubChecker) SyncSiteAdvertised() bool { return c.advertised }

type stubDistributor struct{ calls int }

func (d *stubDistributor) Redistribute(context.Context) { d.calls++ }

func newTestManager(db *stubDB) (*Manager, *stubDistributor) {
	dist := &stubDistributor{}
	return New(db, stubChecker{sync: true, advertised: true}, dist, "/var/lib/ubik/vl.DB0", "VL"), dist
}

func TestFreezeBeginIssuesLease(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 60000)
	require.NoError(t, err)
	require.NotEmpty(t, lease.ID)
	require.Equal(t, db.version, lease.Version)
	require.Equal(t, "/var/lib/ubik/vl.DB0", lease.DBPath)
	require.True(t, db.sending, "FreezeBegin must bracket the database with DBSENDING")

	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, lease.ID, active.ID)
}

func TestFreezeBeginRejectsReentry(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	_, err := m.FreezeBegin(false, false, 0)
	require.NoError(t, err)

	_, err = m.FreezeBegin(false, false, 0)
	require.True(t, uerrors.Is(err, uerrors.USYNC), "re-entry while a freeze is active returns USYNC")
}

func TestFreezeBeginNeedSyncRequiresSyncSite(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	dist := &stubDistributor{}
	m := New(db, stubChecker{sync: false}, dist, "/db", "VL")

	_, err := m.FreezeBegin(true, false, 0)
	require.True(t, uerrors.Is(err, uerrors.UNOTSYNC))
	require.False(t, db.sending)
}

func TestFreezeInstallReplacesDatabase(t *testing.T) {
	oldV := uversion.Version{Epoch: 5, Counter: 10}
	newV := uversion.Version{Epoch: 6, Counter: 1}
	db := &stubDB{version: oldV}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	require.NoError(t, m.FreezeInstall(lease.ID, oldV, newV, []byte("newdb"), ".OLD"))
	require.Equal(t, newV, db.version)
	require.Equal(t, []byte("newdb"), db.installed)
	require.Equal(t, ".OLD", db.backup)

	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, newV, active.Version)
}

func TestFreezeInstallChecksIdAndVersion(t *testing.T) {
	oldV := uversion.Version{Epoch: 5, Counter: 10}
	newV := uversion.Version{Epoch: 6, Counter: 1}
	db := &stubDB{version: oldV}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	err = m.FreezeInstall("not-the-lease", oldV, newV, []byte("x"), "")
	require.True(t, uerrors.Is(err, uerrors.USYNC))

	// The database moved since the lease was issued: refuse.
	db.version = uversion.Version{Epoch: 5, Counter: 12}
	err = m.FreezeInstall(lease.ID, oldV, newV, []byte("x"), "")
	require.True(t, uerrors.Is(err, uerrors.UBADVERSION))
	require.Nil(t, db.installed)

	// A racing install already landed exactly newV: succeed without
	// reinstalling.
	db.version = newV
	require.NoError(t, m.FreezeInstall(lease.ID, oldV, newV, []byte("x"), ""))
	require.Nil(t, db.installed)
}

func TestFreezeEndReleasesLease(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	require.NoError(t, m.FreezeEnd(lease.ID))
	require.False(t, db.sending, "FreezeEnd must clear DBSENDING")
	_, ok := m.Active()
	require.False(t, ok)

	err = m.FreezeEnd(lease.ID)
	require.True(t, uerrors.Is(err, uerrors.USYNC), "double end has no lease to close")
}

func TestWaitReturnsWhenFreezeEnds(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.FreezeEnd(lease.ID)
	}()
	require.NoError(t, m.Wait(context.Background(), lease.ID))
}

func TestWaitTimeoutAbortsFreeze(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 30)
	require.NoError(t, err)

	err = m.Wait(context.Background(), lease.ID)
	require.Error(t, err)
	_, ok := m.Active()
	require.False(t, ok, "a timed-out freeze must not stay active")
	require.False(t, db.sending)
}

func TestWaitPeerDeathAbortsFreeze(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = m.Wait(ctx, lease.ID)
	require.Error(t, err)
	_, ok := m.Active()
	require.False(t, ok)
}

func TestFreezeAbortForceClearsAnyLease(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	_, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	require.NoError(t, m.FreezeAbortForce("whatever"))
	_, ok := m.Active()
	require.False(t, ok)
	require.False(t, db.sending)

	// No active freeze: force abort is a no-op, not an error.
	require.NoError(t, m.FreezeAbortForce("whatever"))
}

func TestFreezeDistributeForcesRedistribution(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, dist := newTestManager(db)

	lease, err := m.FreezeBegin(true, false, 0)
	require.NoError(t, err)

	require.NoError(t, m.FreezeDistribute(context.Background(), lease.ID))
	require.Equal(t, 1, dist.calls)

	err = m.FreezeDistribute(context.Background(), "wrong-id")
	require.True(t, uerrors.Is(err, uerrors.USYNC))
	require.Equal(t, 1, dist.calls)
}

func TestExportAndInheritEnv(t *testing.T) {
	db := &stubDB{version: uversion.Version{Epoch: 5, Counter: 10}}
	m, _ := newTestManager(db)

	_, ok := m.ExportEnv()
	require.False(t, ok, "no active freeze, nothing to export")

	lease, err := m.FreezeBegin(true, false, 45000)
	require.NoError(t, err)

	vars, ok := m.ExportEnv()
	require.True(t, ok)
	require.Contains(t, vars, "OPENAFS_VL_FREEZE_ID="+lease.ID)
	require.Contains(t, vars, "OPENAFS_VL_FREEZE_TIMEOUT_MS=45000")
	require.Contains(t, vars, "OPENAFS_VL_FREEZE_DBPATH=/var/lib/ubik/vl.DB0")

	t.Setenv("OPENAFS_VL_FREEZE_ID", lease.ID)
	t.Setenv("OPENAFS_VL_FREEZE_TIMEOUT_MS", "45000")
	t.Setenv("OPENAFS_VL_FREEZE_DBPATH", "/var/lib/ubik/vl.DB0")

	id, timeoutMs, dbPath, ok := InheritFromEnv("VL")
	require.True(t, ok)
	require.Equal(t, lease.ID, id)
	require.Equal(t, 45000, timeoutMs)
	require.Equal(t, "/var/lib/ubik/vl.DB0", dbPath)
}
