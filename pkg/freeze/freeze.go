package freeze

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/uversion"
)

// DBManager is the subset of *txn.Manager freeze needs: the DBSENDING
// bracket and the install primitive itself (spec §4.7 "install()").
type DBManager interface {
	Version() uversion.Version
	BeginSending() error
	EndSending()
	InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error
}

// SyncChecker reports this site's sync-site status, consulted by
// FreezeBegin when the caller asked for need_sync (spec §4.7).
type SyncChecker interface {
	AmSyncSite() bool
	SyncSiteAdvertised() bool
}

// Distributor forces an immediate redistribution pass, wired to
// pkg/recovery's Task (spec §4.7 "FreezeDistribute").
type Distributor interface {
	Redistribute(ctx context.Context)
}

// Freeze is one open external hot-swap lease (spec §4.7).
type Freeze struct {
	ID        string
	NeedSync  bool
	ReadWrite bool
	TimeoutMs int
	Version   uversion.Version
	DBPath    string
	CreatedAt time.Time

	control chan struct{} // closed by End/Abort/AbortForce
	closed  bool
}

// Lease is a point-in-time copy of a Freeze's public fields, the
// {freezeid, version, dbpath} triple FreezeBegin's caller receives.
type Lease struct {
	ID      string
	Version uversion.Version
	DBPath  string
}

// Manager holds the single system-wide freeze lease (spec §4.7:
// "ufreeze_active_frz... single-at-a-time") and drives its control
// wait, install, and teardown.
type Manager struct {
	mu     sync.Mutex
	active *Freeze

	manager     DBManager
	checker     SyncChecker
	distributor Distributor
	dbPath      string
	service     string
}

// New builds a freeze Manager over txnManager (the database this
// process serves), checker (sync-site status), distributor (the
// recovery task to force-redistribute through) and service (used to
// name the OPENAFS_<SVC>_FREEZE_* inheritance env vars).
func New(txnManager DBManager, checker SyncChecker, distributor Distributor, dbPath, service string) *Manager {
	return &Manager{
		manager:     txnManager,
		checker:     checker,
		distributor: distributor,
		dbPath:      dbPath,
		service:     service,
	}
}

// FreezeBegin opens a new freeze lease, rejecting re-entry while one
// is already active (spec §4.7: "attempted re-entry returns USYNC").
// If needSync is set, the caller must be the advertised sync site.
func (m *Manager) FreezeBegin(needSync, readWrite bool, timeoutMs int) (Lease, error) {
	if needSync && !(m.checker.AmSyncSite() && m.checker.SyncSiteAdvertised()) {
		return Lease{}, uerrors.New(uerrors.UNOTSYNC, "freeze begin: not sync site")
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return Lease{}, uerrors.New(uerrors.USYNC, "freeze already active")
	}
	if err := m.manager.BeginSending(); err != nil {
		m.mu.Unlock()
		return Lease{}, err
	}

	version := m.manager.Version()
	f := &Freeze{
		ID:        uuid.NewString(),
		NeedSync:  needSync,
		ReadWrite: readWrite,
		TimeoutMs: timeoutMs,
		Version:   version,
		DBPath:    m.dbPath,
		CreatedAt: time.Now(),
		control:   make(chan struct{}),
	}
	m.active = f
	m.mu.Unlock()

	umetrics.FreezesTotal.WithLabelValues("started").Inc()
	return Lease{ID: f.ID, Version: version, DBPath: f.DBPath}, nil
}

// Wait blocks on the freeze's control channel, standing in for the
// original's control-socket recv: it returns when the freeze is ended
// or aborted, when ctx is cancelled (modeling peer death), or when
// timeoutMs elapses, whichever comes first. A timeout or context
// cancellation force-aborts the freeze before returning.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil || f.ID != id {
		return uerrors.New(uerrors.USYNC, "wait: no such active freeze")
	}

	timer := umetrics.NewTimer()
	defer timer.ObserveDuration(umetrics.FreezeDuration)

	var timeout <-chan time.Time
	if f.TimeoutMs > 0 {
		t := time.NewTimer(time.Duration(f.TimeoutMs) * time.Millisecond)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-f.control:
		return nil
	case <-ctx.Done():
		m.AbortForce(id)
		return uerrors.Wrap(uerrors.UIOERROR, "freeze wait: peer gone", ctx.Err())
	case <-timeout:
		m.AbortForce(id)
		return uerrors.New(uerrors.UIOERROR, "freeze wait: timed out")
	}
}

// FreezeInstall installs newVersion's bytes as the live database (spec
// §4.7 "install()"), verifying the freeze id and that the database has
// not moved since the lease was issued.
func (m *Manager) FreezeInstall(id string, oldVersion, newVersion uversion.Version, data []byte, backupSuffix string) error {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil || f.ID != id {
		return uerrors.New(uerrors.USYNC, "install: no such active freeze")
	}

	current := m.manager.Version()
	if current != oldVersion && current != newVersion {
		return uerrors.New(uerrors.UBADVERSION, "install: database version has moved since freeze began")
	}
	if current == newVersion {
		// Another racing install already landed this exact version.
		return nil
	}

	if err := m.manager.InstallSnapshot(data, newVersion, backupSuffix); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active == f {
		f.Version = newVersion
	}
	m.mu.Unlock()
	return nil
}

// FreezeEnd closes a freeze successfully, leaving whatever was
// installed (if anything) in place.
func (m *Manager) FreezeEnd(id string) error {
	return m.close(id, false, "installed")
}

// FreezeAbort closes a freeze without having necessarily installed
// anything; since install() is a single atomic rename rather than a
// two-phase commit, an abort issued after FreezeInstall already ran
// does not roll the swap back, but an abort issued before install
// leaves the database untouched.
func (m *Manager) FreezeAbort(id string) error {
	return m.close(id, false, "aborted")
}

// FreezeAbortForce clears the active freeze unconditionally (admin
// override for a stuck lease whose owner is unreachable), without
// requiring the caller to name the correct id.
func (m *Manager) FreezeAbortForce(id string) error {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil {
		return nil
	}
	return m.close(f.ID, true, "force_aborted")
}

// AbortForce is the entry Wait uses on timeout/cancel; it
// is equivalent to FreezeAbortForce but never returns an error the
// caller of Wait would need to see twice.
func (m *Manager) AbortForce(id string) {
	_ = m.close(id, true, "timed_out")
}

func (m *Manager) close(id string, force bool, outcome string) error {
	m.mu.Lock()
	f := m.active
	if f == nil || (!force && f.ID != id) {
		m.mu.Unlock()
		return uerrors.New(uerrors.USYNC, "close: no such active freeze")
	}
	if f.closed {
		m.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.control)
	m.active = nil
	m.mu.Unlock()

	m.manager.EndSending()
	umetrics.FreezesTotal.WithLabelValues(outcome).Inc()
	return nil
}

// FreezeDistribute forces an immediate redistribution pass through the
// recovery task (spec §4.7: "force RECSENTDB-style redistribution
// now").
func (m *Manager) FreezeDistribute(ctx context.Context, id string) error {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil || f.ID != id {
		return uerrors.New(uerrors.USYNC, "distribute: no such active freeze")
	}
	m.distributor.Redistribute(ctx)
	return nil
}

// ExportEnv returns the env vars a child process inheriting the
// currently active freeze should be started with.
func (m *Manager) ExportEnv() ([]string, bool) {
	m.mu.Lock()
	f := m.active
	m.mu.Unlock()
	if f == nil {
		return nil, false
	}
	return ExportEnv(m.service, Lease{ID: f.ID, Version: f.Version, DBPath: f.DBPath}, f.TimeoutMs), true
}

// Active reports the currently open freeze's lease, if any.
func (m *Manager) Active() (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Lease{}, false
	}
	return Lease{ID: m.active.ID, Version: m.active.Version, DBPath: m.active.DBPath}, true
}
