package txn

import (
	"context"
	"time"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

// AbortActive aborts this process's in-flight local write transaction,
// if any. pkg/recovery calls this before installing a freshly fetched
// database (spec §4.6: "any in-flight transactions are aborted
// first").
func (m *Manager) AbortActive() error {
	m.mu.Lock()
	tx := m.activeWrite
	m.mu.Unlock()
	if tx == nil {
		return nil
	}
	return tx.AbortTrans()
}

// BeginSending sets DBSENDING, rejecting if a conflicting operation
// (DBWRITING|DBRECEIVING|DBSENDING) is already in flight. While set,
// writes and further distribution are blocked (spec §4.6 step 6, §4.7
// freeze).
func (m *Manager) BeginSending() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags&(flagWriting|flagReceiving|flagSending) != 0 {
		return uerrors.New(uerrors.USYNC, "conflicting operation in flight")
	}
	m.flags |= flagSending
	return nil
}

// EndSending clears DBSENDING.
func (m *Manager) EndSending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags &^= flagSending
}

// BeginReceiving sets DBRECEIVING, the bracket recovery holds while
// fetching and installing a peer's database (spec §4.6 step 4).
func (m *Manager) BeginReceiving() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags&(flagWriting|flagReceiving|flagSending) != 0 {
		return uerrors.New(uerrors.USYNC, "conflicting operation in flight")
	}
	m.flags |= flagReceiving
	return nil
}

// EndReceiving clears DBRECEIVING.
func (m *Manager) EndReceiving() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags &^= flagReceiving
}

// RelabelAfterQuorum moves a still-unshared (1,1) database to (2,1),
// the transition spec §3 describes as happening once quorum is first
// established — distinct from the per-commit epoch EndTrans stamps on
// the first write transaction, since a quorum can stabilize before any
// client ever writes. A no-op (relabeled=false) if the database has
// already moved past (1,1).
func (m *Manager) RelabelAfterQuorum() (old, newV uversion.Version, relabeled bool, err error) {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	if m.version != uversion.Initial {
		return m.version, m.version, false, nil
	}
	old = m.version
	newV = uversion.RelabelAfterQuorum
	if m.kind == storage.Flat {
		err = m.flat.SetLabel(newV)
	} else {
		err = m.kv.SetLabel(newV)
	}
	if err != nil {
		return old, old, false, err
	}
	m.version = newV
	m.cachedVersion = newV
	return old, newV, true, nil
}

// RelabelTo stamps v directly onto the database, bypassing the normal
// per-commit epoch derivation. Used by the VLDB upgrade tool (spec
// §4.9: "Epoch of the destination is set to src.epoch + 1 so the new
// db strictly dominates"), which must pin a specific epoch rather than
// let EndTrans derive one from the clock. A clock epoch still in the
// future (src.epoch + 1 can be) is waited out rather than predicted,
// so a commit minting the current second can never collide with it.
func (m *Manager) RelabelTo(v uversion.Version) error {
	if v.Epoch > uversion.Milestone {
		if err := uversion.WaitForEpoch(context.Background(), v.Epoch-1, time.Second); err != nil {
			return err
		}
	}
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	var err error
	if m.kind == storage.Flat {
		err = m.flat.SetLabel(v)
	} else {
		err = m.kv.SetLabel(v)
	}
	if err != nil {
		return err
	}
	m.version = v
	m.cachedVersion = v
	return nil
}

// Kind reports which physical back-end this manager runs.
func (m *Manager) Kind() storage.Kind { return m.kind }
