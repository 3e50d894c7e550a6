package txn

import (
	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

// Remote* apply a sync site's transaction on this process, the backup
// side of the DISK_* RPCs (spec §4.8, §6). They mirror BeginTrans/
// Write/EndTrans/AbortTrans but are entered from pkg/quorum's RPC
// handlers instead of a local Txn, and never themselves call
// dispatcher: a backup site never redispatches a transaction it is
// applying on another site's behalf.

// checkTid is the backup side's CheckTid (spec §4.5, §8; grounded on
// original_source/src/ubik/recovery.c's urecovery_CheckTid, called
// with abortalways=1 before every Disk.Begin and abortalways=0 before
// every other DISK_* op). A sync site that crashed mid-transaction
// leaves this process with flagWriting set and a stale remoteTid that
// nothing else would ever clear; force-aborting it here — always
// before a new Begin, or whenever an op arrives for a tid whose epoch
// differs or whose counter is newer than the one already open — keeps
// a single crashed write from permanently shrinking this peer's
// quorum participation. Caller holds m.mu.
func (m *Manager) checkTid(tid uversion.Version, abortAlways bool) {
	if m.flags&flagWriting == 0 && m.remoteTid == (uversion.Version{}) {
		return
	}
	if abortAlways || m.remoteTid.Epoch != tid.Epoch || tid.Counter > m.remoteTid.Counter {
		m.abortRemoteLocked()
	}
}

// abortRemoteLocked discards any in-flight remote transaction's
// writes without checking which tid it belongs to. Caller holds m.mu.
func (m *Manager) abortRemoteLocked() {
	if m.kind == storage.KV {
		if m.remoteKVTx != nil {
			_ = m.remoteKVTx.Abort()
			m.remoteKVTx = nil
		}
	} else {
		_ = appendLogAbort(m.flat)
		_ = m.flat.Truncate(storage.LogFile, 0)
		m.buf.DAbort()
	}
	m.flags &^= flagWriting
	m.remoteTid = uversion.Version{}
}

// RemoteBegin marks file as the target of an in-flight remote write,
// force-aborting whatever stale remote transaction CheckTid finds
// still open (spec §4.5 CheckTid, abortalways=1) rather than simply
// rejecting the new Begin.
func (m *Manager) RemoteBegin(tid uversion.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTid(tid, true)
	if m.flags&(flagReceiving|flagSending) != 0 {
		return uerrors.New(uerrors.USYNC, "conflicting operation in flight")
	}
	if m.kind == storage.Flat {
		if err := appendLogNew(m.flat); err != nil {
			return err
		}
	}
	m.flags |= flagWriting
	m.remoteTid = tid
	return nil
}

// RemoteWriteV applies a vector of writes received over DISK_WriteV,
// dispatching each entry to the flat byte-range path or the KV
// key/value path by which fields it carries.
func (m *Manager) RemoteWriteV(tid uversion.Version, writes []WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTid(tid, false)
	if m.remoteTid != tid {
		return uerrors.New(uerrors.UBADVERSION, "writev for unknown remote transaction")
	}

	if m.kind == storage.KV {
		if m.remoteKVTx == nil {
			kvTx, err := m.kv.BeginTx(true)
			if err != nil {
				return err
			}
			m.remoteKVTx = kvTx
		}
		for _, w := range writes {
			var err error
			if w.Delete {
				err = m.remoteKVTx.Delete(w.Key)
			} else {
				err = m.remoteKVTx.Put(w.Key, w.Value, true)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}

	for _, w := range writes {
		if err := appendLogData(m.flat, w.File, w.Pos, w.Data); err != nil {
			return err
		}
		if err := m.applyWrite(w.File, w.Pos, w.Data); err != nil {
			return err
		}
	}
	return nil
}

// RemoteCommit applies the commit tail of EndTrans (log end / flush /
// sync / relabel / truncate, or the KV label-and-commit) on behalf of
// the sync site, which has already reached quorum before sending this.
func (m *Manager) RemoteCommit(tid, newVersion uversion.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTid(tid, false)
	if m.remoteTid != tid {
		return uerrors.New(uerrors.UBADVERSION, "commit for unknown remote transaction")
	}

	m.versionMu.Lock()
	defer m.versionMu.Unlock()

	if m.kind == storage.KV {
		if m.remoteKVTx != nil {
			raw := encodeVersion(newVersion)
			if err := m.remoteKVTx.Put(storage.LabelKey, raw, true); err != nil {
				return err
			}
			if err := m.remoteKVTx.Commit(); err != nil {
				return uerrors.Wrap(uerrors.UIOERROR, "remote kv commit", err)
			}
			m.remoteKVTx = nil
		} else if err := m.kv.SetLabel(newVersion); err != nil {
			return err
		}
	} else {
		if err := appendLogEnd(m.flat, newVersion); err != nil {
			return err
		}
		if err := m.flat.FlushAppend(); err != nil {
			return uerrors.Wrap(uerrors.UIOERROR, "sync log on remote commit", err)
		}
		if err := m.buf.DFlush(); err != nil {
			return uerrors.Wrap(uerrors.UIOERROR, "DFlush on remote commit", err)
		}
		if err := m.buf.DSync(); err != nil {
			return uerrors.Wrap(uerrors.UIOERROR, "DSync on remote commit", err)
		}
		if err := m.flat.SetLabel(newVersion); err != nil {
			return err
		}
		if err := m.flat.Truncate(storage.LogFile, 0); err != nil {
			return err
		}
	}

	m.version = newVersion
	m.cachedVersion = newVersion
	m.flags &^= flagWriting
	m.remoteTid = uversion.Version{}
	return nil
}

// RemoteAbort discards a remote transaction's writes.
func (m *Manager) RemoteAbort(tid uversion.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTid(tid, false)
	if m.remoteTid != tid {
		return nil // already rolled back locally, e.g. by a lost-server timeout
	}
	m.abortRemoteLocked()
	return nil
}

// RemoteSetVersion relabels this database to newVersion when it is
// still at oldVersion, the best-effort broadcast a sync site sends the
// first time it mints a real epoch after an election (spec §4.3,
// §4.5). A mismatch just means this site will pick the version up on
// its next recovery cycle instead.
func (m *Manager) RemoteSetVersion(oldVersion, newVersion uversion.Version) error {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	if m.version != oldVersion {
		return nil
	}
	if m.kind == storage.Flat {
		if err := m.flat.SetLabel(newVersion); err != nil {
			return err
		}
	} else if err := m.kv.SetLabel(newVersion); err != nil {
		return err
	}
	m.version = newVersion
	m.cachedVersion = newVersion
	return nil
}

// Reload re-reads this manager's on-disk label and discards all cached
// state after a pkg/recovery install() has replaced the underlying
// database out from under it (spec §4.7 "invalidate fd and page
// caches; flip dbase.kv_dbh and dbase.version"). Any in-flight
// transaction must already have been aborted by the caller.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kind == storage.Flat {
		m.flat.InvalidateFDCache()
		m.buf.InvalidateAll()
	}

	var backend storage.Backend = m.flat
	if m.kind == storage.KV {
		backend = m.kv
	}
	v, err := backend.GetLabel()
	if err != nil {
		return err
	}

	m.versionMu.Lock()
	m.version = v
	m.cachedVersion = v
	m.versionMu.Unlock()

	m.flags = 0
	m.activeWrite = nil
	m.remoteTid = uversion.Version{}
	m.remoteKVTx = nil
	return nil
}

// ExportSnapshot returns the whole database's bytes and label, for
// shipping to a peer (spec §4.6 DISK_GetFile2).
func (m *Manager) ExportSnapshot() ([]byte, uversion.Version, error) {
	var backend storage.Backend = m.flat
	if m.kind == storage.KV {
		backend = m.kv
	}
	return backend.ExportSnapshot()
}

// InstallSnapshot replaces this manager's database with a peer's
// fetched snapshot and reloads in-memory state to match.
func (m *Manager) InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error {
	var backend storage.Backend = m.flat
	if m.kind == storage.KV {
		backend = m.kv
	}
	if err := backend.InstallSnapshot(data, version, backupSuffix); err != nil {
		return err
	}
	return m.Reload()
}

// RemoteReleaseLocks clears the writing flag if a commit/abort was
// missed; byte-range lock state itself is tracked only at the sync
// site (spec §4.8), so a backup has nothing else to release.
func (m *Manager) RemoteReleaseLocks(tid uversion.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkTid(tid, false)
	if m.remoteTid == tid {
		m.flags &^= flagWriting
		m.remoteTid = uversion.Version{}
	}
	return nil
}
