package txn

import (
	"sync"

	"github.com/cuemby/ubik/pkg/bufcache"
	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/ulog"
	"github.com/cuemby/ubik/pkg/umetrics"
	"github.com/cuemby/ubik/pkg/uversion"
)

// Mode is a transaction's read/write type.
type Mode int

const (
	ReadMode Mode = iota
	WriteMode
)

// ReadAny controls how permissively a read transaction may observe
// data that is not yet (or no longer) the committed state (spec §4.8).
type ReadAny int

const (
	ReadAnyNone  ReadAny = iota // must see only committed data
	ReadAnyOK                   // may observe any available data
	ReadAnyWrite                // may additionally read past an active write lock
)

// dbFlag is a bit in Manager's in-flight-operation flag set.
type dbFlag uint32

const (
	flagWriting   dbFlag = 1 << iota // DBWRITING
	flagReceiving                    // DBRECEIVING: a recovery fetch is in progress
	flagSending                      // DBSENDING: a recovery/freeze redistribution is in progress
)

// maxWriteVector bounds the number of buffered writes and bytes per
// write vector so they fit in one DISK_WriteV RPC (spec §4.8: "up to 16
// KiB / 128 entries"); a full vector is shipped and the transaction
// goes on buffering into a new one.
const (
	maxWriteVectorEntries = 128
	maxWriteVectorBytes   = 16 * 1024
)

// LockType distinguishes a read lock from a write lock on a byte range.
type LockType int

const (
	ReadLock LockType = iota
	WriteLock
)

// WriteOp is one buffered write, shipped to peers in a single
// DISK_WriteV. Flat mode populates File/Pos/Data; KV mode populates
// Key/Value/Delete instead, since KV has no fixed byte layout to diff
// against (spec §4.9).
type WriteOp struct {
	File storage.FlatFileID
	Pos  int64
	Data []byte

	Key    []byte
	Value  []byte
	Delete bool
}

// Dispatcher is everything the transaction layer needs from the
// replication side of the system (pkg/vote + pkg/quorum), injected so
// pkg/txn has no import-time dependency on either.
type Dispatcher interface {
	AmSyncSite() bool
	SyncSiteAdvertised() bool
	Begin(tid uversion.Version) error
	Lock(tid uversion.Version, file storage.FlatFileID, pos int64, length int, lock LockType) error
	WriteV(tid uversion.Version, writes []WriteOp) error
	Commit(tid uversion.Version, newVersion uversion.Version) error
	Abort(tid uversion.Version) error
	ReleaseLocks(tid uversion.Version) error
	SetVersion(tid uversion.Version, oldV, newV uversion.Version) error
}

// noopDispatcher lets a Manager run standalone (tests, ubik-util)
// without a live quorum. A lone process is trivially its own
// sync site, so write transactions proceed locally with no RPC fan-out.
type noopDispatcher struct{}

func (noopDispatcher) AmSyncSite() bool          { return true }
func (noopDispatcher) SyncSiteAdvertised() bool  { return true }
func (noopDispatcher) Begin(uversion.Version) error { return nil }
func (noopDispatcher) Lock(uversion.Version, storage.FlatFileID, int64, int, LockType) error {
	return nil
}
func (noopDispatcher) WriteV(uversion.Version, []WriteOp) error     { return nil }
func (noopDispatcher) Commit(uversion.Version, uversion.Version) error { return nil }
func (noopDispatcher) Abort(uversion.Version) error               { return nil }
func (noopDispatcher) ReleaseLocks(uversion.Version) error        { return nil }
func (noopDispatcher) SetVersion(uversion.Version, uversion.Version, uversion.Version) error {
	return nil
}

// Manager owns one database instance: its physical backend (flat or
// KV), the buffer cache (flat only), version state and in-flight
// transaction bookkeeping. It is the object both pkg/recovery and
// pkg/freeze mutate under the database lock described in spec §5.
type Manager struct {
	mu sync.Mutex // the "database lock" (DBHOLD) of spec §5

	versionMu sync.Mutex // the "version lock" of spec §5

	kind storage.Kind
	flat storage.FlatBackend
	kv   storage.KVBackend
	buf  *bufcache.Cache // nil for KV

	dispatcher Dispatcher

	version       uversion.Version
	cachedVersion uversion.Version
	flags         dbFlag
	tidCounter    uint32 // per-process monotonically increasing counter

	activeWrite *Txn // the single process-wide write transaction, if any

	remoteTid  uversion.Version // non-zero while applying a sync site's transaction (see remote.go)
	remoteKVTx storage.KVTx
}

// NewFlatManager constructs a Manager over a flat backend, replaying
// its log if one is pending.
func NewFlatManager(backend storage.FlatBackend, bufN int, dispatcher Dispatcher) (*Manager, error) {
	if dispatcher == nil {
		dispatcher = noopDispatcher{}
	}
	m := &Manager{
		kind:       storage.Flat,
		flat:       backend,
		buf:        bufcache.New(backend, bufN),
		dispatcher: dispatcher,
	}
	if err := m.replay(); err != nil {
		return nil, err
	}
	v, err := backend.GetLabel()
	if err != nil {
		return nil, err
	}
	m.version = v
	m.cachedVersion = v
	return m, nil
}

// NewKVManager constructs a Manager over a KV backend. KV databases
// have no log to replay: the engine's own commit is atomic (spec §4.3
// "KV mode").
func NewKVManager(backend storage.KVBackend, dispatcher Dispatcher) (*Manager, error) {
	if dispatcher == nil {
		dispatcher = noopDispatcher{}
	}
	m := &Manager{kind: storage.KV, kv: backend, dispatcher: dispatcher}
	v, err := backend.GetLabel()
	if err != nil {
		return nil, err
	}
	m.version = v
	m.cachedVersion = v
	return m, nil
}

// Version returns the current committed database version.
func (m *Manager) Version() uversion.Version {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()
	return m.version
}

// Txn is a local transaction object (spec §3).
type Txn struct {
	manager *Manager
	mode    Mode
	readAny ReadAny
	tid     uversion.Version
	seek    struct {
		file storage.FlatFileID
		pos  int64
	}
	kvTx    storage.KVTx
	writes  []WriteOp
	writeSz int
	done    bool
}

// Kind reports the backend kind (flat or KV) of the database this
// transaction runs against, used by pkg/vldb to dispatch to the
// matching Store implementation.
func (t *Txn) Kind() storage.Kind { return t.manager.kind }

// Mode reports whether this is a read or write transaction.
func (t *Txn) Mode() Mode { return t.mode }

// BeginTrans starts a new transaction. Write mode requires this process
// to currently be the advertised sync site and no conflicting
// operation (DBWRITING|DBRECEIVING|DBSENDING) in flight; it assigns a
// fresh tid and broadcasts DISK_Begin to the quorum (spec §4.8).
func (m *Manager) BeginTrans(mode Mode, readAny ReadAny) (*Txn, error) {
	if mode == ReadMode {
		m.versionMu.Lock()
		v := m.version
		m.versionMu.Unlock()
		return &Txn{manager: m, mode: ReadMode, readAny: readAny, tid: v}, nil
	}

	if !m.dispatcher.AmSyncSite() || !m.dispatcher.SyncSiteAdvertised() {
		return nil, uerrors.New(uerrors.UNOTSYNC, "write transaction on non-sync site")
	}

	m.mu.Lock()
	if m.flags&(flagWriting|flagReceiving|flagSending) != 0 {
		m.mu.Unlock()
		return nil, uerrors.New(uerrors.USYNC, "conflicting operation in flight")
	}
	if m.activeWrite != nil {
		m.mu.Unlock()
		return nil, uerrors.New(uerrors.UDEADLOCK, "write transaction already active")
	}

	m.versionMu.Lock()
	m.tidCounter += 2
	tid := uversion.Version{Epoch: m.version.Epoch, Counter: m.tidCounter}
	m.versionMu.Unlock()

	if m.kind == storage.Flat {
		if err := appendLogNew(m.flat); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	// flagWriting is set before the database lock is dropped, so
	// competing begins and recovery's sending/receiving brackets fail
	// fast with USYNC while the quorum round-trip below is in flight;
	// the lock itself is never held across a remote call.
	m.flags |= flagWriting
	m.mu.Unlock()

	if err := m.dispatcher.Begin(tid); err != nil {
		m.mu.Lock()
		m.flags &^= flagWriting
		m.mu.Unlock()
		return nil, uerrors.Wrap(uerrors.UNOQUORUM, "quorum begin failed", err)
	}

	tx := &Txn{manager: m, mode: WriteMode, readAny: readAny, tid: tid}
	if m.kind == storage.KV {
		kvTx, err := m.kv.BeginTx(true)
		if err != nil {
			m.mu.Lock()
			m.flags &^= flagWriting
			m.mu.Unlock()
			return nil, err
		}
		tx.kvTx = kvTx
	}
	m.mu.Lock()
	m.activeWrite = tx
	m.mu.Unlock()
	umetrics.TransactionsTotal.WithLabelValues("write", "begin").Inc()
	return tx, nil
}

// BeginTransReadAny is BeginTrans with readers allowed to observe any
// available data (spec §4.8, readAny == 1).
func (m *Manager) BeginTransReadAny(mode Mode) (*Txn, error) {
	return m.BeginTrans(mode, ReadAnyOK)
}

// BeginTransReadAnyWrite additionally lets readers read past an active
// write lock (spec §4.8, readAny == 2); callers take on the cache-sync
// obligation CheckCache serves.
func (m *Manager) BeginTransReadAnyWrite(mode Mode) (*Txn, error) {
	return m.BeginTrans(mode, ReadAnyWrite)
}

// Read reads length bytes at pos from file (flat mode), spanning as
// many cache pages as the range covers.
func (t *Txn) Read(file storage.FlatFileID, pos int64, length int) ([]byte, error) {
	if t.manager.kind != storage.Flat {
		return nil, uerrors.New(uerrors.UBADTYPE, "Read is flat-mode only; use KVGet")
	}
	out := make([]byte, 0, length)
	for length > 0 {
		page := pos / bufcache.PageSize
		off := int(pos % bufcache.PageSize)
		n := bufcache.PageSize - off
		if n > length {
			n = length
		}
		buf, err := t.manager.buf.DRead(t.mode == WriteMode, file, page)
		if err != nil {
			return nil, err
		}
		out = append(out, buf.Data()[off:off+n]...)
		t.manager.buf.DRelease(buf, false)
		pos += int64(n)
		length -= n
	}
	return out, nil
}

// KVGet reads a key through the transaction's KV sub-transaction (KV
// mode). Reads outside a write transaction open a short-lived
// read-only sub-transaction.
func (t *Txn) KVGet(key []byte) ([]byte, error) {
	if t.manager.kind != storage.KV {
		return nil, uerrors.New(uerrors.UBADTYPE, "KVGet is KV-mode only; use Read")
	}
	if t.kvTx != nil {
		return t.kvTx.Get(key)
	}
	ro, err := t.manager.kv.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer ro.Abort()
	return ro.Get(key)
}

// KVNext returns the first key strictly greater than after (or the
// first key overall if after is nil), for cursor-style iteration over
// a KV database (KV mode only). Used by pkg/vldb's NextEntry to walk
// every VOLID->nvlentry key.
func (t *Txn) KVNext(after []byte) (key, value []byte, err error) {
	if t.manager.kind != storage.KV {
		return nil, nil, uerrors.New(uerrors.UBADTYPE, "KVNext is KV-mode only")
	}
	if t.kvTx != nil {
		return t.kvTx.Next(after)
	}
	ro, err := t.manager.kv.BeginTx(false)
	if err != nil {
		return nil, nil, err
	}
	defer ro.Abort()
	return ro.Next(after)
}

// KVPut writes a key/value pair into the transaction's KV
// sub-transaction and queues it for replication to peers on Flush
// (write mode only).
func (t *Txn) KVPut(key, value []byte, replace bool) error {
	if t.mode != WriteMode || t.kvTx == nil {
		return uerrors.New(uerrors.UBADTYPE, "KVPut requires an active KV write transaction")
	}
	if err := t.kvTx.Put(key, value, replace); err != nil {
		return err
	}
	t.writes = append(t.writes, WriteOp{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	return nil
}

// KVDelete deletes a key through the transaction's KV sub-transaction
// and queues the delete for replication (write mode only).
func (t *Txn) KVDelete(key []byte) error {
	if t.mode != WriteMode || t.kvTx == nil {
		return uerrors.New(uerrors.UBADTYPE, "KVDelete requires an active KV write transaction")
	}
	if err := t.kvTx.Delete(key); err != nil {
		return err
	}
	t.writes = append(t.writes, WriteOp{Key: append([]byte(nil), key...), Delete: true})
	return nil
}

// Write buffers data for file at pos into the write vector and applies
// it to the buffer cache immediately; the vector is shipped to peers by
// Flush, or eagerly here whenever appending would overflow the 16KiB /
// 128-entry iovec one DISK_WriteV carries (spec §4.8).
func (t *Txn) Write(file storage.FlatFileID, pos int64, data []byte) error {
	if t.mode != WriteMode {
		return uerrors.New(uerrors.UBADTYPE, "write on a read transaction")
	}
	if t.manager.kind != storage.Flat {
		return uerrors.New(uerrors.UBADTYPE, "Write is flat-mode only; use KVPut")
	}
	if len(data) > maxWriteVectorBytes {
		return uerrors.New(uerrors.UIOERROR, "single write exceeds 16KiB iovec ceiling (E2BIG)")
	}
	if len(t.writes) >= maxWriteVectorEntries || t.writeSz+len(data) > maxWriteVectorBytes {
		if err := t.Flush(); err != nil {
			return err
		}
	}
	if err := appendLogData(t.manager.flat, file, pos, data); err != nil {
		return err
	}
	if err := t.manager.applyWrite(file, pos, data); err != nil {
		return err
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	t.writes = append(t.writes, WriteOp{File: file, Pos: pos, Data: cp})
	t.writeSz += len(data)
	return nil
}

// applyWrite copies data into the buffer cache page by page. A write
// covering a whole page takes a fresh zeroed slot (DNew); a partial
// page must read the existing bytes first or the rest of the page
// would be flushed back as zeroes.
func (m *Manager) applyWrite(file storage.FlatFileID, pos int64, data []byte) error {
	for len(data) > 0 {
		page := pos / bufcache.PageSize
		off := int(pos % bufcache.PageSize)
		n := bufcache.PageSize - off
		if n > len(data) {
			n = len(data)
		}
		var buf *bufcache.Buffer
		var err error
		if off == 0 && n == bufcache.PageSize {
			buf, err = m.buf.DNew(file, page)
		} else {
			buf, err = m.buf.DRead(true, file, page)
		}
		if err != nil {
			return err
		}
		copy(buf.Data()[off:off+n], data[:n])
		m.buf.DRelease(buf, true)
		pos += int64(n)
		data = data[n:]
	}
	return nil
}

// Seek repositions the transaction's cursor.
func (t *Txn) Seek(file storage.FlatFileID, pos int64) {
	t.seek.file = file
	t.seek.pos = pos
}

// Flush ships the buffered write vector to the quorum in one
// DISK_WriteV call and clears it.
func (t *Txn) Flush() error {
	if t.mode != WriteMode || len(t.writes) == 0 {
		return nil
	}
	if err := t.manager.dispatcher.WriteV(t.tid, t.writes); err != nil {
		return uerrors.Wrap(uerrors.UNOQUORUM, "quorum writev failed", err)
	}
	t.writes = nil
	t.writeSz = 0
	return nil
}

// SetLock asks the quorum to acquire a byte-range lock for this
// transaction.
func (t *Txn) SetLock(file storage.FlatFileID, pos int64, length int, lock LockType) error {
	if t.mode != WriteMode {
		return uerrors.New(uerrors.UBADTYPE, "lock on a read transaction")
	}
	return t.manager.dispatcher.Lock(t.tid, file, pos, length, lock)
}

// EndTrans flushes then commits the transaction (spec §4.5, §4.3). The
// pre-release cool-down bounded by BIGTIME (spec §4.5) is the
// Dispatcher's responsibility (pkg/quorum.ReleaseLocks), since only it
// tracks peer up/down silence windows.
func (t *Txn) EndTrans() error {
	if t.done {
		return uerrors.New(uerrors.UDONE, "transaction already done")
	}
	if t.mode != WriteMode {
		t.done = true
		return nil
	}
	if err := t.Flush(); err != nil {
		return err
	}

	newVersion, err := t.commitLocal()
	if err != nil {
		return err
	}

	// Best-effort remote commit: a failure here does not fail the
	// client-visible EndTrans, since reaching local quorum at Begin
	// time already guarantees durability (spec §4.5). The version lock
	// is not held here: ReleaseLocks may sleep out a peer's BigTime
	// silence window and readers must keep observing Version()
	// meanwhile.
	m := t.manager
	_ = m.dispatcher.Commit(t.tid, newVersion)
	_ = m.dispatcher.ReleaseLocks(t.tid)

	t.done = true
	umetrics.TransactionsTotal.WithLabelValues("write", "commit").Inc()
	umetrics.DBVersionEpoch.Set(float64(newVersion.Epoch))
	umetrics.DBVersionCounter.Set(float64(newVersion.Counter))
	return nil
}

// commitLocal runs the commit tail of spec §4.3 under the version
// lock and returns the version the database now carries.
func (t *Txn) commitLocal() (uversion.Version, error) {
	m := t.manager
	m.versionMu.Lock()

	newVersion := m.version
	if m.version.Epoch <= uversion.Milestone {
		// The database is still unrelabeled: it carries the initial
		// (1,1) or post-quorum (2,1) label, not a clock epoch. The
		// first write commit after becoming sync assigns one; the
		// counter starts at 0 so this commit lands on (epoch, 2).
		epoch, err := uversion.NewEpoch()
		if err != nil {
			m.versionMu.Unlock()
			return uversion.Version{}, err
		}
		fresh := uversion.Version{Epoch: epoch, Counter: 0}
		if m.kind == storage.Flat {
			if err := m.flat.SetLabel(fresh); err != nil {
				panic(uerrors.Wrap(uerrors.UIOERROR, "relabel on first quorum", err))
			}
		} else {
			if err := m.kv.SetLabel(fresh); err != nil {
				panic(uerrors.Wrap(uerrors.UIOERROR, "relabel on first quorum", err))
			}
		}
		old := m.version
		m.version = fresh
		newVersion = fresh
		_ = m.dispatcher.SetVersion(t.tid, old, fresh) // best-effort broadcast
	}

	newVersion.Counter += 2
	if t.kvTx != nil {
		raw := encodeVersion(newVersion)
		if err := t.kvTx.Put(storage.LabelKey, raw, true); err != nil {
			m.versionMu.Unlock()
			return uversion.Version{}, err
		}
		// The KV engine's own commit is atomic (spec §4.3 "KV mode");
		// the label put above lands in the same sub-transaction as any
		// application writes this transaction buffered via KVPut.
		if err := t.kvTx.Commit(); err != nil {
			panic(uerrors.Wrap(uerrors.UIOERROR, "kv commit", err))
		}
	} else {
		if err := appendLogEnd(m.flat, newVersion); err != nil {
			m.versionMu.Unlock()
			return uversion.Version{}, err
		}
		if err := m.flat.FlushAppend(); err != nil {
			panic(uerrors.Wrap(uerrors.UIOERROR, "sync log on commit", err))
		}
		if err := m.buf.DFlush(); err != nil {
			panic(uerrors.Wrap(uerrors.UIOERROR, "DFlush on commit", err))
		}
		if err := m.buf.DSync(); err != nil {
			panic(uerrors.Wrap(uerrors.UIOERROR, "DSync on commit", err))
		}
		if err := m.flat.SetLabel(newVersion); err != nil {
			panic(uerrors.Wrap(uerrors.UIOERROR, "write new label", err))
		}
		if err := m.flat.Truncate(storage.LogFile, 0); err != nil {
			panic(uerrors.Wrap(uerrors.UIOERROR, "truncate log on commit", err))
		}
	}

	m.version = newVersion
	m.versionMu.Unlock()

	m.mu.Lock()
	m.flags &^= flagWriting
	m.activeWrite = nil
	m.mu.Unlock()
	return newVersion, nil
}

// AbortTrans aborts the transaction, rolling back any buffered writes.
func (t *Txn) AbortTrans() error {
	if t.done {
		return uerrors.New(uerrors.UDONE, "transaction already done")
	}
	m := t.manager
	if t.mode == WriteMode {
		if t.kvTx != nil {
			_ = t.kvTx.Abort()
		} else {
			if err := appendLogAbort(m.flat); err != nil {
				logger := ulog.WithComponent("txn")
				logger.Warn().Msg("append LOGABORT failed")
			}
			if err := m.flat.Truncate(storage.LogFile, 0); err != nil {
				panic(uerrors.Wrap(uerrors.UIOERROR, "truncate log on abort", err))
			}
			m.buf.DAbort()
		}
		m.mu.Lock()
		m.flags &^= flagWriting
		m.activeWrite = nil
		m.mu.Unlock()
		_ = m.dispatcher.Abort(t.tid)
	}
	t.done = true
	umetrics.TransactionsTotal.WithLabelValues(modeName(t.mode), "abort").Inc()
	return nil
}

func modeName(m Mode) string {
	if m == WriteMode {
		return "write"
	}
	return "read"
}

// CheckCache implements the read-locked cache-refresh hook (spec
// §4.8): when the manager's committed version has moved past
// cachedVersion, it escalates to an exclusive lock, invokes updater,
// and atomically promotes cachedVersion on success.
func (m *Manager) CheckCache(updater func() error) error {
	m.versionMu.Lock()
	stale := m.cachedVersion != m.version
	m.versionMu.Unlock()
	if !stale {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := updater(); err != nil {
		m.versionMu.Lock()
		m.cachedVersion = uversion.Version{}
		m.versionMu.Unlock()
		return err
	}
	m.versionMu.Lock()
	m.cachedVersion = m.version
	m.versionMu.Unlock()
	return nil
}
