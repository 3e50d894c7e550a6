package txn

import (
	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

// RawManager is a non-transactional direct-access path for offline
// use: it bypasses the quorum/log commit pipeline
// entirely. A raw write goes straight to disk; abort does not roll
// back; callers must explicitly call RawSetVersion before closing
// (spec §4.8).
type RawManager struct {
	kind storage.Kind
	flat storage.FlatBackend
	kv   storage.KVBackend
}

// RawInit opens backend for raw access without replaying any log or
// validating quorum state.
func RawInit(backend storage.Backend) (*RawManager, error) {
	switch b := backend.(type) {
	case storage.FlatBackend:
		return &RawManager{kind: storage.Flat, flat: b}, nil
	case storage.KVBackend:
		return &RawManager{kind: storage.KV, kv: b}, nil
	default:
		return nil, uerrors.New(uerrors.UBADTYPE, "unrecognized backend for RawInit")
	}
}

// RawTxn is a raw transaction handle. It has no tid and no quorum
// broadcast.
type RawTxn struct {
	mgr *RawManager
	kvTx storage.KVTx
}

// RawTrans begins a raw transaction.
func (m *RawManager) RawTrans(writable bool) (*RawTxn, error) {
	t := &RawTxn{mgr: m}
	if m.kind == storage.KV {
		kvTx, err := m.kv.BeginTx(writable)
		if err != nil {
			return nil, err
		}
		t.kvTx = kvTx
	}
	return t, nil
}

// Read reads directly from the flat backend, bypassing the buffer
// cache (offline tools run single-threaded against a closed database).
func (t *RawTxn) Read(file storage.FlatFileID, pos int64, length int) ([]byte, error) {
	if t.mgr.kind != storage.Flat {
		return nil, uerrors.New(uerrors.UBADTYPE, "Read is flat-mode only")
	}
	return t.mgr.flat.Read(file, pos, length)
}

// Write writes directly to the flat backend. There is no log record and
// no rollback on abort.
func (t *RawTxn) Write(file storage.FlatFileID, pos int64, data []byte) error {
	if t.mgr.kind != storage.Flat {
		return uerrors.New(uerrors.UBADTYPE, "Write is flat-mode only")
	}
	return t.mgr.flat.Write(file, pos, data)
}

func (t *RawTxn) KVGet(key []byte) ([]byte, error) {
	if t.kvTx == nil {
		return nil, uerrors.New(uerrors.UBADTYPE, "KVGet requires a KV backend")
	}
	return t.kvTx.Get(key)
}

func (t *RawTxn) KVPut(key, value []byte, replace bool) error {
	if t.kvTx == nil {
		return uerrors.New(uerrors.UBADTYPE, "KVPut requires a KV backend")
	}
	return t.kvTx.Put(key, value, replace)
}

// RawSetVersion writes the label directly, outside any commit protocol.
// Callers must invoke this before closing a raw write transaction that
// changed data, since RawTrans performs no implicit relabel.
func (t *RawTxn) RawSetVersion(v uversion.Version) error {
	if t.mgr.kind == storage.Flat {
		return t.mgr.flat.SetLabel(v)
	}
	return t.mgr.kv.SetLabel(v)
}

// Close ends the raw transaction. For KV it commits the sub-transaction
// if one is open; for flat there is nothing to finalize since every
// Write already landed on disk.
func (t *RawTxn) Close() error {
	if t.kvTx != nil {
		return t.kvTx.Commit()
	}
	return nil
}

// Abort discards the raw KV sub-transaction, if any. Per spec §4.8 this
// does not roll back any flat writes already issued.
func (t *RawTxn) Abort() error {
	if t.kvTx != nil {
		return t.kvTx.Abort()
	}
	return nil
}
