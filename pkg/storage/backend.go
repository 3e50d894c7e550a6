package storage

import (
	"io"

	"github.com/cuemby/ubik/pkg/uversion"
)

// Kind tags which physical encoding a database uses. Chosen at creation
// time and detectable on open (spec §3).
type Kind int

const (
	Flat Kind = iota
	KV
)

func (k Kind) String() string {
	if k == KV {
		return "kv"
	}
	return "flat"
}

// Stat reports summary information about an open database, used by the
// checker/upgrader CLI and by recovery's version probes.
type Stat struct {
	Kind    Kind
	Version uversion.Version
	Size    int64
}

// Backend is the lifecycle surface every physical back-end implements
// regardless of encoding: labelling, stat, copy and close. Data access
// past this point is encoding-specific — see FlatBackend and KVBackend.
type Backend interface {
	Kind() Kind
	GetLabel() (uversion.Version, error)
	SetLabel(v uversion.Version) error
	Stat() (Stat, error)
	// Copy duplicates the entire database (data + label) to destPath,
	// a sibling path of the same kind. Used by cmd/ubik-util to write
	// its pre-upgrade backup copy.
	Copy(destPath string) error
	Close() error

	// ExportSnapshot returns the whole database's bytes (the same
	// payload Copy would write) and its current label, for shipping to a
	// peer in one DISK_GetFile2 reply (spec §4.6).
	ExportSnapshot() ([]byte, uversion.Version, error)

	// InstallSnapshot atomically replaces this database with data,
	// labelling it version: the install() primitive of spec §4.7. It
	// writes to a temp path, optionally links the current primary to
	// backupSuffix (flat: PATH.DB<backupSuffix>; KV: the bbolt file's
	// path, a dot, then backupSuffix; empty discards it), then
	// atomically swaps it into place. Any in-flight transactions must be
	// aborted by the caller first; pkg/txn.Manager.Reload does not abort
	// them, it only resets in-memory state after the swap.
	InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error
}

// FlatFileID identifies an addressable region in a flat database.
// Positive ids map to PATH.DB<id> (only 0 is used by Ubik itself,
// higher ids are left for applications); negative ids map to
// PATH.DBSYS<|id|> (only -1, the log, is used).
type FlatFileID int32

const (
	DataFile FlatFileID = 0
	LogFile  FlatFileID = -1
)

// FlatBackend is the flat physical back-end's full operation vocabulary
// (spec §4.1): random-access read/write/truncate/sync over the data
// file, an append-only stream over the log file, and whole-database
// stream transfer used by recovery's GetFile/GetFile2 and SendFile/
// SendFile2 RPCs.
type FlatBackend interface {
	Backend

	Read(file FlatFileID, pos int64, length int) ([]byte, error)
	Write(file FlatFileID, pos int64, data []byte) error
	Truncate(file FlatFileID, size int64) error
	Sync(file FlatFileID) error

	// Append writes to the log's single cached stream. Per spec §4.1 it
	// must be flushed before any Read/Sync/Truncate of the log file.
	Append(data []byte) error
	FlushAppend() error

	// RecvStream reads a length-prefixed byte stream into a new .TMP
	// file, labels it with version and returns once fully received.
	RecvStream(r io.Reader, version uversion.Version) error
	// SendStream validates the on-disk label equals expect before
	// streaming the database's bytes to w, length-prefixed.
	SendStream(w io.Writer, expect uversion.Version) error

	// InvalidateFDCache discards every cached open file descriptor,
	// used wholesale after install/truncate per spec §4.1.
	InvalidateFDCache()
}

// KVTx is a single KV sub-transaction (spec §3 "Transaction... an
// optional KV sub-transaction").
type KVTx interface {
	Get(key []byte) ([]byte, error)
	// Put stores value under key. If replace is false and key already
	// exists, Put returns an error instead of overwriting.
	Put(key, value []byte, replace bool) error
	Delete(key []byte) error
	// Next returns the first key strictly greater than after (or the
	// first key overall if after is nil), for cursor-style iteration.
	// It returns (nil, nil, nil) at end of iteration.
	Next(after []byte) (key, value []byte, err error)
	Commit() error
	Abort() error
}

// KVBackend is the KV physical back-end's operation vocabulary (spec
// §4.1): begin(ro|rw)/get/put/del/next/commit/abort plus the shared
// Backend lifecycle. The KV engine's own commit is atomic; Ubik
// maintains no separate log for KV databases.
type KVBackend interface {
	Backend

	// BeginTx opens a KV sub-transaction. writable selects rw vs ro.
	BeginTx(writable bool) (KVTx, error)
}

// ReservedPrefix is the single reserved key-prefix byte (spec §3) under
// which Ubik stores its own metadata — notably the database label — in
// a KV database. Keys with this prefix are never exposed to
// applications (including VLDB, which tags its own keys starting at
// byte values disjoint from this one; see pkg/vldb).
const ReservedPrefix byte = 0x55

// LabelKey is the fixed reserved key holding the XDR-encoded 64-bit
// version label in a KV database.
var LabelKey = []byte{ReservedPrefix, 'l', 'a', 'b', 'e', 'l'}
