package vldb

import (
	"encoding/binary"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
)

// Store is the back-end-agnostic operation vocabulary spec §4.9
// dispatches on: FindById/FindByName/ThreadVLentry/UnthreadVLentry/
// NextEntry, plus the header/extent accessors the upgrade tool needs.
// There are exactly two implementations, FlatStore and KVStore
// (spec §9 "Dynamic dispatch... a tagged interface with exactly two
// implementations").
type Store interface {
	// ReadHeader returns the current header; in both schemas it carries
	// only the Header fields, never the flat hash tables.
	ReadHeader() (*Header, error)
	// WriteHeader persists h.
	WriteHeader(h *Header) error

	// FindById looks up the entry owning id as any of its RW/RO/BK
	// volume ids.
	FindById(id uint32) (*Entry, error)
	// FindByName looks up the entry by its volume name.
	FindByName(name string) (*Entry, error)

	// ThreadVLentry inserts e as a new entry (e.RWID() must be unset;
	// the store assigns an id from h.MaxVolumeID+1) and threads it into
	// the name hash and every non-zero id hash (flat) or writes its
	// tagged keys (KV).
	ThreadVLentry(e *Entry) error
	// UnthreadVLentry removes the entry owning rwID from every index it
	// is reachable from and frees its storage.
	UnthreadVLentry(rwID uint32) error

	// NextEntry iterates every live entry in storage order (flat:
	// header.EOFPtr order skipping free slots; KV: key order skipping
	// everything but VOLID->nvlentry values). cursor is 0/nil to start;
	// returns a nil entry and zero cursor at end of iteration.
	NextEntry(cursor uint64) (e *Entry, next uint64, err error)

	// ExtentBlock reads the multi-homed server extent block rooted at
	// base (flat: the single 8KiB block at offset base in the extent
	// area; KV: a single tagged value). Other blocks are not followed.
	// A zero base (flat) or a missing key (KV) returns (nil, nil).
	ExtentBlock(base uint32) ([]byte, error)
	// SetExtentBlock writes data (exactly extentSize bytes) as the
	// extent block at base.
	SetExtentBlock(base uint32, data []byte) error
}

// Open picks the Store implementation matching tx's backend kind
// (spec §4.9 "Operations... are dispatched on the back-end tag").
func Open(tx *txn.Txn) (Store, error) {
	switch tx.Kind() {
	case storage.Flat:
		return &FlatStore{tx: tx}, nil
	case storage.KV:
		return &KVStore{tx: tx}, nil
	default:
		return nil, uerrors.New(uerrors.UINTERNAL, "vldb: unknown backend kind")
	}
}

// idHashBucket and nameHashBucket compute the flat schema's open-chain
// hash bucket indices (spec §4.9 "8191-bucket" tables), grounded on
// original_source/src/vlserver/vldb_check.c's IDHash/NameHash.
func idHashBucket(id uint32) uint32 { return id % IdHashSize }

// nameHashBucket mirrors vldb_check.c's NameHash byte-for-byte: it
// scans the name backward from its last character, folding each byte
// in as (hash*63 + (byte-63)), and only reduces mod NameHashSize once
// at the end. Computing this any other way (forward scan, reducing
// mod on every byte, a different multiplier) lands volumes in
// different buckets than real OpenAFS vlserver/vldb_check would,
// which spec §9 explicitly forbids for this table.
func nameHashBucket(name string) uint32 {
	var h uint32
	for i := len(name) - 1; i >= 0; i-- {
		h = h*63 + uint32(name[i]) - 63
	}
	return h % NameHashSize
}

// encodeBE32/decodeBE32 are the KV schema's plain network-order 32-bit
// scalar encoding for volid-indirection values (spec §4.9 "value =
// 4-byte big-endian rw_id").
func encodeBE32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeBE32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, uerrors.New(uerrors.UBADLOG, "vldb: malformed 4-byte indirection value")
	}
	return binary.BigEndian.Uint32(b), nil
}
