package vldb

import (
	"encoding/binary"

	"github.com/cuemby/ubik/pkg/uerrors"
)

// VolType names one of a volume's up to three replica ids (spec §4.9).
type VolType int

const (
	RWVol VolType = iota
	ROVol
	BKVol
	numVolTypes
)

func (v VolType) String() string {
	switch v {
	case RWVol:
		return "RW"
	case ROVol:
		return "RO"
	case BKVol:
		return "BK"
	default:
		return "unknown"
	}
}

const (
	// NameHashSize and IdHashSize are the flat schema's bucket counts
	// (spec §4.9: "8191-bucket name hash" / "three id-hash tables of
	// 8191 buckets").
	NameHashSize = 8191
	IdHashSize   = 8191

	// MaxServers is how many replica sites a single entry records,
	// chosen so Entry.Marshal's fixed layout totals entrySize bytes
	// (spec §4.9: "fixed 148-byte entries"): 3*4 id words + flags +
	// cloneID + nextNameHash + 3*4 nextIdHash words + 64-byte name =
	// 100 bytes, leaving 48 for three MaxServers-element uint32 arrays.
	MaxServers  = 4
	MaxNameLen  = 64
	headerSize  = 64
	entrySize   = 4*int(numVolTypes) + 4 + 4 + 4 + 4*int(numVolTypes) + MaxNameLen + 3*4*MaxServers
	extentSize  = 8192
	serverSlots = 256
)

// Entry is one volume-entry record (nvlentry): spec §4.9's "set of
// volume entries keyed by RW volume id".
type Entry struct {
	Ids  [numVolTypes]uint32 // RW, RO, BK; 0 means "not present"
	Name string              // <= MaxNameLen bytes

	Flags   uint32
	CloneID uint32

	ServerNumber    [MaxServers]uint32
	ServerPartition [MaxServers]uint32
	ServerFlags     [MaxServers]uint32

	// nextNameHash/nextIdHash are hash-chain links; only meaningful in
	// the flat schema, left zero (and ignored) by the KV schema.
	nextNameHash uint32
	nextIdHash   [numVolTypes]uint32
}

// RWID is the entry's primary (RW) volume id, its canonical key in
// both schemas.
func (e *Entry) RWID() uint32 { return e.Ids[RWVol] }

// Marshal encodes e into a fixed entrySize-byte record, network order
// throughout (spec §3 "all 32-bit network order").
func (e *Entry) Marshal() []byte {
	buf := make([]byte, entrySize)
	off := 0
	for _, id := range e.Ids {
		binary.BigEndian.PutUint32(buf[off:], id)
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:], e.Flags)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], e.CloneID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], e.nextNameHash)
	off += 4
	for _, n := range e.nextIdHash {
		binary.BigEndian.PutUint32(buf[off:], n)
		off += 4
	}
	nameBytes := []byte(e.Name)
	copy(buf[off:off+MaxNameLen], nameBytes)
	off += MaxNameLen
	for _, s := range e.ServerNumber {
		binary.BigEndian.PutUint32(buf[off:], s)
		off += 4
	}
	for _, s := range e.ServerPartition {
		binary.BigEndian.PutUint32(buf[off:], s)
		off += 4
	}
	for _, s := range e.ServerFlags {
		binary.BigEndian.PutUint32(buf[off:], s)
		off += 4
	}
	return buf
}

// Unmarshal decodes a fixed entrySize-byte record produced by Marshal.
func UnmarshalEntry(buf []byte) (*Entry, error) {
	if len(buf) != entrySize {
		return nil, uerrors.New(uerrors.UBADLOG, "vldb: malformed entry record")
	}
	e := &Entry{}
	off := 0
	for i := range e.Ids {
		e.Ids[i] = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	e.Flags = binary.BigEndian.Uint32(buf[off:])
	off += 4
	e.CloneID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	e.nextNameHash = binary.BigEndian.Uint32(buf[off:])
	off += 4
	for i := range e.nextIdHash {
		e.nextIdHash[i] = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	nameEnd := off + MaxNameLen
	nameBuf := buf[off:nameEnd]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	e.Name = string(nameBuf[:n])
	off = nameEnd
	for i := range e.ServerNumber {
		e.ServerNumber[i] = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range e.ServerPartition {
		e.ServerPartition[i] = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range e.ServerFlags {
		e.ServerFlags[i] = binary.BigEndian.Uint32(buf[off:])
		off += 4
	}
	return e, nil
}

// Header is the flat schema's vital statistics block (spec §4.9
// "cheader"): eofPtr/freePtr drive entry allocation, totals counts
// entries by VolType.
type Header struct {
	Version     uint32
	EOFPtr      uint32 // next never-used entry slot (1-based)
	FreePtr     uint32 // head of the free-entry chain, 0 if empty
	Allocs      uint32
	Frees       uint32
	MaxVolumeID uint32
	Totals      [numVolTypes]uint32
	SIT         uint32 // base offset of the first multi-homed server extent block, 0 if none allocated
}

// VLFree marks an entry slot as on the free chain (spec §4.9 "free
// records form a single linked chain").
const VLFree uint32 = 1 << 0

func (h *Header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:], h.Version)
	binary.BigEndian.PutUint32(buf[4:], h.EOFPtr)
	binary.BigEndian.PutUint32(buf[8:], h.FreePtr)
	binary.BigEndian.PutUint32(buf[12:], h.Allocs)
	binary.BigEndian.PutUint32(buf[16:], h.Frees)
	binary.BigEndian.PutUint32(buf[20:], h.MaxVolumeID)
	for i, t := range h.Totals {
		binary.BigEndian.PutUint32(buf[24+4*i:], t)
	}
	binary.BigEndian.PutUint32(buf[24+4*int(numVolTypes):], h.SIT)
	return buf
}

func unmarshalHeader(buf []byte) *Header {
	h := &Header{}
	h.Version = binary.BigEndian.Uint32(buf[0:])
	h.EOFPtr = binary.BigEndian.Uint32(buf[4:])
	h.FreePtr = binary.BigEndian.Uint32(buf[8:])
	h.Allocs = binary.BigEndian.Uint32(buf[12:])
	h.Frees = binary.BigEndian.Uint32(buf[16:])
	h.MaxVolumeID = binary.BigEndian.Uint32(buf[20:])
	for i := range h.Totals {
		h.Totals[i] = binary.BigEndian.Uint32(buf[24+4*i:])
	}
	h.SIT = binary.BigEndian.Uint32(buf[24+4*int(numVolTypes):])
	return h
}
