package vldb

import (
	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
)

// Flat schema region layout (spec §4.9 "Flat (VLDB v3/v4)"): a 64-byte
// header, a name-hash table, three id-hash tables, a 256-slot
// server-ip table, a small fixed extent-block area, then entries
// addressed 1-based from entriesBase. Every region is a fixed size so
// any offset is computable without reading anything else first.
const (
	nameHashOff  = headerSize
	idHashOff    = nameHashOff + NameHashSize*4
	serverTabOff = idHashOff + int(numVolTypes)*IdHashSize*4
	extentAreaOff = serverTabOff + serverSlots*4
	maxExtentBlocks = 4
	entriesBase   = extentAreaOff + maxExtentBlocks*extentSize

	// maxFlatBytes is the 2GiB ceiling spec §4.9 enforces on flat
	// databases ("Allocation... up to a 2 GiB ceiling").
	maxFlatBytes = 2 * 1024 * 1024 * 1024
)

// FlatStore implements Store over Ubik's flat byte-addressed back-end,
// preserving the on-disk hash-bucket layout spec §9 requires for
// compatibility ("A new implementation must preserve byte layout...").
type FlatStore struct {
	tx *txn.Txn
}

func (s *FlatStore) read(pos int64, length int) ([]byte, error) {
	return s.tx.Read(storage.DataFile, pos, length)
}

func (s *FlatStore) write(pos int64, data []byte) error {
	if pos+int64(len(data)) > maxFlatBytes {
		return uerrors.New(uerrors.UIOERROR, "vldb: flat database would exceed 2GiB ceiling")
	}
	return s.tx.Write(storage.DataFile, pos, data)
}

func (s *FlatStore) ReadHeader() (*Header, error) {
	buf, err := s.read(0, headerSize)
	if err != nil {
		return nil, err
	}
	return unmarshalHeader(buf), nil
}

func (s *FlatStore) WriteHeader(h *Header) error {
	return s.write(0, h.marshal())
}

func (s *FlatStore) readHashSlot(off int64) (uint32, error) {
	buf, err := s.read(off, 4)
	if err != nil {
		return 0, err
	}
	return beUint32(buf), nil
}

func (s *FlatStore) writeHashSlot(off int64, v uint32) error {
	return s.write(off, beBytes32(v))
}

func (s *FlatStore) nameSlot(bucket uint32) int64 { return int64(nameHashOff) + int64(bucket)*4 }
func (s *FlatStore) idSlot(t VolType, bucket uint32) int64 {
	return int64(idHashOff) + int64(t)*int64(IdHashSize)*4 + int64(bucket)*4
}

func (s *FlatStore) entryOffset(idx uint32) int64 {
	return int64(entriesBase) + int64(idx-1)*int64(entrySize)
}

func (s *FlatStore) readEntry(idx uint32) (*Entry, error) {
	buf, err := s.read(s.entryOffset(idx), entrySize)
	if err != nil {
		return nil, err
	}
	return UnmarshalEntry(buf)
}

func (s *FlatStore) writeEntry(idx uint32, e *Entry) error {
	return s.write(s.entryOffset(idx), e.Marshal())
}

// FindById walks each of the three id-hash chains looking for an entry
// carrying id under that VolType, since a caller generally does not
// know in advance whether id names a volume's RW, RO or BK replica
// (spec §4.9 "three id-hash tables").
func (s *FlatStore) FindById(id uint32) (*Entry, error) {
	if id == 0 {
		return nil, uerrors.New(uerrors.UNOENT, "vldb: id 0 is never valid")
	}
	for t := VolType(0); t < numVolTypes; t++ {
		idx, err := s.readHashSlot(s.idSlot(t, idHashBucket(id)))
		if err != nil {
			return nil, err
		}
		for idx != 0 {
			e, err := s.readEntry(idx)
			if err != nil {
				return nil, err
			}
			if e.Ids[t] == id {
				return e, nil
			}
			idx = e.nextIdHash[t]
		}
	}
	return nil, uerrors.New(uerrors.UNOENT, "vldb: no entry for id")
}

// FindByName walks the name-hash chain for name.
func (s *FlatStore) FindByName(name string) (*Entry, error) {
	idx, err := s.readHashSlot(s.nameSlot(nameHashBucket(name)))
	if err != nil {
		return nil, err
	}
	for idx != 0 {
		e, err := s.readEntry(idx)
		if err != nil {
			return nil, err
		}
		if e.Name == name {
			return e, nil
		}
		idx = e.nextNameHash
	}
	return nil, uerrors.New(uerrors.UNOENT, "vldb: no entry for name")
}

// allocSlot pops an index off header.FreePtr if non-zero, else extends
// header.EOFPtr by one entry (spec §4.9 "Allocation").
func (s *FlatStore) allocSlot(h *Header) (uint32, error) {
	if h.FreePtr != 0 {
		idx := h.FreePtr
		free, err := s.readEntry(idx)
		if err != nil {
			return 0, err
		}
		h.FreePtr = free.nextNameHash
		h.Frees--
		h.Allocs++
		return idx, nil
	}
	if h.EOFPtr == 0 {
		h.EOFPtr = 1
	}
	idx := h.EOFPtr
	h.EOFPtr++
	h.Allocs++
	return idx, nil
}

// ThreadVLentry assigns e a fresh RW id (header.MaxVolumeID+1), stores
// it in a freshly allocated slot, and threads it into the name hash and
// every non-zero id hash (spec §4.9 "each live record is reachable from
// the volume-name hash and from each volume-id-type hash for each
// non-zero id it carries").
func (s *FlatStore) ThreadVLentry(e *Entry) error {
	h, err := s.ReadHeader()
	if err != nil {
		return err
	}

	h.MaxVolumeID++
	e.Ids[RWVol] = h.MaxVolumeID

	idx, err := s.allocSlot(h)
	if err != nil {
		return err
	}

	nameBucket := nameHashBucket(e.Name)
	head, err := s.readHashSlot(s.nameSlot(nameBucket))
	if err != nil {
		return err
	}
	e.nextNameHash = head

	for t := VolType(0); t < numVolTypes; t++ {
		if e.Ids[t] == 0 {
			e.nextIdHash[t] = 0
			continue
		}
		bucket := idHashBucket(e.Ids[t])
		head, err := s.readHashSlot(s.idSlot(t, bucket))
		if err != nil {
			return err
		}
		e.nextIdHash[t] = head
	}

	if err := s.writeEntry(idx, e); err != nil {
		return err
	}
	if err := s.writeHashSlot(s.nameSlot(nameBucket), idx); err != nil {
		return err
	}
	for t := VolType(0); t < numVolTypes; t++ {
		if e.Ids[t] == 0 {
			continue
		}
		if err := s.writeHashSlot(s.idSlot(t, idHashBucket(e.Ids[t])), idx); err != nil {
			return err
		}
	}
	h.Totals[RWVol]++
	return s.WriteHeader(h)
}

// UnthreadVLentry removes the entry owning rwID from every chain it is
// reachable from, then pushes its slot onto the free chain.
func (s *FlatStore) UnthreadVLentry(rwID uint32) error {
	h, err := s.ReadHeader()
	if err != nil {
		return err
	}

	idx, e, err := s.locateByRWID(rwID)
	if err != nil {
		return err
	}

	if err := s.unlinkChain(s.nameSlot(nameHashBucket(e.Name)), idx, func(cur *Entry) uint32 { return cur.nextNameHash },
		func(cur *Entry, v uint32) { cur.nextNameHash = v }); err != nil {
		return err
	}
	for t := VolType(0); t < numVolTypes; t++ {
		if e.Ids[t] == 0 {
			continue
		}
		tt := t
		if err := s.unlinkChain(s.idSlot(tt, idHashBucket(e.Ids[tt])), idx,
			func(cur *Entry) uint32 { return cur.nextIdHash[tt] },
			func(cur *Entry, v uint32) { cur.nextIdHash[tt] = v }); err != nil {
			return err
		}
	}

	free := &Entry{Flags: VLFree, nextNameHash: h.FreePtr}
	if err := s.writeEntry(idx, free); err != nil {
		return err
	}
	h.FreePtr = idx
	h.Frees++
	h.Totals[RWVol]--
	return s.WriteHeader(h)
}

func (s *FlatStore) locateByRWID(rwID uint32) (uint32, *Entry, error) {
	idx, err := s.readHashSlot(s.idSlot(RWVol, idHashBucket(rwID)))
	if err != nil {
		return 0, nil, err
	}
	for idx != 0 {
		e, err := s.readEntry(idx)
		if err != nil {
			return 0, nil, err
		}
		if e.Ids[RWVol] == rwID {
			return idx, e, nil
		}
		idx = e.nextIdHash[RWVol]
	}
	return 0, nil, uerrors.New(uerrors.UNOENT, "vldb: no entry for rw id")
}

// unlinkChain walks the chain rooted at headSlot looking for target,
// rewriting the previous link (or the bucket head) to skip it.
func (s *FlatStore) unlinkChain(headSlot int64, target uint32, next func(*Entry) uint32, setNext func(*Entry, uint32)) error {
	idx, err := s.readHashSlot(headSlot)
	if err != nil {
		return err
	}
	if idx == target {
		e, err := s.readEntry(idx)
		if err != nil {
			return err
		}
		return s.writeHashSlot(headSlot, next(e))
	}
	prevIdx := idx
	for prevIdx != 0 {
		prev, err := s.readEntry(prevIdx)
		if err != nil {
			return err
		}
		n := next(prev)
		if n == target {
			cur, err := s.readEntry(target)
			if err != nil {
				return err
			}
			setNext(prev, next(cur))
			return s.writeEntry(prevIdx, prev)
		}
		prevIdx = n
	}
	return uerrors.New(uerrors.UINTERNAL, "vldb: entry not found in expected chain")
}

// NextEntry walks entry slots in storage order starting after cursor,
// skipping free slots.
func (s *FlatStore) NextEntry(cursor uint64) (*Entry, uint64, error) {
	h, err := s.ReadHeader()
	if err != nil {
		return nil, 0, err
	}
	idx := uint32(cursor) + 1
	for idx < h.EOFPtr {
		e, err := s.readEntry(idx)
		if err != nil {
			return nil, 0, err
		}
		if e.Flags&VLFree == 0 {
			return e, uint64(idx), nil
		}
		idx++
	}
	return nil, 0, nil
}

func (s *FlatStore) extentOffset(base uint32) int64 { return int64(extentAreaOff) + int64(base) }

// ExtentBlock reads the fixed-size block at byte offset base within the
// extent area (spec §4.9 "chained from header.SIT").
func (s *FlatStore) ExtentBlock(base uint32) ([]byte, error) {
	if base == 0 {
		return nil, nil
	}
	return s.read(s.extentOffset(base), extentSize)
}

// SetExtentBlock writes data as the extent block at base, extending
// header.SIT to include it if this is the first block allocated.
func (s *FlatStore) SetExtentBlock(base uint32, data []byte) error {
	if len(data) != extentSize {
		return uerrors.New(uerrors.UBADLOG, "vldb: extent block must be exactly 8KiB")
	}
	if err := s.write(s.extentOffset(base), data); err != nil {
		return err
	}
	h, err := s.ReadHeader()
	if err != nil {
		return err
	}
	if h.SIT == 0 {
		h.SIT = base
		return s.WriteHeader(h)
	}
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beBytes32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
