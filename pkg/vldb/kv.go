package vldb

import (
	"encoding/binary"

	"github.com/cuemby/ubik/pkg/txn"
	"github.com/cuemby/ubik/pkg/uerrors"
)

// KV schema key tags (spec §4.9 "KEY_CHEADERKV" / "KEY_VOLID" /
// "KEY_VOLNAME" / "KEY_EXBLOCK"), grounded on original_source's
// VL4KV_KEY_* constants. None start with storage.ReservedPrefix
// (0x55), so VLDB's keyspace never collides with Ubik's own reserved
// label key.
const (
	tagCheader uint32 = 1
	tagVolID   uint32 = 2
	tagVolName uint32 = 3
	tagExBlock uint32 = 4
)

// KVStore implements Store directly over tagged KV keys, with no hash
// buckets: lookups are O(1) key gets instead of chain walks (spec
// §4.9 "KV (VLDB v4-kv). No buckets.").
type KVStore struct {
	tx *txn.Txn
}

func tagKey(tag uint32, rest ...byte) []byte {
	b := make([]byte, 4+len(rest))
	binary.BigEndian.PutUint32(b, tag)
	copy(b[4:], rest)
	return b
}

func idKey(id uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, tagVolID)
	binary.BigEndian.PutUint32(b[4:], id)
	return b
}

func nameKey(name string) []byte {
	return tagKey(tagVolName, []byte(name)...)
}

func exBlockKey(base uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, tagExBlock)
	binary.BigEndian.PutUint32(b[4:], base)
	return b
}

var cheaderKey = tagKey(tagCheader)

func (s *KVStore) ReadHeader() (*Header, error) {
	buf, err := s.tx.KVGet(cheaderKey)
	if uerrors.Is(err, uerrors.UNOENT) {
		return &Header{}, nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalHeader(padTo(buf, headerSize)), nil
}

func (s *KVStore) WriteHeader(h *Header) error {
	return s.tx.KVPut(cheaderKey, h.marshal(), true)
}

// FindById fetches the full entry directly when id is the RW id, or
// follows the stored RW-id indirection for RO/BK ids (spec §4.9 "value
// = 4-byte big-endian rw_id").
func (s *KVStore) FindById(id uint32) (*Entry, error) {
	if id == 0 {
		return nil, uerrors.New(uerrors.UNOENT, "vldb: id 0 is never valid")
	}
	buf, err := s.tx.KVGet(idKey(id))
	if uerrors.Is(err, uerrors.UNOENT) {
		return nil, uerrors.New(uerrors.UNOENT, "vldb: no entry for id")
	}
	if err != nil {
		return nil, err
	}
	if len(buf) == entrySize {
		return UnmarshalEntry(buf)
	}
	rwID, err := decodeBE32(buf)
	if err != nil {
		return nil, err
	}
	return s.FindById(rwID)
}

// FindByName follows the name->rwid indirection then fetches the full
// entry by RW id.
func (s *KVStore) FindByName(name string) (*Entry, error) {
	buf, err := s.tx.KVGet(nameKey(name))
	if uerrors.Is(err, uerrors.UNOENT) {
		return nil, uerrors.New(uerrors.UNOENT, "vldb: no entry for name")
	}
	if err != nil {
		return nil, err
	}
	rwID, err := decodeBE32(buf)
	if err != nil {
		return nil, err
	}
	return s.FindById(rwID)
}

// ThreadVLentry assigns e a fresh RW id and writes its full record
// under KEY_VOLID+rwid plus an indirection key for the name and every
// non-RW id it carries.
func (s *KVStore) ThreadVLentry(e *Entry) error {
	h, err := s.ReadHeader()
	if err != nil {
		return err
	}
	h.MaxVolumeID++
	e.Ids[RWVol] = h.MaxVolumeID

	if err := s.tx.KVPut(idKey(e.Ids[RWVol]), e.Marshal(), true); err != nil {
		return err
	}
	if err := s.tx.KVPut(nameKey(e.Name), encodeBE32(e.Ids[RWVol]), true); err != nil {
		return err
	}
	for t := ROVol; t <= BKVol; t++ {
		if e.Ids[t] == 0 {
			continue
		}
		if err := s.tx.KVPut(idKey(e.Ids[t]), encodeBE32(e.Ids[RWVol]), true); err != nil {
			return err
		}
	}
	h.Totals[RWVol]++
	return s.WriteHeader(h)
}

// UnthreadVLentry deletes the full record and every indirection key
// pointing at it.
func (s *KVStore) UnthreadVLentry(rwID uint32) error {
	h, err := s.ReadHeader()
	if err != nil {
		return err
	}
	e, err := s.FindById(rwID)
	if err != nil {
		return err
	}
	if err := s.tx.KVDelete(idKey(rwID)); err != nil {
		return err
	}
	if err := s.tx.KVDelete(nameKey(e.Name)); err != nil {
		return err
	}
	for t := ROVol; t <= BKVol; t++ {
		if e.Ids[t] == 0 {
			continue
		}
		if err := s.tx.KVDelete(idKey(e.Ids[t])); err != nil {
			return err
		}
	}
	h.Totals[RWVol]--
	return s.WriteHeader(h)
}

// NextEntry iterates every key in order, skipping everything but full
// VOLID->nvlentry values. The cursor is the RW id of the last entry
// returned (0 to start): a full record's key is always KEY_VOLID+rwid,
// so the id alone is enough to re-derive where iteration left off.
func (s *KVStore) NextEntry(cursor uint64) (*Entry, uint64, error) {
	after := idKey(uint32(cursor))
	if cursor == 0 {
		after = nil
	}
	for {
		key, value, err := s.tx.KVNext(after)
		if err != nil {
			return nil, 0, err
		}
		if key == nil {
			return nil, 0, nil
		}
		after = key
		if len(key) == 8 && binary.BigEndian.Uint32(key) == tagVolID && len(value) == entrySize {
			e, err := UnmarshalEntry(value)
			if err != nil {
				return nil, 0, err
			}
			return e, uint64(e.Ids[RWVol]), nil
		}
		if len(key) > 4 && binary.BigEndian.Uint32(key) > tagVolID {
			// Keys are iterated in byte order, so once we pass the VOLID
			// tag range (lowest id family after CHEADERKV) there is
			// nothing left worth visiting.
			return nil, 0, nil
		}
	}
}

func (s *KVStore) ExtentBlock(base uint32) ([]byte, error) {
	buf, err := s.tx.KVGet(exBlockKey(base))
	if uerrors.Is(err, uerrors.UNOENT) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *KVStore) SetExtentBlock(base uint32, data []byte) error {
	if len(data) != extentSize {
		return uerrors.New(uerrors.UBADLOG, "vldb: extent block must be exactly 8KiB")
	}
	if err := s.tx.KVPut(exBlockKey(base), data, true); err != nil {
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

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
