package txn

import (
	"encoding/binary"

	"github.com/cuemby/ubik/pkg/storage"
	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

// Opcode identifies a log record type. Values match the original
// source's disk.c table verbatim (spec §4.3), reused here so any
// on-disk log written by this implementation is byte-compatible with
// the documented format.
type Opcode uint32

const (
	LogNew   Opcode = 100
	LogEnd   Opcode = 101
	LogAbort Opcode = 102
	LogData  Opcode = 103
)

// logRecord is one decoded log entry.
type logRecord struct {
	op      Opcode
	version uversion.Version // valid for LogEnd
	file    storage.FlatFileID
	pos     int64
	data    []byte
}

// encodeVersion XDR-encodes a version as the 64-bit big-endian pair
// stored under the KV reserved label key (spec §4.1).
func encodeVersion(v uversion.Version) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], v.Epoch)
	binary.BigEndian.PutUint32(buf[4:8], v.Counter)
	return buf
}

func appendLogNew(b storage.FlatBackend) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(LogNew))
	return b.Append(buf)
}

func appendLogAbort(b storage.FlatBackend) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(LogAbort))
	return b.Append(buf)
}

func appendLogEnd(b storage.FlatBackend, v uversion.Version) error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(LogEnd))
	binary.BigEndian.PutUint32(buf[4:8], v.Epoch)
	binary.BigEndian.PutUint32(buf[8:12], v.Counter)
	return b.Append(buf)
}

func appendLogData(b storage.FlatBackend, file storage.FlatFileID, pos int64, data []byte) error {
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(LogData))
	binary.BigEndian.PutUint32(buf[4:8], uint32(file))
	binary.BigEndian.PutUint32(buf[8:12], uint32(pos))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	copy(buf[16:], data)
	return b.Append(buf)
}

// decodeLog reads every record from raw, the full contents of the log
// file. It stops, without error, at the first malformed or truncated
// record (spec §4.3: "malformed opcodes terminate replay safely").
func decodeLog(raw []byte) []logRecord {
	var records []logRecord
	off := 0
	for off+4 <= len(raw) {
		op := Opcode(binary.BigEndian.Uint32(raw[off : off+4]))
		off += 4
		switch op {
		case LogNew, LogAbort:
			records = append(records, logRecord{op: op})
		case LogEnd:
			if off+8 > len(raw) {
				return records
			}
			v := uversion.Version{
				Epoch:   binary.BigEndian.Uint32(raw[off : off+4]),
				Counter: binary.BigEndian.Uint32(raw[off+4 : off+8]),
			}
			off += 8
			records = append(records, logRecord{op: op, version: v})
		case LogData:
			if off+12 > len(raw) {
				return records
			}
			file := storage.FlatFileID(int32(binary.BigEndian.Uint32(raw[off : off+4])))
			pos := int64(binary.BigEndian.Uint32(raw[off+4 : off+8]))
			length := int(binary.BigEndian.Uint32(raw[off+8 : off+12]))
			off += 12
			if off+length > len(raw) {
				return records
			}
			data := make([]byte, length)
			copy(data, raw[off:off+length])
			off += length
			records = append(records, logRecord{op: op, file: file, pos: pos, data: data})
		default:
			return records
		}
	}
	return records
}

// replay scans the log twice per spec §4.3: pass 1 decides whether the
// most recent transaction ended in LogEnd; pass 2, only if so,
// re-applies every LogData record (coalescing syncs per file),
// relabels with the LogEnd version, then truncates the log.
func (m *Manager) replay() error {
	raw, err := readWholeLog(m.flat)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	records := decodeLog(raw)
	if len(records) == 0 {
		return m.truncateLog()
	}
	last := records[len(records)-1]
	if last.op != LogEnd {
		// Incomplete transaction: discard the log, keep the on-disk
		// database as-is (it reflects the last successful commit).
		return m.truncateLog()
	}

	for _, r := range records {
		if r.op == LogData {
			if err := m.flat.Write(r.file, r.pos, r.data); err != nil {
				return uerrors.Wrap(uerrors.UBADLOG, "replay write", err)
			}
		}
	}
	for _, file := range []storage.FlatFileID{storage.DataFile} {
		if err := m.flat.Sync(file); err != nil {
			return uerrors.Wrap(uerrors.UBADLOG, "replay sync", err)
		}
	}
	if err := m.flat.SetLabel(last.version); err != nil {
		return uerrors.Wrap(uerrors.UBADLOG, "replay relabel", err)
	}
	m.version = last.version
	return m.truncateLog()
}

func readWholeLog(b storage.FlatBackend) ([]byte, error) {
	if err := b.FlushAppend(); err != nil {
		return nil, err
	}
	// Read the log in 1MiB chunks since FlatBackend has no dedicated
	// "log size" accessor; a short chunk marks the end of the file.
	const chunk = 1 << 20
	var data []byte
	for {
		part, rerr := b.Read(storage.LogFile, int64(len(data)), chunk)
		if rerr != nil {
			return nil, rerr
		}
		data = append(data, part...)
		if len(part) < chunk {
			return data, nil
		}
	}
}

func (m *Manager) truncateLog() error {
	if err := m.flat.Truncate(storage.LogFile, 0); err != nil {
		// Per spec §4.3 this failure is one of the panic points: the
		// log must always be empty between transactions and a failed
		// truncate leaves that invariant unrecoverable in-process.
		panic(uerrors.Wrap(uerrors.UIOERROR, "truncate log", err))
	}
	return nil
}
