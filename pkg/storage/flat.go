package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
)

// headerMagic is the fixed flat-database header magic (spec §6).
const headerMagic uint32 = 0x00354545

// headerSize is the fixed header length; file I/O addresses positions
// relative to the end of it.
const headerSize = 64

// maxDatabaseSize is the 2 GiB ceiling on a flat database's data file
// (spec §8 boundary behavior).
const maxDatabaseSize = 2 << 30

// fdCacheSlots is the default size of the open-file-descriptor LRU
// (spec §4.1: "a fixed-size LRU cache of open file descriptors
// (default 4 slots)").
const fdCacheSlots = 4

// FlatStore is the flat physical back-end: a single fixed-header data
// file plus a parallel append-only log file, both addressed relative to
// a shared base path. File ids map to path suffixes: DataFile (0) to
// PATH.DB0, LogFile (-1) to PATH.DBSYS1.
//
// Grounded on the teacher's pkg/storage/boltdb.go CRUD-over-bucket
// shape, adapted here to byte-range file I/O since no pack example
// wraps raw positional file access in a third-party library (bbolt is
// an ordered KV engine, not a fit for a fixed-page flat format whose
// byte layout is part of the wire/on-disk contract).
type FlatStore struct {
	mu       sync.Mutex
	basePath string

	fds     map[FlatFileID]*os.File
	fdOrder []FlatFileID // MRU at the end

	logStream *os.File // the single cached append stream for the log
}

// pathFor returns the on-disk path for a flat file id.
func (s *FlatStore) pathFor(id FlatFileID) string {
	if id >= 0 {
		return fmt.Sprintf("%s.DB%d", s.basePath, id)
	}
	return fmt.Sprintf("%s.DBSYS%d", s.basePath, -id)
}

// OpenFlatStore opens (creating if necessary) a flat database rooted at
// basePath. A freshly created database is labelled (1,1) per spec §3.
func OpenFlatStore(basePath string) (*FlatStore, error) {
	s := &FlatStore{
		basePath: basePath,
		fds:      make(map[FlatFileID]*os.File),
	}
	path := s.pathFor(DataFile)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		// existing database, nothing to initialize
	case os.IsNotExist(err):
		if err := s.initHeader(path, uversion.Initial); err != nil {
			return nil, err
		}
	default:
		return nil, uerrors.Wrap(uerrors.UIOERROR, "stat data file", err)
	}
	return s, nil
}

func (s *FlatStore) initHeader(path string, v uversion.Version) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "create data dir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "create data file", err)
	}
	defer f.Close()
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], headerMagic)
	binary.BigEndian.PutUint32(hdr[4:8], headerSize)
	binary.BigEndian.PutUint32(hdr[8:12], v.Epoch)
	binary.BigEndian.PutUint32(hdr[12:16], v.Counter)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write header", err)
	}
	return nil
}

func (s *FlatStore) Kind() Kind { return Flat }

// fd returns a cached, opened *os.File for id, creating and caching it
// (evicting the LRU victim if the cache is full) on miss. Caller holds
// s.mu.
func (s *FlatStore) fd(id FlatFileID) (*os.File, error) {
	if f, ok := s.fds[id]; ok {
		s.touch(id)
		return f, nil
	}
	f, err := os.OpenFile(s.pathFor(id), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "open flat file", err)
	}
	if len(s.fdOrder) >= fdCacheSlots {
		victim := s.fdOrder[0]
		s.fdOrder = s.fdOrder[1:]
		if old, ok := s.fds[victim]; ok {
			old.Close()
			delete(s.fds, victim)
		}
	}
	s.fds[id] = f
	s.fdOrder = append(s.fdOrder, id)
	return f, nil
}

func (s *FlatStore) touch(id FlatFileID) {
	for i, v := range s.fdOrder {
		if v == id {
			s.fdOrder = append(s.fdOrder[:i], s.fdOrder[i+1:]...)
			break
		}
	}
	s.fdOrder = append(s.fdOrder, id)
}

// InvalidateFDCache discards every cached descriptor (spec §4.1: "wholesale on install/truncate").
func (s *FlatStore) InvalidateFDCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateFDCacheLocked()
}

func (s *FlatStore) invalidateFDCacheLocked() {
	for _, f := range s.fds {
		f.Close()
	}
	s.fds = make(map[FlatFileID]*os.File)
	s.fdOrder = nil
}

// offset translates an application-relative position for id into an
// absolute file offset. Only the data file carries the 64-byte header;
// the log file is a raw opcode stream from offset 0.
func offsetFor(id FlatFileID, pos int64) int64 {
	if id == DataFile {
		return headerSize + pos
	}
	return pos
}

func (s *FlatStore) Read(id FlatFileID, pos int64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offsetFor(id, pos))
	if err != nil && err != io.EOF {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "read flat file", err)
	}
	return buf[:n], nil
}

func (s *FlatStore) Write(id FlatFileID, pos int64, data []byte) error {
	if id == DataFile && headerSize+pos+int64(len(data)) > maxDatabaseSize {
		return uerrors.New(uerrors.UIOERROR, "write would exceed 2GiB database ceiling")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(id)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offsetFor(id, pos)); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write flat file", err)
	}
	return nil
}

func (s *FlatStore) Truncate(id FlatFileID, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(id)
	if err != nil {
		return err
	}
	abs := offsetFor(id, size)
	if err := f.Truncate(abs); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "truncate flat file", err)
	}
	return nil
}

func (s *FlatStore) Sync(id FlatFileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(id)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "sync flat file", err)
	}
	return nil
}

// Append writes to the log's single cached stream, unsynced (spec
// §4.3: LOGDATA/LOGNEW/LOGABORT are never synced; only LOGEND forces a
// sync, via FlushAppend, which fsyncs the stream, at commit time).
func (s *FlatStore) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logStream == nil {
		f, err := os.OpenFile(s.pathFor(LogFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
		if err != nil {
			return uerrors.Wrap(uerrors.UIOERROR, "open log stream", err)
		}
		s.logStream = f
	}
	if _, err := s.logStream.Write(data); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "append log", err)
	}
	return nil
}

// FlushAppend flushes the cached log stream. Must be called before any
// Read/Sync/Truncate of the log file, per spec §4.1.
func (s *FlatStore) FlushAppend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logStream == nil {
		return nil
	}
	if err := s.logStream.Sync(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "flush log stream", err)
	}
	return nil
}

func (s *FlatStore) GetLabel() (uversion.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(DataFile)
	if err != nil {
		return uversion.Version{}, err
	}
	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "read header", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != headerMagic {
		return uversion.Version{}, uerrors.New(uerrors.UIOERROR, "bad header magic")
	}
	return uversion.Version{
		Epoch:   binary.BigEndian.Uint32(hdr[8:12]),
		Counter: binary.BigEndian.Uint32(hdr[12:16]),
	}, nil
}

func (s *FlatStore) SetLabel(v uversion.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(DataFile)
	if err != nil {
		return err
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], headerMagic)
	binary.BigEndian.PutUint32(hdr[4:8], headerSize)
	binary.BigEndian.PutUint32(hdr[8:12], v.Epoch)
	binary.BigEndian.PutUint32(hdr[12:16], v.Counter)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write label", err)
	}
	return nil
}

func (s *FlatStore) Stat() (Stat, error) {
	v, err := s.GetLabel()
	if err != nil {
		return Stat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fd(DataFile)
	if err != nil {
		return Stat{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Stat{}, uerrors.Wrap(uerrors.UIOERROR, "stat data file", err)
	}
	return Stat{Kind: Flat, Version: v, Size: info.Size()}, nil
}

func (s *FlatStore) Copy(destPath string) error {
	v, err := s.GetLabel()
	if err != nil {
		return err
	}
	dest := &FlatStore{basePath: destPath, fds: make(map[FlatFileID]*os.File)}
	if err := dest.initHeader(dest.pathFor(DataFile), v); err != nil {
		return err
	}
	s.mu.Lock()
	srcF, err := s.fd(DataFile)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	st, err := srcF.Stat()
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "stat source", err)
	}
	buf := make([]byte, st.Size())
	if _, err := srcF.ReadAt(buf, 0); err != nil && err != io.EOF {
		return uerrors.Wrap(uerrors.UIOERROR, "read source", err)
	}
	if err := dest.Write(DataFile, 0, buf[headerSize:]); err != nil {
		return err
	}
	return dest.Close()
}

func (s *FlatStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateFDCacheLocked()
	if s.logStream != nil {
		s.logStream.Close()
		s.logStream = nil
	}
	return nil
}

// RecvStream reads a length-prefixed stream of bytes into a new .TMP
// file and labels it with version (spec §4.1, §6 GetFile wire format).
func (s *FlatStore) RecvStream(r io.Reader, version uversion.Version) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "read stream length prefix", err)
	}
	tmpPath := (&FlatStore{basePath: s.basePath + ".TMP"}).pathFor(DataFile)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "create tmp file", err)
	}
	defer f.Close()
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "seek past tmp header", err)
	}
	if _, err := io.CopyN(f, r, int64(length)); err != nil {
		// Open Question (a): a short stream here means the label was
		// never applied; treat this fetch as failed rather than
		// partially installing.
		return uerrors.Wrap(uerrors.UIOERROR, "truncated stream receive", err)
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], headerMagic)
	binary.BigEndian.PutUint32(hdr[4:8], headerSize)
	binary.BigEndian.PutUint32(hdr[8:12], version.Epoch)
	binary.BigEndian.PutUint32(hdr[12:16], version.Counter)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "label tmp file", err)
	}
	return nil
}

// SendStream validates the on-disk label matches expect, then streams
// the database length-prefixed to w.
func (s *FlatStore) SendStream(w io.Writer, expect uversion.Version) error {
	v, err := s.GetLabel()
	if err != nil {
		return err
	}
	if v != expect {
		return uerrors.New(uerrors.UBADVERSION, "send stream label mismatch")
	}
	st, err := s.Stat()
	if err != nil {
		return err
	}
	payload := st.Size - headerSize
	if err := binary.Write(w, binary.BigEndian, uint32(payload)); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write stream length prefix", err)
	}
	data, err := s.Read(DataFile, 0, int(payload))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write stream body", err)
	}
	return nil
}

// ExportSnapshot returns the data file's payload (past the header) and
// its current label.
func (s *FlatStore) ExportSnapshot() ([]byte, uversion.Version, error) {
	v, err := s.GetLabel()
	if err != nil {
		return nil, uversion.Version{}, err
	}
	st, err := s.Stat()
	if err != nil {
		return nil, uversion.Version{}, err
	}
	data, err := s.Read(DataFile, 0, int(st.Size-headerSize))
	if err != nil {
		return nil, uversion.Version{}, err
	}
	return data, v, nil
}

// InstallSnapshot writes data to a .TMP file labelled version, then
// atomically swaps it in as the primary data file, optionally
// preserving the current primary under basePath+".DB"+backupSuffix via
// a hard link first.
func (s *FlatStore) InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.basePath + ".TMP"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "create install tmp file", err)
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], headerMagic)
	binary.BigEndian.PutUint32(hdr[4:8], headerSize)
	binary.BigEndian.PutUint32(hdr[8:12], version.Epoch)
	binary.BigEndian.PutUint32(hdr[12:16], version.Counter)
	if _, err := f.WriteAt(hdr, 0); err != nil {
		f.Close()
		return uerrors.Wrap(uerrors.UIOERROR, "write install header", err)
	}
	if _, err := f.WriteAt(data, headerSize); err != nil {
		f.Close()
		return uerrors.Wrap(uerrors.UIOERROR, "write install payload", err)
	}
	if err := f.Close(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "close install tmp file", err)
	}

	primary := s.pathFor(DataFile)
	if backupSuffix != "" {
		backup := s.basePath + ".DB" + backupSuffix
		if err := os.Link(primary, backup); err != nil && !os.IsNotExist(err) {
			return uerrors.Wrap(uerrors.UIOERROR, "link pre-install backup", err)
		}
	}
	s.invalidateFDCacheLocked()
	if err := os.Rename(tmpPath, primary); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "install database", err)
	}
	return nil
}

var _ FlatBackend = (*FlatStore)(nil)
