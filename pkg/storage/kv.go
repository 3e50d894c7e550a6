package storage

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/ubik/pkg/uerrors"
	"github.com/cuemby/ubik/pkg/uversion"
	bolt "go.etcd.io/bbolt"
)

// kvBucket is the single bucket all keys (Ubik-reserved and
// application) live in. Grounded on the teacher's pkg/storage/boltdb.go
// bucket-per-entity CRUD pattern, generalized here to a single flat
// byte-key/byte-value bucket since Ubik's KV contract (spec §4.1) is an
// opaque ordered key/value space, not a set of typed entities.
var kvBucket = []byte("ubik")

// configFileName names the sibling config file that identifies the
// storage engine (spec §6 "a small oafs-storage.conf file").
const configFileName = "oafs-storage.conf"

// KVStore is the KV physical back-end: a directory containing a bbolt
// file plus a config file naming the engine. Grounded on the teacher's
// BoltStore (pkg/storage/boltdb.go) and cross-referenced with
// _examples/rmoorman-bazil/db/volume.go's bucket-of-entries-by-id shape.
type KVStore struct {
	dir string
	db  *bolt.DB
}

// OpenKVStore opens (creating if necessary) a KV database directory.
func OpenKVStore(dir string) (*KVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "create kv dir", err)
	}
	dbPath := filepath.Join(dir, "store.db")
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "open bbolt db", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, uerrors.Wrap(uerrors.UIOERROR, "create kv bucket", err)
	}
	s := &KVStore{dir: dir, db: db}
	confPath := filepath.Join(dir, configFileName)
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		conf := "[ubik_db]\nengine = ubik_okv\n"
		if err := os.WriteFile(confPath, []byte(conf), 0o644); err != nil {
			return nil, uerrors.Wrap(uerrors.UIOERROR, "write storage conf", err)
		}
	}
	if _, err := s.GetLabel(); err != nil {
		if uerrors.Is(err, uerrors.UNOENT) {
			if err := s.SetLabel(uversion.Initial); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	return s, nil
}

func (s *KVStore) Kind() Kind { return KV }

func (s *KVStore) GetLabel() (uversion.Version, error) {
	var v uversion.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		raw := b.Get(LabelKey)
		if raw == nil {
			return uerrors.New(uerrors.UNOENT, "label key not set")
		}
		if len(raw) != 8 {
			return uerrors.New(uerrors.UIOERROR, "malformed label value")
		}
		v.Epoch = binary.BigEndian.Uint32(raw[0:4])
		v.Counter = binary.BigEndian.Uint32(raw[4:8])
		return nil
	})
	return v, err
}

// SetLabel writes the XDR-encoded 64-bit version under the reserved
// label key, in a KV transaction of its own. The commit path does not
// call SetLabel; it puts LabelKey inside its own KV transaction
// (spec §4.3 "KV mode").
func (s *KVStore) SetLabel(v uversion.Version) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint32(raw[0:4], v.Epoch)
	binary.BigEndian.PutUint32(raw[4:8], v.Counter)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(kvBucket)
		return b.Put(LabelKey, raw)
	})
}

func (s *KVStore) Stat() (Stat, error) {
	v, err := s.GetLabel()
	if err != nil {
		return Stat{}, err
	}
	info, err := os.Stat(filepath.Join(s.dir, "store.db"))
	if err != nil {
		return Stat{}, uerrors.Wrap(uerrors.UIOERROR, "stat kv file", err)
	}
	return Stat{Kind: KV, Version: v, Size: info.Size()}, nil
}

// Copy duplicates the KV directory (data file + config) to destPath, a
// sibling directory path, using bbolt's hot-backup API.
func (s *KVStore) Copy(destPath string) error {
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "create dest kv dir", err)
	}
	destFile, err := os.Create(filepath.Join(destPath, "store.db"))
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "create dest kv file", err)
	}
	defer destFile.Close()
	err = s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(destFile)
		return err
	})
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "copy kv file", err)
	}
	conf := "[ubik_db]\nengine = ubik_okv\n"
	return os.WriteFile(filepath.Join(destPath, configFileName), []byte(conf), 0o644)
}

func (s *KVStore) Close() error {
	if err := s.db.Close(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "close kv db", err)
	}
	return nil
}

// BeginTx opens a KV sub-transaction.
func (s *KVStore) BeginTx(writable bool) (KVTx, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, uerrors.Wrap(uerrors.UIOERROR, "begin kv tx", err)
	}
	return &boltKVTx{tx: tx}, nil
}

type boltKVTx struct {
	tx       *bolt.Tx
	lastIter []byte
}

func (t *boltKVTx) bucket() *bolt.Bucket { return t.tx.Bucket(kvBucket) }

func (t *boltKVTx) Get(key []byte) ([]byte, error) {
	raw := t.bucket().Get(key)
	if raw == nil {
		return nil, uerrors.New(uerrors.UNOENT, "key not found")
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (t *boltKVTx) Put(key, value []byte, replace bool) error {
	if !replace {
		if existing := t.bucket().Get(key); existing != nil {
			return uerrors.New(uerrors.UTWOENDS, "key already exists and replace=false")
		}
	}
	if err := t.bucket().Put(key, value); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "kv put", err)
	}
	return nil
}

func (t *boltKVTx) Delete(key []byte) error {
	if err := t.bucket().Delete(key); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "kv delete", err)
	}
	return nil
}

func (t *boltKVTx) Next(after []byte) ([]byte, []byte, error) {
	c := t.bucket().Cursor()
	var k, v []byte
	if after == nil {
		k, v = c.First()
	} else {
		// Seek lands on after itself only if it still exists; if it was
		// deleted, Seek already sits on the first greater key and must
		// not be skipped past.
		k, v = c.Seek(after)
		if k != nil && bytes.Equal(k, after) {
			k, v = c.Next()
		}
	}
	if k == nil {
		return nil, nil, nil
	}
	outK := make([]byte, len(k))
	copy(outK, k)
	outV := make([]byte, len(v))
	copy(outV, v)
	return outK, outV, nil
}

func (t *boltKVTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "kv commit", err)
	}
	return nil
}

func (t *boltKVTx) Abort() error {
	if err := t.tx.Rollback(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "kv rollback", err)
	}
	return nil
}

// ExportSnapshot dumps the whole bbolt file via its hot-backup API, the
// same payload DISK_GetFile2 ships for a KV database.
func (s *KVStore) ExportSnapshot() ([]byte, uversion.Version, error) {
	v, err := s.GetLabel()
	if err != nil {
		return nil, uversion.Version{}, err
	}
	var buf bytes.Buffer
	if err := s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(&buf)
		return err
	}); err != nil {
		return nil, uversion.Version{}, uerrors.Wrap(uerrors.UIOERROR, "export kv snapshot", err)
	}
	return buf.Bytes(), v, nil
}

// InstallSnapshot replaces the bbolt file with data (a full bbolt dump
// from ExportSnapshot) and reopens it, verifying the label matches
// version. The original's directory-based cellar path and symlink
// pivot are collapsed to a single-file rename here, since this port's
// KVStore wraps one bbolt file rather than a directory of generations
// (see DESIGN.md).
func (s *KVStore) InstallSnapshot(data []byte, version uversion.Version, backupSuffix string) error {
	dbPath := filepath.Join(s.dir, "store.db")
	tmpPath := dbPath + ".TMP"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "write install tmp file", err)
	}
	if err := s.db.Close(); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "close kv db before install", err)
	}
	if backupSuffix != "" {
		backup := dbPath + "." + backupSuffix
		if err := os.Link(dbPath, backup); err != nil && !os.IsNotExist(err) {
			return uerrors.Wrap(uerrors.UIOERROR, "link pre-install kv backup", err)
		}
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "install kv database", err)
	}
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return uerrors.Wrap(uerrors.UIOERROR, "reopen kv db after install", err)
	}
	s.db = db
	got, err := s.GetLabel()
	if err != nil {
		return err
	}
	if got != version {
		return uerrors.New(uerrors.UBADVERSION, "installed kv database label mismatch")
	}
	return nil
}

var _ KVBackend = (*KVStore)(nil)
var _ io.Closer = (*KVStore)(nil)
