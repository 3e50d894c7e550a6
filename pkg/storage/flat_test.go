package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ubik/pkg/uversion"
)

func TestFlatStoreFreshDatabaseLabelledInitial(t *testing.T) {
	s, err := OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.GetLabel()
	require.NoError(t, err)
	require.Equal(t, uversion.Initial, v)
	require.Equal(t, Flat, s.Kind())
}

func TestFlatStoreSetLabelRoundTrip(t *testing.T) {
	s, err := OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer s.Close()

	target := uversion.Version{Epoch: 7, Counter: 4}
	require.NoError(t, s.SetLabel(target))
	v, err := s.GetLabel()
	require.NoError(t, err)
	require.Equal(t, target, v)
}

func TestFlatStoreWriteReadRoundTrip(t *testing.T) {
	s, err := OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("hello flat store")
	require.NoError(t, s.Write(DataFile, 0, payload))

	got, err := s.Read(DataFile, 0, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFlatStoreWriteRejectsOverCeiling(t *testing.T) {
	s, err := OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer s.Close()

	err = s.Write(DataFile, maxDatabaseSize, []byte("x"))
	require.Error(t, err)
}

func TestFlatStoreAppendAndFlush(t *testing.T) {
	s, err := OpenFlatStore(filepath.Join(t.TempDir(), "vl"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append([]byte("log entry 1")))
	require.NoError(t, s.Append([]byte("log entry 2")))
	require.NoError(t, s.FlushAppend())

	got, err := s.Read(LogFile, 0, len("log entry 1log entry 2"))
	require.NoError(t, err)
	require.Equal(t, "log entry 1log entry 2", string(got))
}

func TestFlatStoreReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "vl")

	s1, err := OpenFlatStore(base)
	require.NoError(t, err)
	require.NoError(t, s1.Write(DataFile, 0, []byte("persisted")))
	require.NoError(t, s1.SetLabel(uversion.Version{Epoch: 3, Counter: 1}))
	require.NoError(t, s1.Close())

	s2, err := OpenFlatStore(base)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.GetLabel()
	require.NoError(t, err)
	require.Equal(t, uversion.Version{Epoch: 3, Counter: 1}, v)

	got, err := s2.Read(DataFile, 0, len("persisted"))
	require.NoError(t, err)
	require.Equal(t, "persisted", string(got))
}

func TestFlatStoreStreamRoundTrip(t *testing.T) {
	src, err := OpenFlatStore(filepath.Join(t.TempDir(), "src"))
	require.NoError(t, err)
	defer src.Close()

	label := uversion.Version{Epoch: 5, Counter: 2}
	require.NoError(t, src.Write(DataFile, 0, []byte("stream me")))
	require.NoError(t, src.SetLabel(label))

	// The sender validates its label against the caller's expectation
	// before any byte leaves (spec behavior for SendFile).
	var buf bytes.Buffer
	require.Error(t, src.SendStream(&buf, uversion.Version{Epoch: 9, Counter: 9}))
	require.NoError(t, src.SendStream(&buf, label))

	dstDir := t.TempDir()
	dst, err := OpenFlatStore(filepath.Join(dstDir, "dst"))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.RecvStream(&buf, label))

	// The received copy lands labelled at the .TMP path, ready for
	// install, leaving the live database untouched.
	tmp, err := OpenFlatStore(filepath.Join(dstDir, "dst.TMP"))
	require.NoError(t, err)
	defer tmp.Close()
	v, err := tmp.GetLabel()
	require.NoError(t, err)
	require.Equal(t, label, v)
	got, err := tmp.Read(DataFile, 0, len("stream me"))
	require.NoError(t, err)
	require.Equal(t, "stream me", string(got))
}

func TestFlatStoreInstallSnapshotSwapsAndBacksUp(t *testing.T) {
	base := filepath.Join(t.TempDir(), "vl")
	s, err := OpenFlatStore(base)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(DataFile, 0, []byte("old contents")))
	require.NoError(t, s.SetLabel(uversion.Version{Epoch: 4, Counter: 2}))

	newV := uversion.Version{Epoch: 5, Counter: 1}
	require.NoError(t, s.InstallSnapshot([]byte("new contents"), newV, ".OLD"))

	v, err := s.GetLabel()
	require.NoError(t, err)
	require.Equal(t, newV, v)
	got, err := s.Read(DataFile, 0, len("new contents"))
	require.NoError(t, err)
	require.Equal(t, "new contents", string(got))

	// The backup is a hard link of the pre-install primary: raw header
	// plus payload.
	raw, err := os.ReadFile(base + ".DB.OLD")
	require.NoError(t, err)
	require.Equal(t, "old contents", string(raw[64:64+len("old contents")]))
}
