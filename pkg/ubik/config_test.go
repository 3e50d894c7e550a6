package ubik

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCellConfig = `
self: 10.0.0.1:7000
servers:
  - addrs: [10.0.0.2:7000]
  - addrs: [10.0.0.3:7000]
    magic: true
  - addrs: [10.0.0.4:7000]
    clone: true
dataDir: /var/lib/ubik
dbKind: flat
service: vl
listenAddr: 0.0.0.0:7000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cell.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCellConfig(t *testing.T) {
	cfg, err := LoadCellConfig(writeConfig(t, sampleCellConfig))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:7000", cfg.Self)
	require.Len(t, cfg.Servers, 3)
	require.True(t, cfg.Servers[1].Magic)
	require.True(t, cfg.Servers[2].Clone)
	require.Equal(t, 128, cfg.BufferSlots, "default buffer slots should be filled in")
}

func TestLoadCellConfigRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no self", "dataDir: /d\ndbKind: flat\nlistenAddr: a:1\n"},
		{"no dataDir", "self: a:1\ndbKind: flat\nlistenAddr: a:1\n"},
		{"bad dbKind", "self: a:1\ndataDir: /d\ndbKind: bogus\nlistenAddr: a:1\n"},
		{"no listenAddr", "self: a:1\ndataDir: /d\ndbKind: flat\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCellConfig(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoadCellConfigMissingFile(t *testing.T) {
	_, err := LoadCellConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
