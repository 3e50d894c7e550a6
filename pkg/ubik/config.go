package ubik

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig is one peer entry in a CellConfig (spec §3: "an ordered
// address list, primary first"). Grounded on the teacher's
// cmd/warren/apply.go YAML-resource shape, adapted to the cell's own
// vocabulary instead of Warren's apiVersion/kind envelope.
type ServerConfig struct {
	Addrs []string `yaml:"addrs"`
	Clone bool     `yaml:"clone,omitempty"`
	Magic bool     `yaml:"magic,omitempty"`
}

// CellConfig is the on-disk description of a ubik cell: this server's
// identity, its peers, the database it serves, and how it logs and
// listens (spec §3 cell membership, §5 "Global state").
type CellConfig struct {
	Self string `yaml:"self"`

	Servers []ServerConfig `yaml:"servers"`

	DataDir  string `yaml:"dataDir"`
	DBKind   string `yaml:"dbKind"` // "flat" or "kv"
	Service  string `yaml:"service"`

	ListenAddr string `yaml:"listenAddr"`
	BufferSlots int   `yaml:"bufferSlots,omitempty"`

	LogLevel string `yaml:"logLevel,omitempty"`
	LogJSON  bool   `yaml:"logJSON,omitempty"`
}

// LoadCellConfig reads and validates a CellConfig from a YAML file.
func LoadCellConfig(path string) (*CellConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cell config: %w", err)
	}
	var cfg CellConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cell config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BufferSlots == 0 {
		cfg.BufferSlots = 128
	}
	return &cfg, nil
}

func (c *CellConfig) validate() error {
	if c.Self == "" {
		return fmt.Errorf("cell config: self is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("cell config: dataDir is required")
	}
	if c.DBKind != "flat" && c.DBKind != "kv" {
		return fmt.Errorf("cell config: dbKind must be %q or %q, got %q", "flat", "kv", c.DBKind)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("cell config: listenAddr is required")
	}
	return nil
}
