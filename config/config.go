package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"refchain/params"
	"refchain/storage"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk node configuration. Missing fields fall back to the
// mainnet defaults so an empty file is a valid configuration.
type Config struct {
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	DBBackend      string `toml:"DBBackend"`
	LogLevel       string `toml:"LogLevel"`
	MetricsAddress string `toml:"MetricsAddress"`

	Pog PogConfig `toml:"Pog"`
}

// PogConfig overrides the consensus parameters of the referral incentive
// layer. Zero values defer to params.MainnetParams. Changing these on a live
// network is a consensus break; they exist for private deployments and tests.
type PogConfig struct {
	ActivationHeight   uint64 `toml:"ActivationHeight"`
	InviteBlockWindow  uint64 `toml:"InviteBlockWindow"`
	MaxInvitesPerBlock int64  `toml:"MaxInvitesPerBlock"`
	MaxReservoirSize   int    `toml:"MaxReservoirSize"`
	MinRewardableANV   int64  `toml:"MinRewardableANV"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Params().Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./ref-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "ref-local"
	}
	if strings.TrimSpace(c.DBBackend) == "" {
		c.DBBackend = "leveldb"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// Params resolves the effective consensus parameters: the mainnet defaults
// with any non-zero Pog overrides applied.
func (c *Config) Params() params.Params {
	p := params.MainnetParams()
	if c.Pog.ActivationHeight != 0 {
		p.PogActivationHeight = c.Pog.ActivationHeight
	}
	if c.Pog.InviteBlockWindow != 0 {
		p.InviteBlockWindow = c.Pog.InviteBlockWindow
	}
	if c.Pog.MaxInvitesPerBlock != 0 {
		p.MaxInvitesPerBlock = c.Pog.MaxInvitesPerBlock
	}
	if c.Pog.MaxReservoirSize != 0 {
		p.MaxReservoirSize = c.Pog.MaxReservoirSize
	}
	if c.Pog.MinRewardableANV != 0 {
		p.MinRewardableANV = c.Pog.MinRewardableANV
	}
	return p
}

// OpenDatabase opens the configured storage backend under DataDir.
func (c *Config) OpenDatabase() (storage.Database, error) {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, err
	}
	switch c.DBBackend {
	case "leveldb":
		return storage.NewLevelDB(filepath.Join(c.DataDir, "refdb"))
	case "bolt":
		return storage.NewBoltDB(filepath.Join(c.DataDir, "refdb.bolt"))
	case "memory":
		return storage.NewMemDB(), nil
	default:
		return nil, fmt.Errorf("config: unknown DBBackend %q", c.DBBackend)
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:     "./ref-data",
		NetworkName: "ref-local",
		DBBackend:   "leveldb",
		LogLevel:    "info",
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
