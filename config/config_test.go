package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"refchain/params"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./ref-data", cfg.DataDir)
	require.Equal(t, "ref-local", cfg.NetworkName)
	require.Equal(t, "leveldb", cfg.DBBackend)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, params.MainnetParams(), cfg.Params())

	// The default file was written and loads back identically.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
DataDir = "/var/lib/refchain"
NetworkName = "ref-test"
DBBackend = "bolt"
MetricsAddress = ":9470"

[Pog]
ActivationHeight = 500
MaxReservoirSize = 64
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/refchain", cfg.DataDir)
	require.Equal(t, "ref-test", cfg.NetworkName)
	require.Equal(t, "bolt", cfg.DBBackend)
	require.Equal(t, ":9470", cfg.MetricsAddress)

	p := cfg.Params()
	require.Equal(t, uint64(500), p.PogActivationHeight)
	require.Equal(t, 64, p.MaxReservoirSize)
	// Untouched values keep their mainnet defaults.
	require.Equal(t, params.MainnetParams().InviteBlockWindow, p.InviteBlockWindow)
	require.Equal(t, params.MainnetParams().MaxInvitesPerBlock, p.MaxInvitesPerBlock)
}

func TestLoadPartialFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`NetworkName = "ref-dev"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ref-dev", cfg.NetworkName)
	require.Equal(t, "./ref-data", cfg.DataDir)
	require.Equal(t, "leveldb", cfg.DBBackend)
}

func TestOpenDatabaseBackends(t *testing.T) {
	for _, backend := range []string{"memory", "leveldb", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			cfg := &Config{DataDir: t.TempDir(), DBBackend: backend}
			db, err := cfg.OpenDatabase()
			require.NoError(t, err)
			require.NoError(t, db.Put([]byte("k"), []byte("v")))
			require.NoError(t, db.Close())
		})
	}

	cfg := &Config{DataDir: t.TempDir(), DBBackend: "cassandra"}
	_, err := cfg.OpenDatabase()
	require.Error(t, err)
}
