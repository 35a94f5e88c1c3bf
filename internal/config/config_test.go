package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tessera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func parseStorage(t *testing.T, args ...string) (Storage, error) {
	t.Helper()
	cfg := DefaultStorage()
	fs := pflag.NewFlagSet("storage", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	err := Resolve(fs, &cfg)
	return cfg, err
}

func TestResolvePrecedence(t *testing.T) {
	path := writeFile(t, `
id: from-file
admin_addr: http://admin:8080
engine: memory
register_timeout: 30s
log:
  level: debug
`)

	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := parseStorage(t, "--config", path)
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.ID)
		assert.Equal(t, EngineMemory, cfg.Engine)
		assert.Equal(t, 30*time.Second, cfg.RegisterTimeout)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, ":8081", cfg.Listen)
		require.NoError(t, cfg.Validate())
	})

	t.Run("environment over file", func(t *testing.T) {
		t.Setenv("TESSERA_ID", "from-env")
		t.Setenv("TESSERA_REGISTER_TIMEOUT", "5s")
		cfg, err := parseStorage(t, "--config", path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.ID)
		assert.Equal(t, 5*time.Second, cfg.RegisterTimeout)
	})

	t.Run("flags over environment", func(t *testing.T) {
		t.Setenv("TESSERA_ID", "from-env")
		cfg, err := parseStorage(t, "--config", path, "--id", "from-flag")
		require.NoError(t, err)
		assert.Equal(t, "from-flag", cfg.ID)
	})

	t.Run("config path from environment", func(t *testing.T) {
		t.Setenv("TESSERA_CONFIG", path)
		cfg, err := parseStorage(t)
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.ID)
	})
}

func TestResolveErrors(t *testing.T) {
	t.Run("unknown field", func(t *testing.T) {
		_, err := parseStorage(t, "--config", writeFile(t, "idd: x\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := parseStorage(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad environment value", func(t *testing.T) {
		t.Setenv("TESSERA_REGISTER_TIMEOUT", "soon")
		_, err := parseStorage(t)
		assert.ErrorContains(t, err, "TESSERA_REGISTER_TIMEOUT")
	})
}

func TestAdminFlags(t *testing.T) {
	cfg := DefaultAdmin()
	fs := pflag.NewFlagSet("admin", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--partitions", "64", "--migration-concurrency", "2", "--migration-freeze-lease", "1m"}))
	require.NoError(t, Resolve(fs, &cfg))

	assert.Equal(t, uint32(64), cfg.Partitions)
	assert.Equal(t, 2, cfg.Migration.Concurrency)
	assert.Equal(t, 500, cfg.Migration.ExportLimit)
	assert.Equal(t, time.Minute, cfg.Migration.FreezeLease)
	require.NoError(t, cfg.Validate())

	cfg.Migration.FreezeLease = cfg.Migration.CutoverTimeout
	assert.ErrorContains(t, cfg.Validate(), "freeze lease")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Storage)
		wantErr string
	}{
		{"valid", func(*Storage) {}, ""},
		{"no id", func(c *Storage) { c.ID = "" }, "id is required"},
		{"no admin", func(c *Storage) { c.AdminAddr = "" }, "admin address"},
		{"bad engine", func(c *Storage) { c.Engine = "rocks" }, "unknown engine"},
		{"pebble without dir", func(c *Storage) { c.DataDir = "" }, "data dir"},
		{"memory without dir", func(c *Storage) { c.Engine, c.DataDir = EngineMemory, "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultStorage()
			cfg.ID, cfg.AdminAddr = "s1", "http://admin"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}

	admin := DefaultAdmin()
	admin.Partitions = 0
	assert.Error(t, admin.Validate())
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "TESSERA_ADMIN_ADDR", EnvName("admin-addr"))
	assert.Equal(t, "TESSERA_MIGRATION_RPC_TIMEOUT", EnvName("migration-rpc-timeout"))
}
