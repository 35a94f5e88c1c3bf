// Package config holds the settings of the admin and storage binaries.
//
// Values are layered, lowest precedence first:
//  1. built-in defaults
//  2. a YAML file named by --config or TESSERA_CONFIG
//  3. TESSERA_* environment variables, one per flag
//  4. command-line flags
//
// The environment variable of a flag is its name upper-cased with dashes
// replaced by underscores, e.g. --admin-addr reads TESSERA_ADMIN_ADDR.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Resolve
const EnvPrefix = "TESSERA_"

// ConfigFlag names the flag that points at the YAML file
const ConfigFlag = "config"

// Log configures the process logger
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Migration tunes the admin's migration coordinator
type Migration struct {
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	CutoverTimeout   time.Duration `yaml:"cutover_timeout"`
	FreezeLease      time.Duration `yaml:"freeze_lease"`
	MaxCatchUpRounds int           `yaml:"max_catch_up_rounds"`
	CutoverResidual  int           `yaml:"cutover_residual"`
	ExportLimit      int           `yaml:"export_limit"`
	Concurrency      int           `yaml:"concurrency"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// Admin configures the admin service
type Admin struct {
	Listen         string        `yaml:"listen"`
	DataDir        string        `yaml:"data_dir"`
	Partitions     uint32        `yaml:"partitions"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Migration      Migration     `yaml:"migration"`
	Log            Log           `yaml:"log"`
}

// Storage configures a storage server
type Storage struct {
	ID              string        `yaml:"id"`
	Listen          string        `yaml:"listen"`
	Public          string        `yaml:"public"`
	AdminAddr       string        `yaml:"admin_addr"`
	Engine          string        `yaml:"engine"`
	DataDir         string        `yaml:"data_dir"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	Log             Log           `yaml:"log"`
}

// Engines a storage server can run on
const (
	EnginePebble = "pebble"
	EngineMemory = "memory"
)

// DefaultAdmin returns the admin defaults
func DefaultAdmin() Admin {
	return Admin{
		Listen:         ":8080",
		DataDir:        "data/admin",
		Partitions:     partition.DefaultCount,
		HealthInterval: 5 * time.Second,
		Migration: Migration{
			RPCTimeout:       10 * time.Second,
			CutoverTimeout:   2 * time.Second,
			FreezeLease:      30 * time.Second,
			MaxCatchUpRounds: 8,
			CutoverResidual:  64,
			ExportLimit:      500,
			Concurrency:      4,
			InitialBackoff:   100 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// DefaultStorage returns the storage server defaults
func DefaultStorage() Storage {
	return Storage{
		Listen:          ":8081",
		Public:          "http://127.0.0.1:8081",
		Engine:          EnginePebble,
		DataDir:         "data/storage",
		RegisterTimeout: time.Minute,
		Log:             Log{Level: "info", Format: "json"},
	}
}

func (l *Log) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&l.Level, "log-level", l.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&l.Format, "log-format", l.Format, "log format (json or console)")
}

// BindFlags registers the admin flags on fs, defaulting to the values in c
func (c *Admin) BindFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFlag, "", "YAML config file")
	fs.StringVar(&c.Listen, "listen", c.Listen, "address to listen on")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory of the registry database")
	fs.Uint32Var(&c.Partitions, "partitions", c.Partitions, "partition count of a new cluster")
	fs.DurationVar(&c.HealthInterval, "health-interval", c.HealthInterval, "storage server health check interval")

	m := &c.Migration
	fs.DurationVar(&m.RPCTimeout, "migration-rpc-timeout", m.RPCTimeout, "deadline of each migration call to a storage server")
	fs.DurationVar(&m.CutoverTimeout, "migration-cutover-timeout", m.CutoverTimeout, "how long a cutover waits for in-flight writes")
	fs.DurationVar(&m.FreezeLease, "migration-freeze-lease", m.FreezeLease, "how long a source refuses writes before an unfinished cutover is given up")
	fs.IntVar(&m.MaxCatchUpRounds, "migration-catch-up-rounds", m.MaxCatchUpRounds, "backlog rounds before a forced cutover")
	fs.IntVar(&m.CutoverResidual, "migration-cutover-residual", m.CutoverResidual, "backlog size that ends catch-up early")
	fs.IntVar(&m.ExportLimit, "migration-export-limit", m.ExportLimit, "records per bulk copy page")
	fs.IntVar(&m.Concurrency, "migration-concurrency", m.Concurrency, "partitions moved at once")
	fs.DurationVar(&m.InitialBackoff, "migration-initial-backoff", m.InitialBackoff, "first wait after a failed attempt")
	fs.DurationVar(&m.MaxBackoff, "migration-max-backoff", m.MaxBackoff, "longest wait between attempts")
	c.Log.bindFlags(fs)
}

// Validate checks an admin config
func (c *Admin) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen address is required")
	case c.DataDir == "":
		return errors.New("data dir is required")
	case c.Partitions == 0:
		return errors.New("partition count must be positive")
	case c.HealthInterval <= 0:
		return errors.New("health interval must be positive")
	case c.Migration.FreezeLease > 0 && c.Migration.FreezeLease <= c.Migration.CutoverTimeout:
		return errors.New("freeze lease must be longer than the cutover timeout")
	}
	return nil
}

// BindFlags registers the storage flags on fs, defaulting to the values in c
func (c *Storage) BindFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFlag, "", "YAML config file")
	fs.StringVar(&c.ID, "id", c.ID, "storage server id (required)")
	fs.StringVar(&c.Listen, "listen", c.Listen, "address to listen on")
	fs.StringVar(&c.Public, "public", c.Public, "URI the admin and clients reach this server at")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "admin service URI (required)")
	fs.StringVar(&c.Engine, "engine", c.Engine, "storage engine (pebble or memory)")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory of the pebble database")
	fs.DurationVar(&c.RegisterTimeout, "register-timeout", c.RegisterTimeout, "how long to retry registering with the admin")
	c.Log.bindFlags(fs)
}

// Validate checks a storage config
func (c *Storage) Validate() error {
	switch {
	case c.ID == "":
		return errors.New("storage server id is required")
	case c.AdminAddr == "":
		return errors.New("admin address is required")
	case c.Listen == "":
		return errors.New("listen address is required")
	case c.Engine != EnginePebble && c.Engine != EngineMemory:
		return errors.Newf("unknown engine %q", c.Engine)
	case c.Engine == EnginePebble && c.DataDir == "":
		return errors.New("data dir is required for the pebble engine")
	}
	return nil
}

// EnvName returns the environment variable read for a flag
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Load decodes the YAML file at path into cfg. Unknown fields are errors.
func Load(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// Resolve layers the config file and the environment under the flags
// already parsed into fs. cfg must be the struct fs was bound to.
func Resolve(fs *pflag.FlagSet, cfg any) error {
	changed := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })

	path := changed[ConfigFlag]
	if path == "" {
		path = os.Getenv(EnvName(ConfigFlag))
	}
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return err
		}
	}

	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if _, ok := changed[f.Name]; ok || f.Name == ConfigFlag || envErr != nil {
			return
		}
		name := EnvName(f.Name)
		if v := os.Getenv(name); v != "" {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = errors.Wrapf(err, "invalid %s", name)
			}
		}
	})
	if envErr != nil {
		return envErr
	}

	for name, v := range changed {
		if err := fs.Set(name, v); err != nil {
			return errors.Wrapf(err, "flag --%s", name)
		}
	}
	return nil
}
