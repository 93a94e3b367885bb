// Package config loads farmer.yaml and applies FARMER_* environment
// overrides on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"farmplots/internal/sim/modules"
)

const EnvPrefix = "FARMER_"

type Config struct {
	Listen     string `yaml:"listen" env:"LISTEN"`
	DataDir    string `yaml:"data_dir" env:"DATA_DIR"`
	LevelsFile string `yaml:"levels_file" env:"LEVELS_FILE"`

	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	World    WorldConfig    `yaml:"world" envPrefix:"WORLD_"`
	Land     LandConfig     `yaml:"land" envPrefix:"LAND_"`
	Journal  JournalConfig  `yaml:"journal" envPrefix:"JOURNAL_"`
	Snapshot SnapshotConfig `yaml:"snapshot" envPrefix:"SNAPSHOT_"`
	Backup   BackupConfig   `yaml:"backup" envPrefix:"BACKUP_"`

	Modules []ModuleSpec `yaml:"modules"`
}

type StorageConfig struct {
	// Driver is sqlite, postgres or memory.
	Driver        string        `yaml:"driver" env:"DRIVER"`
	DSN           string        `yaml:"dsn" env:"DSN"`
	Shards        int           `yaml:"shards" env:"SHARDS"`
	QueueCapacity int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	EnqueueWait   time.Duration `yaml:"enqueue_wait" env:"ENQUEUE_WAIT"`
}

type WorldConfig struct {
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"AUTOSAVE_INTERVAL"`
	InboxSize        int           `yaml:"inbox_size" env:"INBOX_SIZE"`
}

type LandConfig struct {
	Path      string        `yaml:"path" env:"PATH"`
	Token     string        `yaml:"token" env:"TOKEN"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl" env:"DEDUPE_TTL"`
}

type JournalConfig struct {
	Dir    string `yaml:"dir" env:"DIR"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

type SnapshotConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
	// Every autosaves; 0 disables periodic snapshots.
	Every int `yaml:"every" env:"EVERY"`
	Keep  int `yaml:"keep" env:"KEEP"`
}

type BackupConfig struct {
	Bucket          string        `yaml:"bucket" env:"BUCKET"`
	Prefix          string        `yaml:"prefix" env:"PREFIX"`
	Region          string        `yaml:"region" env:"REGION"`
	Endpoint        string        `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string        `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool          `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	QueueCapacity   int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	EnqueueWait     time.Duration `yaml:"enqueue_wait" env:"ENQUEUE_WAIT"`
}

func (b BackupConfig) Enabled() bool { return strings.TrimSpace(b.Bucket) != "" }

type ModuleSpec struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Default bool   `yaml:"default"`
}

// Load reads path (optional), then applies the environment. The result is
// normalized and validated.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FARMER_* variables. Unset variables leave
// the field alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func Defaults() Config {
	return Config{
		Listen:  ":8080",
		DataDir: "./data",
		Storage: StorageConfig{
			Driver:        "sqlite",
			Shards:        4,
			QueueCapacity: 1024,
			WriteTimeout:  10 * time.Second,
			EnqueueWait:   25 * time.Millisecond,
		},
		World: WorldConfig{
			AutosaveInterval: 5 * time.Minute,
			InboxSize:        1024,
		},
		Land: LandConfig{
			Path:      "/v1/land",
			DedupeTTL: 10 * time.Minute,
		},
		Journal: JournalConfig{Prefix: "failed-writes"},
		Snapshot: SnapshotConfig{
			Every: 12,
			Keep:  24,
		},
		Backup: BackupConfig{
			Region:        "auto",
			Workers:       2,
			QueueCapacity: 64,
			EnqueueWait:   25 * time.Millisecond,
		},
		Modules: []ModuleSpec{
			{Name: modules.AutoHarvest, Enabled: true},
			{Name: modules.AutoSeller, Enabled: true},
			{Name: modules.SpawnerKiller, Enabled: true},
		},
	}
}

// Normalize fills derived paths and trims names.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.DSN) == "" {
		c.Storage.DSN = filepath.Join(c.DataDir, "plots.sqlite")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Land.Path == "" {
		c.Land.Path = "/v1/land"
	}
	if !strings.HasPrefix(c.Land.Path, "/") {
		c.Land.Path = "/" + c.Land.Path
	}
	c.Backup.Prefix = strings.Trim(strings.ReplaceAll(c.Backup.Prefix, "\\", "/"), "/")
	for i := range c.Modules {
		c.Modules[i].Name = strings.ToLower(strings.TrimSpace(c.Modules[i].Name))
	}
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.Storage.Shards <= 0 {
		return fmt.Errorf("storage.shards must be > 0")
	}
	if c.Storage.QueueCapacity <= 0 {
		return fmt.Errorf("storage.queue_capacity must be > 0")
	}
	if c.Storage.WriteTimeout <= 0 {
		return fmt.Errorf("storage.write_timeout must be > 0")
	}
	if c.Storage.EnqueueWait < 0 {
		return fmt.Errorf("storage.enqueue_wait must be >= 0")
	}
	if c.World.AutosaveInterval < 0 {
		return fmt.Errorf("world.autosave_interval must be >= 0")
	}
	if c.Snapshot.Every < 0 || c.Snapshot.Keep < 0 {
		return fmt.Errorf("snapshot.every and snapshot.keep must be >= 0")
	}
	if c.Backup.Enabled() && c.Snapshot.Every == 0 {
		return fmt.Errorf("backup.bucket needs snapshot.every > 0")
	}
	seen := map[string]bool{}
	for _, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("module name must not be empty")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate module: %s", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// ModuleSet builds the module defaults used by attribute resolution.
// Disabled modules are left out and so resolve to off.
func (c Config) ModuleSet() *modules.Set {
	set := modules.NewSet()
	for _, m := range c.Modules {
		if !m.Enabled {
			continue
		}
		set.Register(modules.NewFeature(m.Name, m.Enabled, m.Default))
	}
	return set
}
