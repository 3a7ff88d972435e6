package zadacha

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"gopkg.in/yaml.v3"

	"github.com/drpcorg/zadacha/features"
	"github.com/drpcorg/zadacha/utils"
)

type Options struct {
	Logger             utils.Logger
	PebbleWriteOptions *pebble.WriteOptions

	// DisableAutobatching makes every batch a single task.
	DisableAutobatching bool
	// MaxNumberOfBatchedTasks caps how many tasks one batch may carry.
	MaxNumberOfBatchedTasks int
	// MaxNumberOfTasks is the task history size the cleanup job prunes down to.
	MaxNumberOfTasks uint64
	// IndexCacheSize bounds simultaneously open index handles.
	IndexCacheSize int

	CleanupEnabled bool
	// CleanupSchedule is a cron spec, "@every 1h" style.
	CleanupSchedule string

	DumpsDir string

	Features features.RuntimeFeatures
}

func (o *Options) SetDefaults(dir string) {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = pebble.Sync
	}
	if o.MaxNumberOfBatchedTasks == 0 {
		o.MaxNumberOfBatchedTasks = 1000
	}
	if o.MaxNumberOfTasks == 0 {
		o.MaxNumberOfTasks = 1_000_000
	}
	if o.IndexCacheSize == 0 {
		o.IndexCacheSize = 20
	}
	if o.CleanupSchedule == "" {
		o.CleanupSchedule = "@every 1h"
	}
	if o.DumpsDir == "" {
		o.DumpsDir = filepath.Join(dir, "dumps")
	}
}

// Config is the yaml shape of Options for the operator CLI.
type Config struct {
	Dir      string `yaml:"dir"`
	LogLevel string `yaml:"log_level"`

	DisableAutobatching     bool   `yaml:"disable_autobatching"`
	MaxNumberOfBatchedTasks int    `yaml:"max_number_of_batched_tasks"`
	MaxNumberOfTasks        uint64 `yaml:"max_number_of_tasks"`
	IndexCacheSize          int    `yaml:"index_cache_size"`

	CleanupEnabled  bool   `yaml:"cleanup_enabled"`
	CleanupSchedule string `yaml:"cleanup_schedule"`

	DumpsDir string `yaml:"dumps_dir"`

	VectorStore bool `yaml:"vector_store"`
}

func LoadConfig(path string) (Config, error) {
	var conf Config
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c Config) Options() (Options, error) {
	level, err := utils.ParseLevel(c.LogLevel)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Logger:                  utils.NewDefaultLogger(level),
		DisableAutobatching:     c.DisableAutobatching,
		MaxNumberOfBatchedTasks: c.MaxNumberOfBatchedTasks,
		MaxNumberOfTasks:        c.MaxNumberOfTasks,
		IndexCacheSize:          c.IndexCacheSize,
		CleanupEnabled:          c.CleanupEnabled,
		CleanupSchedule:         c.CleanupSchedule,
		DumpsDir:                c.DumpsDir,
		Features:                features.RuntimeFeatures{VectorStore: c.VectorStore},
	}, nil
}
