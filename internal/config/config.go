// Package config loads cache settings: defaults, then an optional HCL file,
// then RANGECACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "RANGECACHE_"

type Config struct {
	DataDir    string `env:"DATA_DIR"`
	AppVersion string `env:"APP_VERSION"`

	Chunk ChunkSizes `envPrefix:"CHUNK_"`
	// BatchSize is the remote page size and the default cursor span.
	BatchSize int `env:"BATCH_SIZE"`

	DebounceMin     time.Duration `env:"DEBOUNCE_MIN"`
	DebounceMax     time.Duration `env:"DEBOUNCE_MAX"`
	BroadcastSettle time.Duration `env:"BROADCAST_SETTLE"`
	PollInterval    time.Duration `env:"POLL_INTERVAL"`
	// BroadcastRetention bounds how long FileBus log entries are kept.
	BroadcastRetention time.Duration `env:"BROADCAST_RETENTION"`
	SetupTimeout       time.Duration `env:"SETUP_TIMEOUT"`
	AccessTouchEvery   time.Duration `env:"ACCESS_TOUCH_EVERY"`

	RefetchRate        float64 `env:"REFETCH_RATE"`
	RefetchBurst       int     `env:"REFETCH_BURST"`
	RefetchConcurrency int     `env:"REFETCH_CONCURRENCY"`
	RefetchRetries     int     `env:"REFETCH_RETRIES"`

	Codec CodecPaths `envPrefix:"CODEC_"`
}

type ChunkSizes struct {
	Min    int `env:"MIN"`
	Target int `env:"TARGET"`
	Max    int `env:"MAX"`
}

func (s ChunkSizes) Sizes() chunk.Sizes {
	return chunk.Sizes{Min: s.Min, Target: s.Target, Max: s.Max}
}

// CodecPaths are JSONPath expressions locating the item keys in a record.
type CodecPaths struct {
	ID        string `env:"ID"`
	CreatedAt string `env:"CREATED_AT"`
	UpdatedAt string `env:"UPDATED_AT"`
}

func Default() Config {
	dir := filepath.Join(os.TempDir(), "rangecache")
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".rangecache")
	}
	return Config{
		DataDir:            dir,
		Chunk:              ChunkSizes{Min: chunk.DefaultSizes.Min, Target: chunk.DefaultSizes.Target, Max: chunk.DefaultSizes.Max},
		BatchSize:          50,
		DebounceMin:        5 * time.Second,
		DebounceMax:        10 * time.Second,
		BroadcastSettle:    20 * time.Millisecond,
		PollInterval:       100 * time.Millisecond,
		BroadcastRetention: 10 * time.Minute,
		SetupTimeout:       7 * time.Second,
		AccessTouchEvery:   time.Minute,
		RefetchRate:        2,
		RefetchBurst:       4,
		RefetchConcurrency: 4,
		RefetchRetries:     3,
		Codec:              CodecPaths{ID: "$.id", CreatedAt: "$.createdAt", UpdatedAt: "$.updatedAt"},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StorePath is the SQLite database under DataDir.
func (c Config) StorePath() string { return filepath.Join(c.DataDir, "cache.db") }

// ControlPath is the broadcast control block under DataDir.
func (c Config) ControlPath() string { return filepath.Join(c.DataDir, "broadcast.ctl") }

// LockDir holds the per-cache lock files.
func (c Config) LockDir() string { return filepath.Join(c.DataDir, "locks") }

func (c Config) Validate() error {
	var errs []error
	if err := c.Chunk.Sizes().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.DebounceMin < 0 || c.DebounceMin > c.DebounceMax {
		errs = append(errs, fmt.Errorf("debounce window [%v, %v] is invalid", c.DebounceMin, c.DebounceMax))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %v", c.PollInterval))
	}
	if c.SetupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("setup timeout must be positive, got %v", c.SetupTimeout))
	}
	if c.RefetchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("refetch concurrency must be positive, got %d", c.RefetchConcurrency))
	}
	return errors.Join(errs...)
}
