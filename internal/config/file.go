package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// fileConfig mirrors Config in HCL. Every field is optional; durations are
// Go duration strings.
type fileConfig struct {
	DataDir    *string `hcl:"data_dir,optional"`
	AppVersion *string `hcl:"app_version,optional"`
	BatchSize  *int    `hcl:"batch_size,optional"`

	DebounceMin        *string `hcl:"debounce_min,optional"`
	DebounceMax        *string `hcl:"debounce_max,optional"`
	BroadcastSettle    *string `hcl:"broadcast_settle,optional"`
	PollInterval       *string `hcl:"poll_interval,optional"`
	BroadcastRetention *string `hcl:"broadcast_retention,optional"`
	SetupTimeout       *string `hcl:"setup_timeout,optional"`
	AccessTouchEvery   *string `hcl:"access_touch_every,optional"`

	Chunk   *chunkBlock   `hcl:"chunk,block"`
	Refetch *refetchBlock `hcl:"refetch,block"`
	Codec   *codecBlock   `hcl:"codec,block"`
}

type chunkBlock struct {
	Min    *int `hcl:"min,optional"`
	Target *int `hcl:"target,optional"`
	Max    *int `hcl:"max,optional"`
}

type refetchBlock struct {
	Rate        *float64 `hcl:"rate,optional"`
	Burst       *int     `hcl:"burst,optional"`
	Concurrency *int     `hcl:"concurrency,optional"`
	Retries     *int     `hcl:"retries,optional"`
}

type codecBlock struct {
	ID        *string `hcl:"id,optional"`
	CreatedAt *string `hcl:"created_at,optional"`
	UpdatedAt *string `hcl:"updated_at,optional"`
}

func applyFile(cfg *Config, path string) error {
	var f fileConfig
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	setString(&cfg.DataDir, f.DataDir)
	setString(&cfg.AppVersion, f.AppVersion)
	setInt(&cfg.BatchSize, f.BatchSize)

	durations := []struct {
		name string
		dst  *time.Duration
		src  *string
	}{
		{"debounce_min", &cfg.DebounceMin, f.DebounceMin},
		{"debounce_max", &cfg.DebounceMax, f.DebounceMax},
		{"broadcast_settle", &cfg.BroadcastSettle, f.BroadcastSettle},
		{"poll_interval", &cfg.PollInterval, f.PollInterval},
		{"broadcast_retention", &cfg.BroadcastRetention, f.BroadcastRetention},
		{"setup_timeout", &cfg.SetupTimeout, f.SetupTimeout},
		{"access_touch_every", &cfg.AccessTouchEvery, f.AccessTouchEvery},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}

	if c := f.Chunk; c != nil {
		setInt(&cfg.Chunk.Min, c.Min)
		setInt(&cfg.Chunk.Target, c.Target)
		setInt(&cfg.Chunk.Max, c.Max)
	}
	if r := f.Refetch; r != nil {
		if r.Rate != nil {
			cfg.RefetchRate = *r.Rate
		}
		setInt(&cfg.RefetchBurst, r.Burst)
		setInt(&cfg.RefetchConcurrency, r.Concurrency)
		setInt(&cfg.RefetchRetries, r.Retries)
	}
	if c := f.Codec; c != nil {
		setString(&cfg.Codec.ID, c.ID)
		setString(&cfg.Codec.CreatedAt, c.CreatedAt)
		setString(&cfg.Codec.UpdatedAt, c.UpdatedAt)
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
