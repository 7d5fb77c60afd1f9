// Package cmd implements the rangecache command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-research/rangecache/internal/broadcast"
	"github.com/agentic-research/rangecache/internal/cache"
	"github.com/agentic-research/rangecache/internal/config"
	"github.com/agentic-research/rangecache/internal/itemcodec"
	"github.com/agentic-research/rangecache/internal/lock"
	"github.com/agentic-research/rangecache/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	cacheName  string
	verbose    bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to an HCL config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "db", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&cacheName, "name", "n", "default", "Cache name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

var rootCmd = &cobra.Command{
	Use:           "rangecache",
	Short:         "Inspect and feed a chunked range cache",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func codecFor(cfg config.Config) (*itemcodec.Codec, error) {
	return itemcodec.New(cfg.Codec.ID, cfg.Codec.CreatedAt, cfg.Codec.UpdatedAt)
}

// openStore opens the database alone, for read-only inspection.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(ctx, cfg.StorePath(), store.WithAppVersion(cfg.AppVersion), store.WithLogger(log))
}

// session is one open cache together with everything it runs on.
type session struct {
	cfg   config.Config
	log   *slog.Logger
	store *store.Store
	bus   *broadcast.FileBus
	reg   *cache.Registry
	cache *cache.Cache
}

func openSession(ctx context.Context, setup func(*cache.Options)) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger()
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	bus, err := broadcast.NewFileBus(ctx, st, cfg.ControlPath(), broadcast.FileBusOptions{
		PollInterval: cfg.PollInterval,
		Retention:    cfg.BroadcastRetention,
		Log:          log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s := &session{cfg: cfg, log: log, store: st, bus: bus, reg: cache.NewRegistry()}

	opts := cache.FromConfig(cfg)
	opts.Store = st
	opts.Locker = lock.New(cfg.LockDir())
	opts.Bus = bus
	opts.Log = log
	if setup != nil {
		setup(&opts)
	}
	s.cache, err = s.reg.Open(ctx, cacheName, opts)
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	return errors.Join(s.reg.Close(ctx), s.bus.Close(), s.store.Close())
}
