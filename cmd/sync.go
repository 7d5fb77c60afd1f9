package cmd

import (
	"fmt"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/cache"
	"github.com/agentic-research/rangecache/internal/config"
	"github.com/agentic-research/rangecache/internal/connectivity"
	"github.com/agentic-research/rangecache/internal/remote"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	sourcePath string
	pages      int
	watchItems int
)

func init() {
	syncCmd.Flags().StringVar(&sourcePath, "source", "", "JSON records standing in for the remote list")
	syncCmd.Flags().IntVar(&pages, "pages", 1, "Number of pages to load, newest first")
	_ = syncCmd.MarkFlagRequired("source")

	watchCmd.Flags().StringVar(&sourcePath, "source", "", "Refresh stale ranges from these JSON records")
	watchCmd.Flags().IntVar(&watchItems, "items", 0, "Minimum window size (default: batch size)")
	rootCmd.AddCommand(syncCmd, watchCmd)
}

func syncerOptions(cfg config.Config, s *session) remote.Options {
	return remote.Options{
		BatchSize:   cfg.BatchSize,
		Rate:        rate.Limit(cfg.RefetchRate),
		Burst:       cfg.RefetchBurst,
		Concurrency: cfg.RefetchConcurrency,
		Retries:     cfg.RefetchRetries,
		Log:         s.log.With("component", "syncer"),
	}
}

// openSynced opens a session whose refetches go to the records at
// sourcePath. Without a source it returns a nil syncer.
func openSynced(cmd *cobra.Command) (*session, *remote.Syncer, error) {
	ctx := cmd.Context()
	if sourcePath == "" {
		s, err := openSession(ctx, nil)
		return s, nil, err
	}
	var syncer *remote.Syncer
	s, err := openSession(ctx, func(o *cache.Options) {
		// Everything persisted before this run is suspect.
		o.Watermark = connectivity.NewTracker(time.Now())
		o.Refetch = func(j api.RangeUpdateJob) { syncer.Refetch(j) }
	})
	if err != nil {
		return nil, nil, err
	}
	codec, err := codecFor(s.cfg)
	if err != nil {
		_ = s.close(ctx)
		return nil, nil, err
	}
	src, err := remote.OpenFile(sourcePath, codec)
	if err != nil {
		_ = s.close(ctx)
		return nil, nil, err
	}
	syncer = remote.NewSyncer(src, s.cache, syncerOptions(s.cfg, s))
	return s, syncer, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Page the newest records of a source into the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, syncer, err := openSynced(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.close(ctx) }()

		q := remote.Query{Limit: s.cfg.BatchSize}
		total := 0
		for page := 0; page < pages; page++ {
			items, opts, err := syncer.LoadRange(ctx, q)
			if err != nil {
				return err
			}
			total += len(items)
			if opts.IsStartOfList || len(items) == 0 {
				break
			}
			oldest := items[len(items)-1].CreatedAt
			q.CreatedBefore = &oldest
		}
		if err := s.cache.Flush(ctx); err != nil {
			return err
		}
		fmt.Printf("Synced %d items into %s (%d chunks).\n", total, cacheName, len(s.cache.Chunks()))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the newest items of the cache until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, syncer, err := openSynced(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = s.close(ctx) }()
		if syncer != nil {
			go func() { _ = syncer.Run(ctx) }()
		}

		cur, err := s.cache.OpenCursor()
		if err != nil {
			return err
		}
		defer cur.Close()
		states := make(chan api.CursorState, 1)
		cur.OnUpdate(func(st api.CursorState) {
			select {
			case <-states:
			default:
			}
			states <- st
		})

		minimum := watchItems
		if minimum <= 0 {
			minimum = s.cfg.BatchSize
		}
		if _, err := cur.Init(ctx, api.InitOptions{Kind: api.InitRecent, MinimumItemCount: minimum}); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case st := <-states:
				printState(st)
				if st.Closed {
					return cur.Err()
				}
			}
		}
	},
}

func printState(st api.CursorState) {
	newest := "-"
	if len(st.Items) > 0 {
		newest = st.Items[0].ID
	}
	fmt.Printf("%s  items=%d newest=%s endOfList=%t startOfList=%t empty=%t\n",
		time.Now().Format(time.TimeOnly), len(st.Items), newest, st.WithEndOfList, st.WithStartOfList, st.IsEmpty)
}
