package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/agentic-research/rangecache/internal/jobs"
	"github.com/spf13/cobra"
)

var (
	startOfList bool
	endOfList   bool
	beforeFlag  string
	afterFlag   string
)

func init() {
	ingestCmd.Flags().BoolVar(&startOfList, "start-of-list", false, "Nothing older than the records exists")
	ingestCmd.Flags().BoolVar(&endOfList, "end-of-list", false, "Nothing newer than the records exists")
	ingestCmd.Flags().StringVar(&beforeFlag, "before", "", "Exclusive upper bound of the fetched window (RFC 3339)")
	ingestCmd.Flags().StringVar(&afterFlag, "after", "", "Exclusive lower bound of the fetched window (RFC 3339)")
	rootCmd.AddCommand(ingestCmd)
}

func parseBound(flag, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &t, nil
}

// runJob flushes the cache so p completes without waiting out the debounce.
func runJob(cmd *cobra.Command, s *session, p *jobs.Pending) error {
	ctx := cmd.Context()
	if err := s.cache.Flush(ctx); err != nil {
		return err
	}
	return p.Wait(ctx)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.json]",
	Short: "Ingest a JSON array of records as one complete range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := api.RangeOptions{IsStartOfList: startOfList, IsEndOfList: endOfList}
		var err error
		if opts.CreatedBefore, err = parseBound("before", beforeFlag); err != nil {
			return err
		}
		if opts.CreatedAfter, err = parseBound("after", afterFlag); err != nil {
			return err
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read records: %w", err)
		}
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = s.close(ctx) }()

		codec, err := codecFor(s.cfg)
		if err != nil {
			return err
		}
		items, err := codec.DecodeAll(raw)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := runJob(cmd, s, s.cache.IngestRange(items, opts)); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		fmt.Printf("Ingested %d items into %s in %v.\n", len(items), cacheName, time.Since(start))
		return nil
	},
}
