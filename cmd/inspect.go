package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/agentic-research/rangecache/internal/store"
	"github.com/spf13/cobra"
)

var recentN int

func init() {
	itemsCmd.Flags().IntVar(&recentN, "recent", 20, "Number of newest items to print")
	rootCmd.AddCommand(chunksCmd, verifyCmd, itemsCmd, clearCmd)
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, st)
}

func linkLabel(id int64) string {
	switch id {
	case 0:
		return "?"
	case chunk.EndOfListID:
		return "end"
	}
	return strconv.FormatInt(id, 10)
}

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Print the chunk chain, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			records, err := st.LoadChunks(ctx, cacheName)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Printf("%s has no chunks.\n", cacheName)
				return nil
			}
			fmt.Printf("%-6s %-30s %-30s %6s %6s %6s\n", "ID", "START", "END", "ITEMS", "PREV", "NEXT")
			for _, r := range records {
				fmt.Printf("%-6d %-30s %-30s %6d %6s %6s\n", r.ID,
					r.Start.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano), r.ItemCount,
					linkLabel(r.PreviousID), linkLabel(r.NextID))
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the persisted chunks for integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			records, err := st.LoadChunks(ctx, cacheName)
			if err != nil {
				return err
			}
			g, err := chunk.Load(records)
			if err != nil {
				return err
			}
			errs := []error{g.Check()}
			for _, r := range records {
				n, err := st.CountConfirmed(ctx, cacheName, r.Start, r.End)
				if err != nil {
					return err
				}
				if n != r.ItemCount {
					errs = append(errs, fmt.Errorf("chunk %d: counts %d items, store holds %d", r.ID, r.ItemCount, n))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Printf("%s: %d chunks OK.\n", cacheName, len(records))
			return nil
		})
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Print the newest items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st *store.Store) error {
			items, err := st.RecentItems(ctx, cacheName, recentN)
			if err != nil {
				return err
			}
			for _, it := range items {
				mark := ""
				if it.Pending {
					mark = " (pending)"
				}
				fmt.Printf("%s  %s%s\n", it.CreatedAt.Format(time.RFC3339Nano), it.ID, mark)
			}
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every item and chunk of the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = s.close(ctx) }()
		if err := runJob(cmd, s, s.cache.Clear()); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		fmt.Printf("Cleared %s.\n", cacheName)
		return nil
	},
}
