package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentic-research/rangecache/internal/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkLabel(t *testing.T) {
	assert.Equal(t, "?", linkLabel(0))
	assert.Equal(t, "end", linkLabel(chunk.EndOfListID))
	assert.Equal(t, "12", linkLabel(12))
}

func TestParseBound(t *testing.T) {
	got, err := parseBound("before", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseBound("before", "2024-03-01T09:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))

	_, err = parseBound("after", "yesterday")
	assert.ErrorContains(t, err, "--after")
}

func writeRecords(t *testing.T, n int) string {
	t.Helper()
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	recs := make([]string, n)
	for i := range recs {
		at := t0.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		recs[i] = fmt.Sprintf(`{"id":"m%03d","createdAt":%q,"updatedAt":%q}`, i, at, at)
	}
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(path, []byte("["+strings.Join(recs, ",")+"]"), 0o644))
	return path
}

func TestIngestThenVerify(t *testing.T) {
	dir := t.TempDir()
	records := writeRecords(t, 40)
	ctx := context.Background()

	rootCmd.SetArgs([]string{"ingest", "--db", dir, "--name", "inbox", "--end-of-list", records})
	require.NoError(t, rootCmd.ExecuteContext(ctx))

	rootCmd.SetArgs([]string{"verify", "--db", dir, "--name", "inbox"})
	require.NoError(t, rootCmd.ExecuteContext(ctx))
}
