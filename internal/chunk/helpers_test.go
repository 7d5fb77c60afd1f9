package chunk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	items map[string]api.Item
}

func newFakeSource(items ...api.Item) *fakeSource {
	s := &fakeSource{items: make(map[string]api.Item)}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *fakeSource) ItemsBetween(_ context.Context, lo, hi time.Time, incLo, incHi bool) ([]api.Item, error) {
	var out []api.Item
	for _, it := range s.items {
		if inRange(it.CreatedAt, lo, hi, incLo, incHi) {
			out = append(out, it)
		}
	}
	sortItemsDesc(out)
	return out, nil
}

func (s *fakeSource) ItemsByID(_ context.Context, ids []string) ([]api.Item, error) {
	var out []api.Item
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

type fixedWatermark struct {
	at        time.Time
	connected bool
}

func (w fixedWatermark) LastDisconnect() time.Time { return w.at }
func (w fixedWatermark) Connected() bool           { return w.connected }

func testEngine() *Engine {
	now := t0.Add(48 * time.Hour)
	return &Engine{
		Sizes:     DefaultSizes,
		Watermark: fixedWatermark{at: t0.Add(24 * time.Hour), connected: true},
		Now:       func() time.Time { return now },
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func itemAt(id string, at time.Time) api.Item {
	return api.Item{ID: id, CreatedAt: at, UpdatedAt: at, Payload: []byte(`{}`)}
}

// seq returns items item-000.. one minute apart starting at t0, oldest first.
func seq(n int) []api.Item {
	out := make([]api.Item, n)
	for i := range out {
		out[i] = itemAt(fmt.Sprintf("item-%03d", i), t0.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func ids(items []api.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// harness plays the store: it commits transaction deltas, assigns chunk ids
// and keeps the item table.
type harness struct {
	t      *testing.T
	e      *Engine
	src    *fakeSource
	g      *Graph
	nextID int64
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, e: testEngine(), src: newFakeSource(), g: New(), nextID: 1}
}

func (h *harness) run(fn func(tx *Tx) error) Delta {
	h.t.Helper()
	tx := NewTx(h.g.Clone(), h.src)
	require.NoError(h.t, fn(tx))
	d := tx.Delta(h.g)
	g := tx.Graph()
	for _, ch := range d.Upserted {
		if g.Get(ch).ID == 0 {
			g.SetID(ch, h.nextID)
			h.nextID++
		}
	}
	for _, ch := range d.Upserted {
		_, err := g.Record(ch)
		require.NoError(h.t, err)
	}
	require.NoError(h.t, g.Check())
	if d.Cleared {
		h.src = newFakeSource()
	}
	for _, it := range d.Items {
		h.src.items[it.ID] = it
	}
	for _, id := range d.Removed {
		delete(h.src.items, id)
	}
	h.g = g
	return d
}

func (h *harness) ingest(items []api.Item, opts api.RangeOptions) Delta {
	h.t.Helper()
	return h.run(func(tx *Tx) error {
		return h.e.AddCompleteItemRange(context.Background(), tx, items, opts)
	})
}

func (h *harness) totalCount() int {
	n := 0
	for _, c := range h.g.Ordered() {
		n += c.ItemCount
	}
	return n
}

// seed replaces the harness state with loaded records and stored items.
func (h *harness) seed(items []api.Item, records ...Record) {
	h.t.Helper()
	g, err := Load(records)
	require.NoError(h.t, err)
	require.NoError(h.t, g.Check())
	h.g = g
	h.src = newFakeSource(items...)
	for _, r := range records {
		h.nextID = max(h.nextID, r.ID+1)
	}
}

// requireCounts checks every chunk's count against the stored items.
func (h *harness) requireCounts() {
	h.t.Helper()
	for _, c := range h.g.Ordered() {
		n := 0
		for _, it := range h.src.items {
			if !it.Pending && c.Contains(it.CreatedAt) {
				n++
			}
		}
		require.Equal(h.t, n, c.ItemCount, "chunk %s", c.String())
	}
}
