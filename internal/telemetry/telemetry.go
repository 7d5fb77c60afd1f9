// Package telemetry holds the OpenTelemetry tracer and instruments of the
// cache. No exporter is configured here; the global providers decide where
// data goes.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "rangecache.cache"

var (
	flushTotal        metric.Int64Counter
	flushDuration     metric.Float64Histogram
	jobsTotal         metric.Int64Counter
	broadcastsApplied metric.Int64Counter
	broadcastsSkipped metric.Int64Counter
	staleChunks       metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(scope)
		var err error

		if flushTotal, err = meter.Int64Counter("rangecache_flush_total",
			metric.WithDescription("Flush cycles run, by outcome")); err != nil {
			metricsErr = err
			return
		}
		if flushDuration, err = meter.Float64Histogram("rangecache_flush_duration_seconds",
			metric.WithDescription("Duration of flush cycles"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if jobsTotal, err = meter.Int64Counter("rangecache_jobs_total",
			metric.WithDescription("Jobs executed, by kind")); err != nil {
			metricsErr = err
			return
		}
		if broadcastsApplied, err = meter.Int64Counter("rangecache_broadcasts_applied_total",
			metric.WithDescription("Broadcast batches merged into the shadow graph")); err != nil {
			metricsErr = err
			return
		}
		if broadcastsSkipped, err = meter.Int64Counter("rangecache_broadcasts_skipped_total",
			metric.WithDescription("Broadcast batches dropped as older than the loaded snapshot")); err != nil {
			metricsErr = err
			return
		}
		staleChunks, err = meter.Int64Counter("rangecache_stale_chunks_total",
			metric.WithDescription("Stale chunk ranges reported for re-fetch"))
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// Flush is the result of one flush cycle.
type Flush struct {
	Jobs           int
	ChunksUpserted int
	ChunksDeleted  int
	ItemsUpserted  int
	ItemsDeleted   int
}

// StartFlush opens the span of one flush cycle.
func StartFlush(ctx context.Context, cache string) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, "Cache.flush",
		trace.WithAttributes(attribute.String("cache.name", cache)))
}

// EndFlush annotates span and records the cycle metrics.
func EndFlush(ctx context.Context, span trace.Span, cache string, f Flush, took time.Duration, err error) {
	span.SetAttributes(
		attribute.Int("flush.jobs", f.Jobs),
		attribute.Int("flush.chunks_upserted", f.ChunksUpserted),
		attribute.Int("flush.chunks_deleted", f.ChunksDeleted),
		attribute.Int("flush.items_upserted", f.ItemsUpserted),
		attribute.Int("flush.items_deleted", f.ItemsDeleted),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.Bool("success", err == nil),
	)
	flushTotal.Add(ctx, 1, attrs)
	flushDuration.Record(ctx, took.Seconds(), attrs)
}

// Job counts one executed job.
func Job(ctx context.Context, cache, kind string) {
	if initMetrics() != nil {
		return
	}
	jobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("kind", kind),
	))
}

// Broadcast counts one received batch.
func Broadcast(ctx context.Context, cache string, applied bool) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	if applied {
		broadcastsApplied.Add(ctx, 1, attrs)
		return
	}
	broadcastsSkipped.Add(ctx, 1, attrs)
}

// Stale counts one range reported for re-fetch.
func Stale(ctx context.Context, cache string) {
	if initMetrics() != nil {
		return
	}
	staleChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}
