// Package telemetry holds the process-wide OpenTelemetry counters. With no SDK
// installed the global meter provider is a no-op.
package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/tandem"

var (
	once      sync.Once
	frames    metric.Int64Counter
	errs      metric.Int64Counter
	batches   metric.Int64Counter
	learnings metric.Int64Counter
)

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn().Err(err).Str("counter", name).Msg("Failed to create counter")
	}
	return c
}

func initCounters() {
	once.Do(func() {
		m := otel.Meter(meterName)
		frames = counter(m, "tandem.gateway.frames", "Inbound frames by message type")
		errs = counter(m, "tandem.gateway.errors", "Error replies by kind")
		batches = counter(m, "tandem.curation.batches", "Completed curation batches")
		learnings = counter(m, "tandem.curation.learnings", "Learnings stored by curation")
	})
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Frame counts one inbound frame.
func Frame(ctx context.Context, msgType string) {
	initCounters()
	add(ctx, frames, 1, attribute.String("type", msgType))
}

// Error counts one error reply.
func Error(ctx context.Context, kind string) {
	initCounters()
	add(ctx, errs, 1, attribute.String("kind", kind))
}

// Batch counts one completed curation batch and the learnings it stored.
func Batch(ctx context.Context, stored int) {
	initCounters()
	add(ctx, batches, 1)
	add(ctx, learnings, int64(stored))
}
