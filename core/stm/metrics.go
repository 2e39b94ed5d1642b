package stm

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// engineMetrics holds the OpenTelemetry instruments published by an engine.
// With no meter configured these are no-op instruments.
type engineMetrics struct {
	commits   metric.Int64Counter
	conflicts metric.Int64Counter
	retries   metric.Int64Counter
	parked    metric.Int64UpDownCounter
}

func newEngineMetrics(meter metric.Meter) *engineMetrics {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &engineMetrics{}
	m.commits, _ = meter.Int64Counter("stm_commits_total",
		metric.WithDescription("Transactions committed successfully"))
	m.conflicts, _ = meter.Int64Counter("stm_conflicts_total",
		metric.WithDescription("Transaction attempts discarded after failed validation"))
	m.retries, _ = meter.Int64Counter("stm_retries_total",
		metric.WithDescription("Transaction attempts abandoned via explicit retry"))
	m.parked, _ = meter.Int64UpDownCounter("stm_waiters_parked",
		metric.WithDescription("Transactions currently parked awaiting a commit"))
	return m
}
