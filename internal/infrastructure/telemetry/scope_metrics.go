package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ScopeMetrics counts scope cache lookups and times control plane fetches
type ScopeMetrics struct {
	lookups *Counter
	fetches *Histogram
}

// NewScopeMetrics creates the scope cache instruments on meter
func NewScopeMetrics(meter metric.Meter) (*ScopeMetrics, error) {
	lookups, err := NewCounter(meter,
		"scope_cache_lookup_total",
		"Scope lookups by cache result (hit, stale, miss)",
		"{lookup}",
	)
	if err != nil {
		return nil, err
	}
	fetches, err := NewHistogram(meter, HistogramOpts{
		Name:        "scope_fetch_duration_seconds",
		Description: "Duration of scope fetches from the control plane",
		Unit:        "s",
		Boundaries:  UpstreamDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	return &ScopeMetrics{lookups: lookups, fetches: fetches}, nil
}

// RecordLookup counts one cache lookup
func (m *ScopeMetrics) RecordLookup(ctx context.Context, result string) {
	m.lookups.Inc(ctx, AttrCacheResult.String(result))
}

// RecordFetch times one fetch, labelled ok or error
func (m *ScopeMetrics) RecordFetch(ctx context.Context, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetches.RecordDuration(ctx, d, AttrOutcome.String(outcome))
}
