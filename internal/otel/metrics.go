package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the sync-client instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TokenRefreshes  metric.Int64Counter
	RefreshFailures metric.Int64Counter
	PollTickDur     metric.Float64Histogram
	PollFetchErrors metric.Int64Counter
	DedupDrops      metric.Int64Counter
	StreamEvents    metric.Int64Counter
	StreamDropped   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("lasdash.request.duration",
		metric.WithDescription("Outbound daemon request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokenRefreshes, err = meter.Int64Counter("lasdash.auth.refreshes",
		metric.WithDescription("Token refresh operations started"),
	)
	if err != nil {
		return nil, err
	}

	m.RefreshFailures, err = meter.Int64Counter("lasdash.auth.refresh_failures",
		metric.WithDescription("Token refresh operations that terminated the session"),
	)
	if err != nil {
		return nil, err
	}

	m.PollTickDur, err = meter.Float64Histogram("lasdash.poll.tick.duration",
		metric.WithDescription("Poll tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PollFetchErrors, err = meter.Int64Counter("lasdash.poll.fetch_errors",
		metric.WithDescription("Per-fetch poll failures (transient, retried next tick)"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupDrops, err = meter.Int64Counter("lasdash.transcript.dedup_drops",
		metric.WithDescription("Agent answers discarded as fingerprint duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEvents, err = meter.Int64Counter("lasdash.stream.events",
		metric.WithDescription("Push-stream events delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamDropped, err = meter.Int64Counter("lasdash.stream.dropped_frames",
		metric.WithDescription("Malformed push-stream frames dropped"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
