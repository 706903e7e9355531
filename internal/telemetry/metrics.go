// Package telemetry records what the turn-taking machinery actually did:
// barge-in decisions, ghost turns, duck outcomes, mic recoveries. Metrics go
// through the OpenTelemetry API with a Prometheus exporter bridge; an
// optional Postgres event store keeps per-event rows for offline tuning of
// the grade-band profiles.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voicekit metrics.
const meterName = "github.com/lumenlearn/voicekit"

// Metrics holds the metric instruments. All fields are safe for concurrent
// use; the OTel types synchronize internally.
type Metrics struct {
	// BargeIns counts barge-in decisions. Attributes:
	//   attribute.String("outcome", "confirmed"|"cancelled"|"blocked")
	//   attribute.String("grade_band", ...)
	BargeIns metric.Int64Counter

	// GhostTurns counts transcripts rejected by the turn guard. Attribute:
	//   attribute.String("reason", ...)
	GhostTurns metric.Int64Counter

	// MicRecoveries counts recovery attempts. Attributes:
	//   attribute.String("stage", "same_id"|"label_match"|"best_available"|"exhausted")
	//   attribute.String("status", "ok"|"failed")
	MicRecoveries metric.Int64Counter

	// ChannelErrors counts session channel failures.
	ChannelErrors metric.Int64Counter

	// ActiveSessions tracks live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// TurnDuration tracks validated student turn length in seconds.
	TurnDuration metric.Float64Histogram
}

// turnBuckets covers sub-second bursts through long read-alouds.
var turnBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BargeIns, err = m.Int64Counter("voicekit.barge_ins",
		metric.WithDescription("Barge-in decisions by outcome and grade band."),
	); err != nil {
		return nil, err
	}
	if met.GhostTurns, err = m.Int64Counter("voicekit.ghost_turns",
		metric.WithDescription("Transcripts rejected by the turn guard, by reason."),
	); err != nil {
		return nil, err
	}
	if met.MicRecoveries, err = m.Int64Counter("voicekit.mic_recoveries",
		metric.WithDescription("Microphone recovery attempts by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.ChannelErrors, err = m.Int64Counter("voicekit.channel_errors",
		metric.WithDescription("Session channel failures."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicekit.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voicekit.turn.duration",
		metric.WithDescription("Validated student turn duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("telemetry: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordBargeIn(ctx context.Context, outcome, gradeBand string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("grade_band", gradeBand),
	))
}

func (m *Metrics) RecordGhostTurn(ctx context.Context, reason string) {
	m.GhostTurns.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordMicRecovery(ctx context.Context, stage, status string) {
	m.MicRecoveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}
