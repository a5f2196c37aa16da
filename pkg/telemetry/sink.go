// Package telemetry mirrors tick-ledger entries and run-status
// snapshots to optional remote sinks. Mirrors are best-effort by
// contract: a publish failure is logged by callers and never fails the
// orchestration step, because observability must not become a
// correctness dependency.
package telemetry

import (
	"context"
	"time"
)

// StatusSnapshot is the dashboard-facing view of a run.
type StatusSnapshot struct {
	RunID     string    `json:"run_id" firestore:"run_id"`
	Stage     string    `json:"stage" firestore:"stage"`
	Status    string    `json:"status" firestore:"status"`
	Revision  int64     `json:"revision" firestore:"revision"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`
}

// Sink receives mirrored observability records.
type Sink interface {
	PublishTick(ctx context.Context, entry any) error
	PublishStatus(ctx context.Context, snap StatusSnapshot) error
	Close() error
}

// NopSink is the default when no telemetry project is configured.
type NopSink struct{}

// PublishTick discards the entry.
func (NopSink) PublishTick(context.Context, any) error { return nil }

// PublishStatus discards the snapshot.
func (NopSink) PublishStatus(context.Context, StatusSnapshot) error { return nil }

// Close is a no-op.
func (NopSink) Close() error { return nil }
