// Package ticks implements the append-only tick ledger: one start and
// one finish record per orchestration attempt. Ledger writes are
// best-effort; a failed append degrades to a warning because the
// ledger observes orchestration, it never gates it.
package ticks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/telemetry"
)

// Ledger appends tick records for one run root.
type Ledger struct {
	Path   string
	Logger *slog.Logger
	Sink   telemetry.Sink
	Now    func() time.Time
}

// NewLedger builds a ledger over a run root.
func NewLedger(paths schemas.RunPaths, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		Path:   paths.TickLog,
		Logger: logger,
		Sink:   telemetry.NopSink{},
		Now:    time.Now,
	}
}

// Context carries one tick attempt between Begin and Finalize.
type Context struct {
	RunID         string
	TickIndex     int
	StageBefore   string
	StatusBefore  string
	CorrelationID string
}

// Begin snapshots the manifest's pre-tick state and appends the start
// record. The tick index is derived from the count of existing start
// records, not from the manifest revision, so observed attempts stay
// totally ordered even when a tick mutates nothing.
func (l *Ledger) Begin(m *schemas.Manifest, reason string) *Context {
	tc := &Context{
		RunID:         m.RunID,
		TickIndex:     l.nextTickIndex(),
		StageBefore:   m.Stage.Current,
		StatusBefore:  m.Status,
		CorrelationID: uuid.New().String(),
	}
	l.append(schemas.TickEntry{
		Schema:       schemas.SchemaTickLedger,
		RunID:        tc.RunID,
		TS:           l.Now().UTC(),
		TickIndex:    tc.TickIndex,
		Phase:        schemas.TickPhaseStart,
		StageBefore:  tc.StageBefore,
		StatusBefore: tc.StatusBefore,
		Correlation:  tc.CorrelationID,
		Reason:       reason,
	})
	return tc
}

// Outcome is what Finalize records for one tick.
type Outcome struct {
	OK           bool
	ErrorCode    string
	InputsDigest string
	Artifacts    map[string]string
}

// Finalize appends the finish record with the post-tick stage and
// status read fresh from the manifest, then mirrors the entry to the
// telemetry sink.
func (l *Ledger) Finalize(tc *Context, after *schemas.Manifest, outcome Outcome, reason string) {
	entry := schemas.TickEntry{
		Schema:       schemas.SchemaTickLedger,
		RunID:        tc.RunID,
		TS:           l.Now().UTC(),
		TickIndex:    tc.TickIndex,
		Phase:        schemas.TickPhaseFinish,
		StageBefore:  tc.StageBefore,
		StatusBefore: tc.StatusBefore,
		Result:       &schemas.TickResult{OK: outcome.OK},
		InputsDigest: outcome.InputsDigest,
		Artifacts:    outcome.Artifacts,
		Correlation:  tc.CorrelationID,
		Reason:       reason,
	}
	if after != nil {
		entry.StageAfter = after.Stage.Current
		entry.StatusAfter = after.Status
	}
	if outcome.ErrorCode != "" {
		entry.Result.Error = &schemas.TickError{Code: outcome.ErrorCode}
	}
	l.append(entry)

	if err := l.Sink.PublishTick(context.Background(), entry); err != nil {
		l.Logger.Warn("telemetry mirror failed", "run_id", tc.RunID,
			"tick_index", tc.TickIndex, "error", err)
	}
}

// Entries returns the full ledger, oldest first.
func (l *Ledger) Entries() ([]schemas.TickEntry, error) {
	var entries []schemas.TickEntry
	err := fsstore.ReadJSONLines(l.Path,
		func() any { return &schemas.TickEntry{} },
		func(item any) error {
			entries = append(entries, *(item.(*schemas.TickEntry)))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Ledger) nextTickIndex() int {
	starts := 0
	fsstore.ReadJSONLines(l.Path,
		func() any { return &schemas.TickEntry{} },
		func(item any) error {
			if item.(*schemas.TickEntry).Phase == schemas.TickPhaseStart {
				starts++
			}
			return nil
		})
	return starts
}

func (l *Ledger) append(entry schemas.TickEntry) {
	if err := fsstore.AppendJSONL(l.Path, entry); err != nil {
		l.Logger.Warn("tick ledger append failed", "run_id", entry.RunID,
			"tick_index", entry.TickIndex, "phase", entry.Phase, "error", err)
	}
}
