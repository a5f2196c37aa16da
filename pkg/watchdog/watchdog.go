// Package watchdog implements heartbeat-relative stage timeout
// detection. The timeout decision is a pure function of the manifest's
// stage clocks and the configured budget; the watchdog only reports,
// callers decide whether to halt.
package watchdog

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Watchdog evaluates stage timeouts for one run root.
type Watchdog struct {
	Paths schemas.RunPaths
	Now   func() time.Time
}

// New builds a watchdog over a run root.
func New(paths schemas.RunPaths) *Watchdog {
	return &Watchdog{Paths: paths, Now: time.Now}
}

// CheckResult reports one timeout evaluation.
type CheckResult struct {
	TimedOut       bool   `json:"timed_out"`
	CheckpointPath string `json:"checkpoint_path,omitempty"`
	Stage          string `json:"stage"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
	BudgetSeconds  int64  `json:"budget_seconds"`
	HeartbeatSeen  bool   `json:"heartbeat_seen"`
}

// Decide is the pure timeout decision: elapsed time is measured from
// the heartbeat when one exists, else from stage start. Long legitimate
// stages stay alive by heartbeating; total stage duration telemetry is
// unaffected because started_at is never touched here.
func Decide(budget time.Duration, startedAt time.Time, lastProgressAt *time.Time, now time.Time) (elapsed time.Duration, timedOut bool) {
	origin := startedAt
	if lastProgressAt != nil {
		origin = *lastProgressAt
	}
	elapsed = now.Sub(origin)
	return elapsed, elapsed > budget
}

// Check evaluates the manifest's current stage against its budget and,
// on timeout, writes a checkpoint artifact describing the overrun. The
// manifest itself is never mutated.
func (w *Watchdog) Check(m *schemas.Manifest, reason string) (*CheckResult, error) {
	now := w.Now().UTC()
	budgetSecs := m.Query.Constraints.TimeoutSeconds(m.Stage.Current)
	elapsed, timedOut := Decide(
		time.Duration(budgetSecs)*time.Second,
		m.Stage.StartedAt,
		m.Stage.LastProgressAt,
		now,
	)

	result := &CheckResult{
		TimedOut:       timedOut,
		Stage:          m.Stage.Current,
		ElapsedSeconds: int64(elapsed.Seconds()),
		BudgetSeconds:  budgetSecs,
		HeartbeatSeen:  m.Stage.LastProgressAt != nil,
	}
	if !timedOut {
		return result, nil
	}

	checkpoint := schemas.WatchdogCheckpoint{
		Schema:         schemas.SchemaCheckpoint,
		RunID:          m.RunID,
		TS:             now,
		Stage:          m.Stage.Current,
		ElapsedSeconds: result.ElapsedSeconds,
		BudgetSeconds:  budgetSecs,
		HeartbeatSeen:  result.HeartbeatSeen,
		Reason:         reason,
	}
	path := filepath.Join(w.Paths.WatchdogDir,
		fmt.Sprintf("checkpoint-%s.json", now.Format("20060102T150405Z")))
	if err := fsstore.WriteJSONAtomic(path, checkpoint); err != nil {
		return nil, err
	}
	result.CheckpointPath = path
	return result, nil
}
