package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/manifest"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/stage"
)

// StatusReport is the operator-facing status summary.
type StatusReport struct {
	RunID          string     `json:"run_id"`
	Topic          string     `json:"topic"`
	Stage          string     `json:"stage"`
	Status         string     `json:"status"`
	Revision       int64      `json:"revision"`
	TicksAttempted int        `json:"ticks_attempted"`
	StageStartedAt time.Time  `json:"stage_started_at"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	RetriesUsed    int        `json:"retries_used"`
}

// Status summarizes the run without mutating anything.
func (o *Orchestrator) Status() (*StatusReport, error) {
	m, err := o.Manifest.Read()
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		RunID:          m.RunID,
		Topic:          m.Query.Topic,
		Stage:          m.Stage.Current,
		Status:         m.Status,
		Revision:       m.Revision,
		TicksAttempted: m.Metrics.TicksAttempted,
		StageStartedAt: m.Stage.StartedAt,
		LastProgressAt: m.Stage.LastProgressAt,
		UpdatedAt:      m.UpdatedAt,
		RetriesUsed:    len(m.Metrics.RetryHistory),
	}, nil
}

// InspectReport is the full read-only view of a run root.
type InspectReport struct {
	Manifest   *schemas.Manifest     `json:"manifest"`
	Gates      *schemas.GatesDoc     `json:"gates"`
	LatestHalt *schemas.HaltArtifact `json:"latest_halt,omitempty"`
	TickCount  int                   `json:"tick_count"`
}

// Inspect returns the manifest, gates document, latest halt artifact,
// and tick ledger size in one read.
func (o *Orchestrator) Inspect() (*InspectReport, error) {
	m, err := o.Manifest.Read()
	if err != nil {
		return nil, err
	}
	gatesDoc, err := o.Gates.Read()
	if err != nil {
		return nil, err
	}
	tickCount, err := fsstore.CountJSONLines(o.Paths.TickLog)
	if err != nil {
		return nil, err
	}
	report := &InspectReport{Manifest: m, Gates: gatesDoc, TickCount: tickCount}
	if halt, err := o.latestHalt(); err == nil {
		report.LatestHalt = halt
	} else if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}
	return report, nil
}

// TriageReport explains what is blocking the next transition.
type TriageReport struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	NextStage  string         `json:"next_stage"`
	Ready      bool           `json:"ready"`
	Decision   stage.Decision `json:"decision"`
	Triage     schemas.Triage `json:"triage"`
	NextSteps  []string       `json:"next_steps"`
}

// Triage dry-runs the next transition and reports every blocker. It is
// safe to call repeatedly: nothing is mutated.
func (o *Orchestrator) Triage() (*TriageReport, error) {
	m, err := o.Manifest.Read()
	if err != nil {
		return nil, err
	}
	result, err := o.Machine.Evaluate("")
	if err != nil {
		return nil, err
	}
	triage := triageFromDecision(result.Decision)
	var steps []string
	for _, p := range triage.MissingArtifacts {
		steps = append(steps, fmt.Sprintf("produce the missing artifact %s", p))
	}
	for _, g := range triage.BlockedGates {
		steps = append(steps, fmt.Sprintf("resolve gate %s, then re-run: longhaul tick --run-root %s", g, o.Paths.Root))
	}
	if result.OK {
		steps = []string{fmt.Sprintf("longhaul tick --run-root %s", o.Paths.Root)}
	}
	return &TriageReport{
		RunID:     m.RunID,
		Stage:     m.Stage.Current,
		Status:    m.Status,
		NextStage: result.To,
		Ready:     result.OK,
		Decision:  result.Decision,
		Triage:    triage,
		NextSteps: steps,
	}, nil
}

// Pause stops a running run. Only running runs can pause.
func (o *Orchestrator) Pause(reason string) (*schemas.Manifest, error) {
	return o.setStatus(schemas.StatusRunning, schemas.StatusPaused, reason)
}

// Resume restarts a paused run.
func (o *Orchestrator) Resume(reason string) (*schemas.Manifest, error) {
	return o.setStatus(schemas.StatusPaused, schemas.StatusRunning, reason)
}

// Cancel terminates a run. Cancellation is sticky: every later mutation
// attempt is refused with CANCELLED.
func (o *Orchestrator) Cancel(reason string) (*schemas.Manifest, error) {
	var out *schemas.Manifest
	err := fsstore.WithRunLock(o.Paths.LockFile, o.LockTimeout, func() error {
		m, err := o.Manifest.Read()
		if err != nil {
			return err
		}
		if schemas.IsTerminalStatus(m.Status) {
			return errors.Newf(errors.CodeInvalidState,
				"run %s is already %s", m.RunID, m.Status).
				WithDetail("status", m.Status)
		}
		status := schemas.StatusCancelled
		if _, err := o.Manifest.Write(manifest.Patch{Status: &status}, m.Revision, reason); err != nil {
			return err
		}
		out, err = o.Manifest.Read()
		return err
	})
	if err != nil {
		return nil, err
	}
	o.Logger.Info("run cancelled", "run_id", out.RunID, "reason", reason)
	o.publishStatus(out)
	return out, nil
}

// Heartbeat refreshes the watchdog window on behalf of a live but
// long-running stage.
func (o *Orchestrator) Heartbeat(reason string) (*schemas.Manifest, error) {
	var out *schemas.Manifest
	err := fsstore.WithRunLock(o.Paths.LockFile, o.LockTimeout, func() error {
		m, err := o.Manifest.Read()
		if err != nil {
			return err
		}
		if schemas.IsTerminalStatus(m.Status) {
			return errors.Newf(errors.CodeInvalidState,
				"run %s is %s; heartbeats are meaningless", m.RunID, m.Status)
		}
		if _, err := o.Manifest.Heartbeat(m.Revision, reason); err != nil {
			return err
		}
		out, err = o.Manifest.Read()
		return err
	})
	return out, err
}

// RequestRetry records a retry directive for a perspective in a stage
// family. The retry itself happens on the next tick of that family.
func (o *Orchestrator) RequestRetry(family, perspectiveID, changeNote string) error {
	switch family {
	case schemas.FamilyWave1, schemas.FamilyPostPivot, schemas.FamilyPostSummaries:
	default:
		return errors.Newf(errors.CodeInvalidState, "unknown stage family %q", family)
	}
	return fsstore.WithRunLock(o.Paths.LockFile, o.LockTimeout, func() error {
		return o.Retries.Add(family, perspectiveID, changeNote)
	})
}

// RunResult is the outcome of a Run loop.
type RunResult struct {
	Ticks      int         `json:"ticks"`
	LastReport *TickReport `json:"last_report,omitempty"`
	Stage      string      `json:"stage"`
	Status     string      `json:"status"`
}

// Run ticks until the run reaches a terminal status, stops making
// progress, or maxTicks is exhausted. Each tick re-acquires the lock so
// concurrent operators interleave cleanly.
func (o *Orchestrator) Run(ctx context.Context, maxTicks int, reason string) (*RunResult, error) {
	if maxTicks <= 0 {
		maxTicks = len(schemas.StageOrder) * 64
	}
	result := &RunResult{}
	for i := 0; i < maxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrap(err, errors.CodeInternal)
		}
		report, err := o.Tick(ctx, reason)
		if report != nil {
			result.Ticks++
			result.LastReport = report
			result.Stage = report.StageAfter
			result.Status = report.StatusAfter
		}
		if err != nil {
			if errors.Is(err, errors.CodeInvalidState) || errors.Is(err, errors.CodeCancelled) {
				break
			}
			return result, err
		}
		// A halted or blocked tick will not unblock by itself.
		if !report.OK {
			break
		}
		if report.StatusAfter != "" && schemas.IsTerminalStatus(report.StatusAfter) {
			break
		}
	}
	return result, nil
}

func (o *Orchestrator) setStatus(from, to, reason string) (*schemas.Manifest, error) {
	var out *schemas.Manifest
	err := fsstore.WithRunLock(o.Paths.LockFile, o.LockTimeout, func() error {
		m, err := o.Manifest.Read()
		if err != nil {
			return err
		}
		if m.Status != from {
			return errors.Newf(errors.CodeInvalidState,
				"run %s is %s, not %s", m.RunID, m.Status, from).
				WithDetail("status", m.Status).
				WithDetail("required_status", from)
		}
		if _, err := o.Manifest.Write(manifest.Patch{Status: &to}, m.Revision, reason); err != nil {
			return err
		}
		out, err = o.Manifest.Read()
		return err
	})
	if err != nil {
		return nil, err
	}
	o.Logger.Info("run status changed", "run_id", out.RunID, "from", from, "to", to, "reason", reason)
	o.publishStatus(out)
	return out, nil
}
