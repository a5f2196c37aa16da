package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/manifest"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/stage"
	"github.com/spawn-mcp/longhaul/pkg/ticks"
)

// TickReport is the outcome of one tick. OK false with an empty Code
// means the run is blocked on requirements (see Decision); OK false
// with a Code means the tick halted and wrote a halt artifact.
type TickReport struct {
	RunID        string            `json:"run_id"`
	TickIndex    int               `json:"tick_index"`
	OK           bool              `json:"ok"`
	Code         string            `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
	StageBefore  string            `json:"stage_before"`
	StageAfter   string            `json:"stage_after"`
	StatusBefore string            `json:"status_before"`
	StatusAfter  string            `json:"status_after"`
	Advanced     bool              `json:"advanced"`
	HaltPath     string            `json:"halt_path,omitempty"`
	Decision     *stage.Decision   `json:"decision,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	InputsDigest string            `json:"inputs_digest,omitempty"`
}

// familyOutcome is what a stage-family handler reports back to the tick
// loop.
type familyOutcome struct {
	advanced     bool
	decision     *stage.Decision
	artifacts    map[string]string
	inputsDigest string
	message      string
}

// Tick performs one unit of forward progress under the run lock. A
// blocked or halted tick is a recorded outcome, not an error: the error
// return is reserved for faults that prevented the tick from being
// evaluated at all.
func (o *Orchestrator) Tick(ctx context.Context, reason string) (*TickReport, error) {
	var report *TickReport
	err := fsstore.WithRunLock(o.Paths.LockFile, o.LockTimeout, func() error {
		r, terr := o.tickLocked(ctx, reason)
		report = r
		return terr
	})
	return report, err
}

// The returns are named so the panic-recovery defer can hand the
// halted report back to the caller: a recovered panic must surface as
// a reported halt, never as a nil report.
func (o *Orchestrator) tickLocked(ctx context.Context, reason string) (report *TickReport, err error) {
	m, err := o.Manifest.Read()
	if err != nil {
		return nil, err
	}
	switch {
	case m.Status == schemas.StatusCancelled:
		return nil, errors.Newf(errors.CodeCancelled,
			"run %s is cancelled; ticks are refused", m.RunID).
			WithDetail("status", m.Status)
	case schemas.IsTerminalStatus(m.Status):
		return nil, errors.Newf(errors.CodeInvalidState,
			"run %s is %s; nothing to do", m.RunID, m.Status).
			WithDetail("status", m.Status)
	case m.Status == schemas.StatusPaused:
		return nil, errors.Newf(errors.CodeInvalidState,
			"run %s is paused; resume before ticking", m.RunID).
			WithDetail("status", m.Status)
	}

	// The attempt counter moves before any work so even a tick that
	// panics is visible in the manifest's metrics.
	if _, err := o.Manifest.Write(manifest.Patch{IncrementTicks: true}, m.Revision, "tick: attempt"); err != nil {
		return nil, err
	}
	m, err = o.Manifest.Read()
	if err != nil {
		return nil, err
	}

	tc := o.Ticks.Begin(m, reason)
	report = &TickReport{
		RunID:        m.RunID,
		TickIndex:    tc.TickIndex,
		StageBefore:  tc.StageBefore,
		StatusBefore: tc.StatusBefore,
	}

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("tick panicked: %v", r)
			o.Logger.Error("tick panic", "run_id", m.RunID, "tick_index", tc.TickIndex, "panic", r)
			haltPath, _ := o.writeHalt(m, tc.TickIndex, errors.CodeInternal, msg, "",
				schemas.Triage{FailedChecks: []string{msg}}, nil)
			report.OK = false
			report.Code = errors.CodeInternal
			report.Message = msg
			report.HaltPath = haltPath
			o.finishTick(tc, report)
		}
	}()

	if wd, werr := o.Watchdog.Check(m, reason); werr != nil {
		return nil, werr
	} else if wd.TimedOut {
		msg := fmt.Sprintf("stage %s exceeded its %ds budget (%ds elapsed since last progress)",
			wd.Stage, wd.BudgetSeconds, wd.ElapsedSeconds)
		haltPath, herr := o.writeHalt(m, tc.TickIndex, errors.CodeWatchdogTimeout, msg, "",
			schemas.Triage{FailedChecks: []string{msg}},
			[]string{
				fmt.Sprintf("longhaul heartbeat --run-root %s --reason 'operator: stage still live'", o.Paths.Root),
				fmt.Sprintf("longhaul triage --run-root %s", o.Paths.Root),
			})
		if herr != nil {
			return nil, herr
		}
		report.OK = false
		report.Code = errors.CodeWatchdogTimeout
		report.Message = msg
		report.HaltPath = haltPath
		o.finishTick(tc, report)
		return report, nil
	}

	outcome, ferr := o.dispatch(ctx, m, tc)
	if ferr != nil {
		code := errors.CodeOf(ferr)
		haltPath, herr := o.haltForError(m, tc, ferr)
		if herr != nil {
			return nil, herr
		}
		report.OK = false
		report.Code = code
		report.Message = ferr.Error()
		report.HaltPath = haltPath
		o.finishTick(tc, report)
		if isSteadyStateHalt(code) {
			return report, nil
		}
		return report, ferr
	}

	report.OK = outcome.advanced || outcome.decision == nil
	report.Advanced = outcome.advanced
	report.Decision = outcome.decision
	report.Artifacts = outcome.artifacts
	report.InputsDigest = outcome.inputsDigest
	report.Message = outcome.message
	o.finishTick(tc, report)
	return report, nil
}

// dispatch routes the tick to the handler for the current stage family.
func (o *Orchestrator) dispatch(ctx context.Context, m *schemas.Manifest, tc *ticks.Context) (*familyOutcome, error) {
	switch schemas.FamilyOf(m.Stage.Current) {
	case schemas.FamilyWave1:
		return o.tickWave1(ctx, m, tc)
	case schemas.FamilyPostPivot:
		return o.tickPostPivot(ctx, m, tc)
	case schemas.FamilyPostSummaries:
		return o.tickPostSummaries(ctx, m, tc)
	default:
		return nil, errors.Newf(errors.CodeInvalidState,
			"stage %q belongs to no known family", m.Stage.Current)
	}
}

// finishTick records the finish entry with the post-tick manifest state
// and mirrors the run status.
func (o *Orchestrator) finishTick(tc *ticks.Context, report *TickReport) {
	after, err := o.Manifest.Read()
	if err != nil {
		o.Logger.Warn("post-tick manifest read failed", "run_id", tc.RunID, "error", err)
		after = nil
	}
	o.Ticks.Finalize(tc, after, ticks.Outcome{
		OK:           report.OK,
		ErrorCode:    report.Code,
		InputsDigest: report.InputsDigest,
		Artifacts:    report.Artifacts,
	}, report.Message)
	if after != nil {
		report.StageAfter = after.Stage.Current
		report.StatusAfter = after.Status
		o.publishStatus(after)
	}
}

// haltForError writes the halt artifact for a failed family handler,
// enriching the triage with a fresh dry-run transition evaluation.
func (o *Orchestrator) haltForError(m *schemas.Manifest, tc *ticks.Context, ferr error) (string, error) {
	triage := schemas.Triage{FailedChecks: []string{ferr.Error()}}
	if result, err := o.Machine.Evaluate(""); err == nil {
		merged := triageFromDecision(result.Decision)
		merged.FailedChecks = triage.FailedChecks
		triage = merged
	}
	var commands []string
	var tagged *errors.Error
	if stderrors.As(ferr, &tagged) {
		if c, ok := tagged.Details["next_commands"].([]string); ok {
			commands = c
		}
	}
	return o.writeHalt(m, tc.TickIndex, errors.CodeOf(ferr), ferr.Error(), "", triage, commands)
}

// isSteadyStateHalt reports whether a code is an expected driverless or
// staleness outcome rather than a fault.
func isSteadyStateHalt(code string) bool {
	switch code {
	case errors.CodeRunAgentRequired, errors.CodeWave1PlanStale, errors.CodeRetryCapExceeded:
		return true
	}
	return false
}
