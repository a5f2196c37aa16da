package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

var testPerspectives = []schemas.Perspective{
	{ID: "p1", Title: "economics", Prompt: "economic angle"},
	{ID: "p2", Title: "policy", Prompt: "policy angle"},
}

// fakeDriver produces deterministic markdown with no URLs, so the
// citations stage sees an empty set and validation stays offline.
func fakeDriver(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	body := fmt.Sprintf("## %s: %s\n\nFindings for %s.\n", req.Stage, req.PerspectiveID, req.Topic)
	if req.PerspectiveID == "" {
		body = fmt.Sprintf("## Synthesis\n\nDraft on %s.\n", req.Topic)
	}
	return &AgentResult{Markdown: body}, nil
}

func newTestRun(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(t.TempDir(), opts...)
	_, err := o.Init(InitParams{
		RunID:        "run-test",
		Topic:        "grid-scale battery storage",
		Perspectives: testPerspectives,
		LookupEnv:    func(string) (string, bool) { return "", false },
	})
	if err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}
	return o
}

func writePivotDecision(t *testing.T, o *Orchestrator) {
	t.Helper()
	m, err := o.Manifest.Read()
	if err != nil {
		t.Fatal(err)
	}
	path, _ := o.Paths.ArtifactPath(m, schemas.ArtifactPivotDecision)
	if err := fsstore.WriteJSONAtomic(path, schemas.PivotDecision{
		Schema:       schemas.SchemaPivotDecision,
		RunID:        m.RunID,
		DecidedAt:    time.Now().UTC(),
		Rationale:    "both perspectives carry",
		Perspectives: testPerspectives,
	}); err != nil {
		t.Fatal(err)
	}
}

func writeReviewFindings(t *testing.T, o *Orchestrator, findings []schemas.ReviewFinding) {
	t.Helper()
	m, err := o.Manifest.Read()
	if err != nil {
		t.Fatal(err)
	}
	path, _ := o.Paths.ArtifactPath(m, schemas.ArtifactReviewFindings)
	if err := fsstore.WriteJSONAtomic(path, schemas.ReviewFindings{
		Schema:   schemas.SchemaReviewFindings,
		RunID:    m.RunID,
		Findings: findings,
	}); err != nil {
		t.Fatal(err)
	}
}

// tickUntil ticks until the predicate holds or the run stops making
// progress, failing the test on unexpected errors.
func tickUntil(t *testing.T, o *Orchestrator, limit int, pred func(*TickReport) bool) *TickReport {
	t.Helper()
	var last *TickReport
	for i := 0; i < limit; i++ {
		report, err := o.Tick(context.Background(), "test: tick")
		if err != nil {
			t.Fatalf("Tick returned an error: %v", err)
		}
		last = report
		if pred(report) {
			return report
		}
		if !report.OK {
			return report
		}
	}
	return last
}

func TestInitCreatesRunRoot(t *testing.T) {
	o := newTestRun(t)

	m, err := o.Manifest.Read()
	if err != nil {
		t.Fatalf("Read returned an error: %v", err)
	}
	if m.Revision != 1 || m.Status != schemas.StatusRunning || m.Stage.Current != schemas.StageWave1 {
		t.Errorf("unexpected initial manifest: rev=%d status=%s stage=%s", m.Revision, m.Status, m.Stage.Current)
	}

	gatesDoc, err := o.Gates.Read()
	if err != nil {
		t.Fatalf("gates Read returned an error: %v", err)
	}
	for id, entry := range gatesDoc.Gates {
		if entry.Status != schemas.GateNotRun {
			t.Errorf("gate %s not seeded at not_run: %q", id, entry.Status)
		}
	}

	planPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactWave1Plan)
	if !fsstore.Exists(planPath) {
		t.Error("init did not write the wave-1 plan")
	}
	if !fsstore.Exists(o.Paths.Config) {
		t.Error("init did not snapshot the configuration")
	}
}

func TestInitRefusesExistingRun(t *testing.T) {
	o := newTestRun(t)
	_, err := o.Init(InitParams{
		Topic:        "another topic",
		Perspectives: testPerspectives,
		LookupEnv:    func(string) (string, bool) { return "", false },
	})
	if !errors.Is(err, errors.CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE reusing a run root, got %v", err)
	}
}

func TestDriverlessTickHaltsWithLiteralCommands(t *testing.T) {
	o := newTestRun(t)

	report, err := o.Tick(context.Background(), "test: driverless")
	if err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}
	if report.OK || report.Code != errors.CodeRunAgentRequired {
		t.Fatalf("expected a RUN_AGENT_REQUIRED halt, got %+v", report)
	}
	if report.HaltPath == "" {
		t.Fatal("halt produced no artifact")
	}

	var halt schemas.HaltArtifact
	if err := fsstore.ReadJSON(report.HaltPath, &halt); err != nil {
		t.Fatalf("reading halt artifact: %v", err)
	}
	if halt.Code != errors.CodeRunAgentRequired || len(halt.NextCommands) == 0 {
		t.Errorf("halt artifact lacks next commands: %+v", halt)
	}

	// The stage did not move, but the attempt is on the record.
	m, err := o.Manifest.Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.Stage.Current != schemas.StageWave1 {
		t.Errorf("driverless tick moved the stage to %q", m.Stage.Current)
	}
	if m.Metrics.TicksAttempted != 1 {
		t.Errorf("ticks_attempted = %d, want 1", m.Metrics.TicksAttempted)
	}
}

func TestFullPipelineWithDriver(t *testing.T) {
	o := newTestRun(t, WithRunAgent(fakeDriver))

	// Wave 1: one perspective per tick, then the deriving/advancing
	// tick.
	report := tickUntil(t, o, 10, func(r *TickReport) bool { return r.StageAfter == schemas.StagePivot })
	if report.StageAfter != schemas.StagePivot {
		t.Fatalf("run did not reach pivot: %+v", report)
	}

	// Pivot needs the externally recorded decision.
	report, err := o.Tick(context.Background(), "test: pivot without decision")
	if err != nil {
		t.Fatal(err)
	}
	if report.Code != errors.CodeRunAgentRequired {
		t.Fatalf("expected a halt awaiting the pivot decision, got %+v", report)
	}
	writePivotDecision(t, o)

	report = tickUntil(t, o, 10, func(r *TickReport) bool { return r.StageAfter == schemas.StageCitations })
	if report.StageAfter != schemas.StageCitations {
		t.Fatalf("run did not reach citations: %+v", report)
	}

	// No URLs were cited, so citations passes on an empty set and the
	// run moves through summaries and synthesis to review.
	report = tickUntil(t, o, 20, func(r *TickReport) bool { return r.StageAfter == schemas.StageReview })
	if report.StageAfter != schemas.StageReview {
		t.Fatalf("run did not reach review: %+v", report)
	}

	// Review waits for findings; resolved findings release the gate.
	report, err = o.Tick(context.Background(), "test: review without findings")
	if err != nil {
		t.Fatal(err)
	}
	if report.Code != errors.CodeRunAgentRequired {
		t.Fatalf("expected a halt awaiting review findings, got %+v", report)
	}
	writeReviewFindings(t, o, []schemas.ReviewFinding{
		{ID: "r1", Severity: "minor", Summary: "tighten intro", Resolution: "reworded"},
	})

	report = tickUntil(t, o, 10, func(r *TickReport) bool { return r.StatusAfter == schemas.StatusCompleted })
	if report.StatusAfter != schemas.StatusCompleted {
		t.Fatalf("run did not complete: %+v", report)
	}

	m, err := o.Manifest.Read()
	if err != nil {
		t.Fatal(err)
	}
	reportPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactFinalReport)
	if !fsstore.Exists(reportPath) {
		t.Error("completed run has no final report")
	}
	gatesDoc, err := o.Gates.Read()
	if err != nil {
		t.Fatal(err)
	}
	if gatesDoc.Gates[schemas.GateFinalReport].Status != schemas.GatePass {
		t.Errorf("final gate is %q, want pass", gatesDoc.Gates[schemas.GateFinalReport].Status)
	}

	// Completed is sticky.
	if _, err := o.Tick(context.Background(), "test: tick after completion"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE ticking a completed run, got %v", err)
	}
}

func TestOpenFindingsWarnButAdvance(t *testing.T) {
	o := newTestRun(t, WithRunAgent(fakeDriver))
	tickUntil(t, o, 10, func(r *TickReport) bool { return r.StageAfter == schemas.StagePivot })
	writePivotDecision(t, o)
	tickUntil(t, o, 30, func(r *TickReport) bool { return r.StageAfter == schemas.StageReview })

	writeReviewFindings(t, o, []schemas.ReviewFinding{
		{ID: "r1", Severity: "minor", Summary: "missing citation in section 2"},
	})
	report := tickUntil(t, o, 5, func(r *TickReport) bool { return r.StageAfter == schemas.StageFinalize })
	if report.StageAfter != schemas.StageFinalize {
		t.Fatalf("open findings blocked a soft gate: %+v", report)
	}

	gatesDoc, err := o.Gates.Read()
	if err != nil {
		t.Fatal(err)
	}
	entry := gatesDoc.Gates[schemas.GateReviewResolved]
	if entry.Status != schemas.GateWarn || len(entry.Warnings) != 1 {
		t.Errorf("expected gate F at warn with one warning, got %+v", entry)
	}
}

func TestPanickingDriverIsRecordedAsHalt(t *testing.T) {
	o := newTestRun(t, WithRunAgent(func(ctx context.Context, req AgentRequest) (*AgentResult, error) {
		panic("driver exploded")
	}))

	report, err := o.Tick(context.Background(), "test: panicking driver")
	if err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}
	if report == nil {
		t.Fatal("Tick returned a nil report after recovering a panic")
	}
	if report.OK || report.Code != errors.CodeInternal {
		t.Fatalf("expected an INTERNAL halt, got %+v", report)
	}

	var halt schemas.HaltArtifact
	if err := fsstore.ReadJSON(report.HaltPath, &halt); err != nil {
		t.Fatalf("halt artifact unreadable: %v", err)
	}
	if halt.Code != errors.CodeInternal || len(halt.NextCommands) == 0 {
		t.Errorf("halt artifact incomplete: %+v", halt)
	}

	m, err := o.Manifest.Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.Stage.Current != schemas.StageWave1 {
		t.Errorf("panicking tick moved the stage to %q", m.Stage.Current)
	}
	if m.Metrics.TicksAttempted != 1 {
		t.Errorf("ticks_attempted = %d, want 1", m.Metrics.TicksAttempted)
	}
}

func TestRunLoopSurvivesPanickingDriver(t *testing.T) {
	o := newTestRun(t, WithRunAgent(func(ctx context.Context, req AgentRequest) (*AgentResult, error) {
		panic("driver exploded")
	}))

	result, err := o.Run(context.Background(), 5, "test: run with panicking driver")
	if err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if result.Ticks != 1 {
		t.Errorf("Run took %d ticks, want 1 (a halt stops the loop)", result.Ticks)
	}
	if result.LastReport == nil || result.LastReport.OK || result.LastReport.Code != errors.CodeInternal {
		t.Errorf("last report does not carry the halt: %+v", result.LastReport)
	}
}

func TestCancelIsSticky(t *testing.T) {
	o := newTestRun(t, WithRunAgent(fakeDriver))

	m, err := o.Cancel("test: operator cancel")
	if err != nil {
		t.Fatalf("Cancel returned an error: %v", err)
	}
	if m.Status != schemas.StatusCancelled {
		t.Fatalf("status is %q after cancel", m.Status)
	}
	revisionAfterCancel := m.Revision

	_, err = o.Tick(context.Background(), "test: tick after cancel")
	if !errors.Is(err, errors.CodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}

	// The refused tick left no trace on the manifest.
	m, err = o.Manifest.Read()
	if err != nil {
		t.Fatal(err)
	}
	if m.Revision != revisionAfterCancel || m.Metrics.TicksAttempted != 0 {
		t.Errorf("refused tick mutated the manifest: rev=%d ticks=%d", m.Revision, m.Metrics.TicksAttempted)
	}

	if _, err := o.Cancel("test: cancel again"); !errors.Is(err, errors.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE cancelling twice, got %v", err)
	}
}

func TestPauseBlocksTicksUntilResume(t *testing.T) {
	o := newTestRun(t, WithRunAgent(fakeDriver))
	if _, err := o.Pause("test: pause"); err != nil {
		t.Fatalf("Pause returned an error: %v", err)
	}
	if _, err := o.Tick(context.Background(), "test: tick while paused"); !errors.Is(err, errors.CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE while paused, got %v", err)
	}
	if _, err := o.Resume("test: resume"); err != nil {
		t.Fatalf("Resume returned an error: %v", err)
	}
	if report, err := o.Tick(context.Background(), "test: tick after resume"); err != nil || !report.OK {
		t.Fatalf("tick after resume failed: report=%+v err=%v", report, err)
	}
}

func TestStalePlanHaltsWave1(t *testing.T) {
	o := newTestRun(t, WithRunAgent(fakeDriver))

	// Ingest both perspectives but stop before the deriving tick.
	tickUntil(t, o, 2, func(r *TickReport) bool { return false })

	// Record a gate-A result against a different inputs digest, then
	// tick: the plan on disk no longer matches what the gate saw.
	m, _ := o.Manifest.Read()
	now := o.Now().UTC()
	status := schemas.GatePass
	if _, err := o.Gates.Write(mapOfUpdate(schemas.GateWave1Complete, status, now),
		"digest-of-an-older-plan", nil, "test: stale gate"); err != nil {
		t.Fatalf("writing stale gate: %v", err)
	}

	report, err := o.Tick(context.Background(), "test: stale plan")
	if err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}
	if report.Code != errors.CodeWave1PlanStale {
		t.Fatalf("expected WAVE1_PLAN_STALE, got %+v", report)
	}
	after, _ := o.Manifest.Read()
	if after.Stage.Current != m.Stage.Current {
		t.Error("stale plan halt moved the stage")
	}
}

func TestWatchdogHaltsOverdueStage(t *testing.T) {
	root := t.TempDir()
	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	o := New(root, WithClock(func() time.Time { return t0 }))
	if _, err := o.Init(InitParams{
		RunID:        "run-test",
		Topic:        "topic",
		Perspectives: testPerspectives,
		LookupEnv:    func(string) (string, bool) { return "", false },
	}); err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}

	// Two hours later, wave1 (3600s budget) with no heartbeat is
	// overdue.
	late := New(root, WithClock(func() time.Time { return t0.Add(2 * time.Hour) }))
	report, err := late.Tick(context.Background(), "test: overdue")
	if err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}
	if report.Code != errors.CodeWatchdogTimeout {
		t.Fatalf("expected WATCHDOG_TIMEOUT, got %+v", report)
	}
	m, _ := late.Manifest.Read()
	if m.Stage.Current != schemas.StageWave1 || m.Status != schemas.StatusRunning {
		t.Errorf("watchdog halt mutated stage/status: %s/%s", m.Stage.Current, m.Status)
	}
}

func TestRetryDirectiveRegeneratesWave2Output(t *testing.T) {
	o := newTestRun(t, WithRunAgent(fakeDriver))
	tickUntil(t, o, 10, func(r *TickReport) bool { return r.StageAfter == schemas.StagePivot })
	writePivotDecision(t, o)
	tickUntil(t, o, 10, func(r *TickReport) bool { return r.StageAfter == schemas.StageWave2 })

	// Produce both wave-2 outputs without advancing past them.
	tickUntil(t, o, 2, func(r *TickReport) bool { return false })
	m, _ := o.Manifest.Read()
	dir, _ := o.Paths.ArtifactPath(m, schemas.ArtifactWave2Dir)
	if !fsstore.Exists(filepath.Join(dir, "p1.md")) || !fsstore.Exists(filepath.Join(dir, "p2.md")) {
		t.Fatal("wave-2 outputs not produced")
	}

	if err := o.RequestRetry(schemas.FamilyPostPivot, "p1", "broaden the source set"); err != nil {
		t.Fatalf("RequestRetry returned an error: %v", err)
	}

	// The next tick consumes the directive, drops p1.md, and re-runs
	// the perspective in the same pass.
	report, err := o.Tick(context.Background(), "test: retry tick")
	if err != nil {
		t.Fatalf("Tick returned an error: %v", err)
	}
	if !report.OK {
		t.Fatalf("retry tick failed: %+v", report)
	}

	m, _ = o.Manifest.Read()
	if len(m.Metrics.RetryHistory) != 1 || m.Metrics.RetryHistory[0].ChangeNote != "broaden the source set" {
		t.Errorf("retry not recorded: %+v", m.Metrics.RetryHistory)
	}
	if !fsstore.Exists(filepath.Join(dir, "p1.md")) {
		t.Error("retried perspective was not regenerated")
	}
	pending, err := o.Retries.Pending(schemas.FamilyPostPivot)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("directive still pending: %+v", pending)
	}
}

func TestTriageListsAllBlockers(t *testing.T) {
	o := newTestRun(t)

	report, err := o.Triage()
	if err != nil {
		t.Fatalf("Triage returned an error: %v", err)
	}
	if report.Ready {
		t.Fatal("fresh run reported ready to advance")
	}
	// The plan exists but gate A has not run: exactly one blocked gate,
	// no missing artifacts.
	if len(report.Triage.BlockedGates) != 1 || report.Triage.BlockedGates[0] != schemas.GateWave1Complete {
		t.Errorf("unexpected blocked gates: %+v", report.Triage.BlockedGates)
	}
	if len(report.Triage.MissingArtifacts) != 0 {
		t.Errorf("unexpected missing artifacts: %+v", report.Triage.MissingArtifacts)
	}
	if len(report.NextSteps) == 0 {
		t.Error("triage offered no next steps")
	}
}

func mapOfUpdate(gateID, status string, now time.Time) map[string]gates.Update {
	return map[string]gates.Update{gateID: {Status: &status, CheckedAt: &now}}
}
