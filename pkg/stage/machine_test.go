package stage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/manifest"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

func newTestMachine(t *testing.T) (*Machine, schemas.RunPaths) {
	t.Helper()
	paths := schemas.BuildRunPaths(t.TempDir())
	store := manifest.NewStore(paths)
	engine := gates.NewEngine(paths)

	m := &schemas.Manifest{
		RunID:  "run-test",
		Status: schemas.StatusRunning,
		Stage: schemas.StageState{
			Current:   schemas.StageWave1,
			StartedAt: time.Now().UTC(),
		},
		Query:     schemas.Query{Topic: "test topic"},
		Artifacts: schemas.Artifacts{Paths: schemas.DefaultArtifactPaths()},
	}
	if err := store.Create(m, "test: create"); err != nil {
		t.Fatalf("creating manifest: %v", err)
	}
	if err := engine.Create("run-test", "test: seed gates"); err != nil {
		t.Fatalf("creating gates: %v", err)
	}
	return NewMachine(paths, store, engine), paths
}

func passGate(t *testing.T, m *Machine, gateID string) {
	t.Helper()
	now := time.Now().UTC()
	status := schemas.GatePass
	_, err := m.Gates.Write(map[string]gates.Update{
		gateID: {Status: &status, CheckedAt: &now},
	}, "test-digest", nil, "test: pass gate "+gateID)
	if err != nil {
		t.Fatalf("passing gate %s: %v", gateID, err)
	}
}

func writePlan(t *testing.T, paths schemas.RunPaths) {
	t.Helper()
	planPath := filepath.Join(paths.Root, "wave-1", "wave1-plan.json")
	if err := fsstore.WriteJSONAtomic(planPath, schemas.Wave1Plan{
		Schema: schemas.SchemaWave1Plan,
		RunID:  "run-test",
		Topic:  "test topic",
		Perspectives: []schemas.Perspective{
			{ID: "p1", Title: "one", Prompt: "look at one"},
		},
	}); err != nil {
		t.Fatalf("writing plan: %v", err)
	}
}

func TestBlockedTransitionReportsMissingArtifactOnly(t *testing.T) {
	machine, _ := newTestMachine(t)
	passGate(t, machine, schemas.GateWave1Complete)

	// Gate A releases, the plan artifact is missing: the decision must
	// contain exactly one failing entry, naming the plan path.
	result, err := machine.Advance("", "test: advance")
	if err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}
	if result.OK {
		t.Fatal("transition succeeded without the plan artifact")
	}

	var failing []Evaluated
	for _, e := range result.Decision.Evaluated {
		if !e.OK {
			failing = append(failing, e)
		}
	}
	if len(failing) != 1 {
		t.Fatalf("expected exactly one failing entry, got %d: %+v", len(failing), failing)
	}
	if failing[0].Kind != "artifact" {
		t.Errorf("expected the failing entry to be an artifact check, got %q", failing[0].Kind)
	}
	path, _ := failing[0].Details["path"].(string)
	if filepath.Base(path) != "wave1-plan.json" {
		t.Errorf("failing entry names %q, want the wave-1 plan", path)
	}

	// A blocked evaluation never mutates the manifest.
	m, err := machine.Manifest.Read()
	if err != nil {
		t.Fatalf("Read returned an error: %v", err)
	}
	if m.Stage.Current != schemas.StageWave1 || m.Revision != 1 {
		t.Errorf("blocked transition mutated the manifest: stage=%s rev=%d", m.Stage.Current, m.Revision)
	}
}

func TestEvaluationIsExhaustive(t *testing.T) {
	machine, _ := newTestMachine(t)

	// Neither the artifact nor the gate holds: both blockers must be
	// reported in one pass.
	result, err := machine.Evaluate("")
	if err != nil {
		t.Fatalf("Evaluate returned an error: %v", err)
	}
	if len(result.Decision.Evaluated) != 2 {
		t.Fatalf("expected 2 evaluated entries, got %d", len(result.Decision.Evaluated))
	}
	for _, e := range result.Decision.Evaluated {
		if e.OK {
			t.Errorf("entry unexpectedly ok: %+v", e)
		}
	}
}

func TestAdvanceMovesToImmediateSuccessor(t *testing.T) {
	machine, paths := newTestMachine(t)
	writePlan(t, paths)
	passGate(t, machine, schemas.GateWave1Complete)

	result, err := machine.Advance("", "test: advance to pivot")
	if err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}
	if !result.OK || result.To != schemas.StagePivot {
		t.Fatalf("unexpected result: %+v", result)
	}

	m, err := machine.Manifest.Read()
	if err != nil {
		t.Fatalf("Read returned an error: %v", err)
	}
	if m.Stage.Current != schemas.StagePivot {
		t.Errorf("manifest stage is %q, want pivot", m.Stage.Current)
	}
	if m.Stage.LastProgressAt != nil {
		t.Error("transition did not clear last_progress_at")
	}

	// A repeated advance now evaluates pivot->wave2 and blocks; the
	// stage must not move again.
	again, err := machine.Advance("", "test: advance again")
	if err != nil {
		t.Fatalf("second Advance returned an error: %v", err)
	}
	if again.OK {
		t.Fatal("second advance succeeded without a pivot decision")
	}
	m, _ = machine.Manifest.Read()
	if m.Stage.Current != schemas.StagePivot {
		t.Errorf("repeated advance moved the stage to %q", m.Stage.Current)
	}
}

func TestSkipAheadIsRejected(t *testing.T) {
	machine, _ := newTestMachine(t)
	_, err := machine.Advance(schemas.StageCitations, "test: skip ahead")
	if !errors.Is(err, errors.CodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
}

func TestTerminalStatusRefusesTransitions(t *testing.T) {
	machine, _ := newTestMachine(t)
	status := schemas.StatusCancelled
	if _, err := machine.Manifest.Write(manifest.Patch{Status: &status}, 1, "test: cancel"); err != nil {
		t.Fatalf("cancelling: %v", err)
	}
	_, err := machine.Advance("", "test: advance after cancel")
	if !errors.Is(err, errors.CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
}

func TestSoftGateWarnReleases(t *testing.T) {
	machine, paths := newTestMachine(t)

	// Walk the manifest to review so the D-gate path is in play:
	// shortcut by setting the stage directly.
	current := schemas.StageSummaries
	if _, err := machine.Manifest.Write(manifest.Patch{StageCurrent: &current}, 1, "test: set stage"); err != nil {
		t.Fatalf("setting stage: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(paths.Root, "summaries"), 0o755); err != nil {
		t.Fatalf("mkdir summaries: %v", err)
	}
	if err := os.WriteFile(filepath.Join(paths.Root, "summaries", "p1.md"), []byte("summary"), 0o644); err != nil {
		t.Fatalf("write summary: %v", err)
	}

	now := time.Now().UTC()
	warn := schemas.GateWarn
	if _, err := machine.Gates.Write(map[string]gates.Update{
		schemas.GateSummariesCoverage: {Status: &warn, CheckedAt: &now},
	}, "digest", nil, "test: warn soft gate"); err != nil {
		t.Fatalf("warning gate D: %v", err)
	}

	result, err := machine.Advance("", "test: advance on warn")
	if err != nil {
		t.Fatalf("Advance returned an error: %v", err)
	}
	if !result.OK {
		t.Fatalf("soft-gate warn blocked the transition: %+v", result.Decision)
	}
}
