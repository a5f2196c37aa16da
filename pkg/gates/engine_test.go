package gates

import (
	"testing"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	paths := schemas.BuildRunPaths(t.TempDir())
	engine := NewEngine(paths)
	if err := engine.Create("run-test", "test: seed gates"); err != nil {
		t.Fatalf("Create returned an error: %v", err)
	}
	return engine
}

func strptr(s string) *string { return &s }

func TestCreateSeedsEveryGateNotRun(t *testing.T) {
	engine := newTestEngine(t)
	doc, err := engine.Read()
	if err != nil {
		t.Fatalf("Read returned an error: %v", err)
	}
	if len(doc.Gates) != len(schemas.DefaultGateClasses) {
		t.Fatalf("expected %d gates, got %d", len(schemas.DefaultGateClasses), len(doc.Gates))
	}
	for id, entry := range doc.Gates {
		if entry.Status != schemas.GateNotRun {
			t.Errorf("gate %s seeded at %q, want not_run", id, entry.Status)
		}
		if entry.Class != schemas.DefaultGateClasses[id] {
			t.Errorf("gate %s seeded with class %q, want %q", id, entry.Class, schemas.DefaultGateClasses[id])
		}
	}
}

func TestWriteRejectsUnknownGate(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Now().UTC()
	_, err := engine.Write(map[string]Update{
		"Z": {Status: strptr(schemas.GatePass), CheckedAt: &now},
	}, "digest", nil, "test: unknown gate")
	if !errors.Is(err, errors.CodeUnknownGateID) {
		t.Fatalf("expected UNKNOWN_GATE_ID, got %v", err)
	}
}

func TestHardGateCannotWarn(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Now().UTC()
	_, err := engine.Write(map[string]Update{
		schemas.GateWave1Complete: {Status: strptr(schemas.GateWarn), CheckedAt: &now},
	}, "digest", nil, "test: hard warn")
	if !errors.Is(err, errors.CodeLifecycleRuleViolation) {
		t.Fatalf("expected LIFECYCLE_RULE_VIOLATION, got %v", err)
	}
}

func TestSoftGateMayWarn(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Now().UTC()
	if _, err := engine.Write(map[string]Update{
		schemas.GateSummariesCoverage: {Status: strptr(schemas.GateWarn), CheckedAt: &now},
	}, "digest", nil, "test: soft warn"); err != nil {
		t.Fatalf("soft warn rejected: %v", err)
	}
}

func TestStatusChangeRequiresCheckedAt(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.Write(map[string]Update{
		schemas.GateWave1Complete: {Status: strptr(schemas.GatePass)},
	}, "digest", nil, "test: missing checked_at")
	if !errors.Is(err, errors.CodeLifecycleRuleViolation) {
		t.Fatalf("expected LIFECYCLE_RULE_VIOLATION, got %v", err)
	}
}

func TestWriteHasNoPartialEffect(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Now().UTC()
	// One valid update and one invalid in the same batch: neither may
	// land.
	_, err := engine.Write(map[string]Update{
		schemas.GateWave1Complete: {Status: strptr(schemas.GatePass), CheckedAt: &now},
		schemas.GatePivotDecision: {Status: strptr(schemas.GateWarn), CheckedAt: &now},
	}, "digest", nil, "test: partial batch")
	if !errors.Is(err, errors.CodeLifecycleRuleViolation) {
		t.Fatalf("expected LIFECYCLE_RULE_VIOLATION, got %v", err)
	}

	doc, err := engine.Read()
	if err != nil {
		t.Fatalf("Read returned an error: %v", err)
	}
	if doc.Gates[schemas.GateWave1Complete].Status != schemas.GateNotRun {
		t.Errorf("rejected batch still mutated gate A: %q", doc.Gates[schemas.GateWave1Complete].Status)
	}
	if doc.Revision != 1 {
		t.Errorf("rejected batch moved the revision: %d", doc.Revision)
	}
}

func TestRevisionAndDigestMoveTogether(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Now().UTC()
	if _, err := engine.Write(map[string]Update{
		schemas.GateWave1Complete: {Status: strptr(schemas.GatePass), CheckedAt: &now},
	}, "digest-one", nil, "test: first write"); err != nil {
		t.Fatalf("Write returned an error: %v", err)
	}
	doc, err := engine.Read()
	if err != nil {
		t.Fatalf("Read returned an error: %v", err)
	}
	if doc.Revision != 2 || doc.InputsDigest != "digest-one" {
		t.Errorf("revision/digest out of step: rev=%d digest=%q", doc.Revision, doc.InputsDigest)
	}
}

func TestWriteEnforcesExpectedRevision(t *testing.T) {
	engine := newTestEngine(t)
	now := time.Now().UTC()
	stale := int64(7)
	_, err := engine.Write(map[string]Update{
		schemas.GateWave1Complete: {Status: strptr(schemas.GatePass), CheckedAt: &now},
	}, "digest", &stale, "test: stale revision")
	if !errors.Is(err, errors.CodeRevisionMismatch) {
		t.Fatalf("expected REVISION_MISMATCH, got %v", err)
	}
}
