package ticks

import (
	"testing"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

func testManifest() *schemas.Manifest {
	return &schemas.Manifest{
		RunID:  "run-test",
		Status: schemas.StatusRunning,
		Stage: schemas.StageState{
			Current:   schemas.StageWave1,
			StartedAt: time.Now().UTC(),
		},
	}
}

func TestTickIndexCountsStartRecords(t *testing.T) {
	ledger := NewLedger(schemas.BuildRunPaths(t.TempDir()), nil)
	m := testManifest()

	tc0 := ledger.Begin(m, "test: first tick")
	if tc0.TickIndex != 0 {
		t.Errorf("first tick index = %d, want 0", tc0.TickIndex)
	}
	ledger.Finalize(tc0, m, Outcome{OK: true}, "test: done")

	tc1 := ledger.Begin(m, "test: second tick")
	if tc1.TickIndex != 1 {
		t.Errorf("second tick index = %d, want 1", tc1.TickIndex)
	}

	// An unfinalized tick still counts: indices track attempts, not
	// completions.
	tc2 := ledger.Begin(m, "test: third tick")
	if tc2.TickIndex != 2 {
		t.Errorf("third tick index = %d, want 2", tc2.TickIndex)
	}
}

func TestFinalizeRecordsOutcomeAndAfterState(t *testing.T) {
	ledger := NewLedger(schemas.BuildRunPaths(t.TempDir()), nil)
	m := testManifest()
	tc := ledger.Begin(m, "test: tick")

	after := testManifest()
	after.Stage.Current = schemas.StagePivot
	ledger.Finalize(tc, after, Outcome{
		OK:           false,
		ErrorCode:    "RUN_AGENT_REQUIRED",
		InputsDigest: "digest",
	}, "test: halted")

	entries, err := ledger.Entries()
	if err != nil {
		t.Fatalf("Entries returned an error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected start+finish, got %d entries", len(entries))
	}

	start, finish := entries[0], entries[1]
	if start.Phase != schemas.TickPhaseStart || start.Result != nil {
		t.Errorf("unexpected start entry: %+v", start)
	}
	if finish.Phase != schemas.TickPhaseFinish {
		t.Fatalf("unexpected finish phase: %q", finish.Phase)
	}
	if finish.Result == nil || finish.Result.OK || finish.Result.Error.Code != "RUN_AGENT_REQUIRED" {
		t.Errorf("unexpected finish result: %+v", finish.Result)
	}
	if finish.StageBefore != schemas.StageWave1 || finish.StageAfter != schemas.StagePivot {
		t.Errorf("stage before/after not recorded: %+v", finish)
	}
	if finish.Correlation == "" || finish.Correlation != start.Correlation {
		t.Errorf("correlation id does not link the pair: %q vs %q", start.Correlation, finish.Correlation)
	}
}

func TestLedgerEntriesAreAppendOnly(t *testing.T) {
	ledger := NewLedger(schemas.BuildRunPaths(t.TempDir()), nil)
	m := testManifest()
	for i := 0; i < 3; i++ {
		tc := ledger.Begin(m, "test: tick")
		ledger.Finalize(tc, m, Outcome{OK: true}, "test: done")
	}
	entries, err := ledger.Entries()
	if err != nil {
		t.Fatalf("Entries returned an error: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}
	for i, e := range entries {
		wantIndex := i / 2
		if e.TickIndex != wantIndex {
			t.Errorf("entry %d has tick index %d, want %d", i, e.TickIndex, wantIndex)
		}
	}
}
