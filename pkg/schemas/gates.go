package schemas

import "time"

// Gate identifiers. The letters are stable across runs; the mapping to
// pipeline transitions lives in the stage machine's requirements table.
const (
	GateWave1Complete     = "A"
	GatePivotDecision     = "B"
	GateCitationsVerified = "C"
	GateSummariesCoverage = "D"
	GateFinalReport       = "E"
	GateReviewResolved    = "F"
)

// Gate statuses.
const (
	GateNotRun = "not_run"
	GatePass   = "pass"
	GateFail   = "fail"
	GateWarn   = "warn"
)

// Gate classes. A hard gate may never hold status warn.
const (
	GateClassHard = "hard"
	GateClassSoft = "soft"
)

// GatesDoc is the quality-gate document, stored beside the manifest.
// Its Revision and InputsDigest change together so staleness is
// detectable without consulting the manifest.
type GatesDoc struct {
	Schema       string               `json:"schema"`
	RunID        string               `json:"run_id"`
	Revision     int64                `json:"revision"`
	UpdatedAt    time.Time            `json:"updated_at"`
	InputsDigest string               `json:"inputs_digest"`
	Gates        map[string]GateEntry `json:"gates"`
}

// GateEntry is the recorded state of one quality gate. Class is
// immutable after creation.
type GateEntry struct {
	Status    string             `json:"status"`
	Class     string             `json:"class"`
	CheckedAt *time.Time         `json:"checked_at"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
	Notes     string             `json:"notes,omitempty"`
}

// DefaultGateClasses declares the built-in gate set and the class of
// each gate. Every run's gates document is seeded from this table.
var DefaultGateClasses = map[string]string{
	GateWave1Complete:     GateClassHard,
	GatePivotDecision:     GateClassHard,
	GateCitationsVerified: GateClassHard,
	GateSummariesCoverage: GateClassSoft,
	GateFinalReport:       GateClassHard,
	GateReviewResolved:    GateClassSoft,
}

// NewGatesDoc seeds a gates document with every known gate at not_run.
func NewGatesDoc(runID string, now time.Time) *GatesDoc {
	gates := make(map[string]GateEntry, len(DefaultGateClasses))
	for id, class := range DefaultGateClasses {
		gates[id] = GateEntry{Status: GateNotRun, Class: class}
	}
	return &GatesDoc{
		Schema:    SchemaGates,
		RunID:     runID,
		Revision:  1,
		UpdatedAt: now,
		Gates:     gates,
	}
}
