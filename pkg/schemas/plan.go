package schemas

import "time"

// Wave1Plan is wave-1/wave1-plan.json: the perspectives the first
// research wave fans out across. The plan is written at init and never
// edited in place; a drifted plan is detected by digest mismatch.
type Wave1Plan struct {
	Schema       string        `json:"schema"`
	RunID        string        `json:"run_id"`
	Topic        string        `json:"topic"`
	Perspectives []Perspective `json:"perspectives"`
}

// Perspective is one angle of attack on the research topic.
type Perspective struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

// PivotDecision is pivot/pivot-decision.json: the recorded decision of
// which perspectives carry into wave 2, produced outside the core.
type PivotDecision struct {
	Schema       string        `json:"schema"`
	RunID        string        `json:"run_id"`
	DecidedAt    time.Time     `json:"decided_at"`
	Rationale    string        `json:"rationale"`
	Perspectives []Perspective `json:"perspectives"`
}

// ReviewFindings is review/review-findings.json.
type ReviewFindings struct {
	Schema   string          `json:"schema"`
	RunID    string          `json:"run_id"`
	Findings []ReviewFinding `json:"findings"`
}

// ReviewFinding is one review item. Open findings hold the review gate
// at warn; resolved or waived findings release it.
type ReviewFinding struct {
	ID         string `json:"id"`
	Severity   string `json:"severity"`
	Summary    string `json:"summary"`
	Resolution string `json:"resolution,omitempty"`
}

// SchemaWave1Plan and friends identify the prose-adjacent artifacts.
const (
	SchemaWave1Plan      = "wave1_plan.v1"
	SchemaPivotDecision  = "pivot_decision.v1"
	SchemaReviewFindings = "review_findings.v1"
)
