package schemas

import "time"

// RetryAction is the only directive action currently defined.
const RetryAction = "retry"

// DirectivesDoc is retry/retry-directives.json: pending and consumed
// retry directives grouped by stage family.
type DirectivesDoc struct {
	Schema   string                      `json:"schema"`
	RunID    string                      `json:"run_id"`
	Families map[string][]RetryDirective `json:"families"`
}

// RetryDirective asks for one perspective to be re-run with a stated
// change. ConsumedAt is set exactly once, after the retry has been
// recorded in the manifest, so a crash mid-retry leaves the directive
// re-playable rather than lost.
type RetryDirective struct {
	PerspectiveID string     `json:"perspective_id"`
	Action        string     `json:"action"`
	ChangeNote    string     `json:"change_note"`
	ConsumedAt    *time.Time `json:"consumed_at"`
}
