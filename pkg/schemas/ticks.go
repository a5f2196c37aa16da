package schemas

import "time"

// Tick phases.
const (
	TickPhaseStart  = "start"
	TickPhaseFinish = "finish"
)

// TickEntry is one immutable line of logs/ticks.jsonl. Entries are
// append-only and never rewritten. Timestamps here are observational
// only and must never feed into any content digest.
type TickEntry struct {
	Schema       string            `json:"schema"`
	RunID        string            `json:"run_id"`
	TS           time.Time         `json:"ts"`
	TickIndex    int               `json:"tick_index"`
	Phase        string            `json:"phase"`
	StageBefore  string            `json:"stage_before"`
	StageAfter   string            `json:"stage_after,omitempty"`
	StatusBefore string            `json:"status_before"`
	StatusAfter  string            `json:"status_after,omitempty"`
	Result       *TickResult       `json:"result,omitempty"`
	InputsDigest string            `json:"inputs_digest,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	Correlation  string            `json:"correlation_id,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// TickResult is the outcome recorded on a finish entry.
type TickResult struct {
	OK    bool       `json:"ok"`
	Error *TickError `json:"error,omitempty"`
}

// TickError is the error slice of a tick result.
type TickError struct {
	Code string `json:"code"`
}

// HaltArtifact is written whenever a tick fails in a way that needs
// operator or automation attention. NextCommands are literal,
// copy-pasteable invocations.
type HaltArtifact struct {
	Schema       string    `json:"schema"`
	RunID        string    `json:"run_id"`
	TS           time.Time `json:"ts"`
	TickIndex    int       `json:"tick_index"`
	Stage        string    `json:"stage"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	Transition   string    `json:"transition,omitempty"`
	Triage       Triage    `json:"triage"`
	NextCommands []string  `json:"next_commands"`
}

// Triage summarizes everything blocking forward progress, exhaustively:
// operators must see all blockers in one pass, never just the first.
type Triage struct {
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
	BlockedGates     []string `json:"blocked_gates,omitempty"`
	FailedChecks     []string `json:"failed_checks,omitempty"`
}

// Pointer is the shape of every *latest.json convenience file: a stable
// reference to the most recent artifact of its kind.
type Pointer struct {
	Schema string    `json:"schema"`
	Path   string    `json:"path"`
	TS     time.Time `json:"ts"`
}

// WatchdogCheckpoint describes an observed stage timeout. Writing one
// never mutates the manifest; the watchdog reports, callers decide.
type WatchdogCheckpoint struct {
	Schema         string    `json:"schema"`
	RunID          string    `json:"run_id"`
	TS             time.Time `json:"ts"`
	Stage          string    `json:"stage"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	BudgetSeconds  int64     `json:"budget_seconds"`
	HeartbeatSeen  bool      `json:"heartbeat_seen"`
	Reason         string    `json:"reason,omitempty"`
}
