package schemas

// Pipeline stage names, in execution order.
const (
	StageWave1     = "wave1"
	StagePivot     = "pivot"
	StageWave2     = "wave2"
	StageCitations = "citations"
	StageSummaries = "summaries"
	StageSynthesis = "synthesis"
	StageReview    = "review"
	StageFinalize  = "finalize"
)

// StageOrder is the fixed total order over pipeline stages. Stage
// transitions always move to the immediate successor; skip-ahead is
// never implicit.
var StageOrder = []string{
	StageWave1,
	StagePivot,
	StageWave2,
	StageCitations,
	StageSummaries,
	StageSynthesis,
	StageReview,
	StageFinalize,
}

// Run statuses. Completed, failed, and cancelled are sticky: once a
// manifest reaches one of them, no further stage transitions are
// permitted.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stage families group stages into orchestrator tick loops.
const (
	FamilyWave1         = "wave1"
	FamilyPostPivot     = "postpivot"
	FamilyPostSummaries = "postsummaries"
)

var stageFamilies = map[string]string{
	StageWave1:     FamilyWave1,
	StagePivot:     FamilyPostPivot,
	StageWave2:     FamilyPostPivot,
	StageCitations: FamilyPostPivot,
	StageSummaries: FamilyPostSummaries,
	StageSynthesis: FamilyPostSummaries,
	StageReview:    FamilyPostSummaries,
	StageFinalize:  FamilyPostSummaries,
}

// IsStage reports whether name is a known pipeline stage.
func IsStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// StageIndex returns the position of a stage in the fixed order, or -1
// for unknown names.
func StageIndex(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// NextStage returns the immediate successor of current. The second
// return is false when current is the last stage or unknown.
func NextStage(current string) (string, bool) {
	i := StageIndex(current)
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// FamilyOf returns the stage family that owns a stage.
func FamilyOf(stage string) string {
	return stageFamilies[stage]
}

// IsTerminalStatus reports whether a run status is sticky.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DefaultStageTimeoutSeconds is the watchdog budget per stage. The
// values are deliberately generous: the heartbeat, not total stage
// duration, is what resets the timeout window.
var DefaultStageTimeoutSeconds = map[string]int64{
	StageWave1:     3600,
	StagePivot:     900,
	StageWave2:     3600,
	StageCitations: 1800,
	StageSummaries: 1800,
	StageSynthesis: 2700,
	StageReview:    1800,
	StageFinalize:  900,
}
