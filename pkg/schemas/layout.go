package schemas

import (
	"fmt"
	"path/filepath"
)

// Artifact kind keys used in manifest.artifacts.paths.
const (
	ArtifactWave1Plan      = "wave1_plan"
	ArtifactWave1Dir       = "wave1_perspectives"
	ArtifactPivotDecision  = "pivot_decision"
	ArtifactWave2Dir       = "wave2_perspectives"
	ArtifactFoundBy        = "citations_found_by"
	ArtifactBlockedURLs    = "citations_blocked_urls"
	ArtifactFixturesLatest = "citations_fixtures_latest"
	ArtifactSummariesDir   = "summaries"
	ArtifactSynthesisDraft = "synthesis_draft"
	ArtifactReviewFindings = "review_findings"
	ArtifactFinalReport    = "final_report"
)

// DefaultArtifactPaths returns the canonical relative layout of a run
// root, captured into the manifest at init.
func DefaultArtifactPaths() map[string]string {
	return map[string]string{
		ArtifactWave1Plan:      "wave-1/wave1-plan.json",
		ArtifactWave1Dir:       "wave-1/perspectives",
		ArtifactPivotDecision:  "pivot/pivot-decision.json",
		ArtifactWave2Dir:       "wave-2/perspectives",
		ArtifactFoundBy:        "citations/found-by.json",
		ArtifactBlockedURLs:    "citations/blocked-urls.json",
		ArtifactFixturesLatest: "citations/online-fixtures.latest.json",
		ArtifactSummariesDir:   "summaries",
		ArtifactSynthesisDraft: "synthesis/draft.md",
		ArtifactReviewFindings: "review/review-findings.json",
		ArtifactFinalReport:    "final/report.md",
	}
}

// RunPaths resolves the fixed (non-artifact) files of a run root.
type RunPaths struct {
	Root         string
	Manifest     string
	Gates        string
	Config       string
	AuditLog     string
	TickLog      string
	Directives   string
	HaltDir      string
	WatchdogDir  string
	CitationsDir string
	LockFile     string
}

// BuildRunPaths computes the canonical paths under a run root.
func BuildRunPaths(root string) RunPaths {
	return RunPaths{
		Root:         root,
		Manifest:     filepath.Join(root, "manifest.json"),
		Gates:        filepath.Join(root, "gates.json"),
		Config:       filepath.Join(root, "config.yaml"),
		AuditLog:     filepath.Join(root, "logs", "audit.jsonl"),
		TickLog:      filepath.Join(root, "logs", "ticks.jsonl"),
		Directives:   filepath.Join(root, "retry", "retry-directives.json"),
		HaltDir:      filepath.Join(root, "operator", "halt"),
		WatchdogDir:  filepath.Join(root, "operator", "watchdog"),
		CitationsDir: filepath.Join(root, "citations"),
		LockFile:     filepath.Join(root, ".run.lock"),
	}
}

// HaltPath returns the halt artifact path for a tick index.
func (p RunPaths) HaltPath(tickIndex int) string {
	return filepath.Join(p.HaltDir, fmt.Sprintf("tick-%04d.json", tickIndex))
}

// HaltLatest returns the path of the halt latest-pointer.
func (p RunPaths) HaltLatest() string {
	return filepath.Join(p.HaltDir, "latest.json")
}

// ArtifactPath resolves an artifact kind to an absolute path using the
// manifest's recorded relative paths.
func (p RunPaths) ArtifactPath(m *Manifest, kind string) (string, bool) {
	rel, ok := m.Artifacts.Paths[kind]
	if !ok {
		return "", false
	}
	return filepath.Join(p.Root, rel), true
}
