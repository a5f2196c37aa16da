package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spawn-mcp/longhaul/pkg/citations"
	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/ticks"
)

// tickPostPivot drives the pivot, wave2, and citations stages.
func (o *Orchestrator) tickPostPivot(ctx context.Context, m *schemas.Manifest, tc *ticks.Context) (*familyOutcome, error) {
	switch m.Stage.Current {
	case schemas.StagePivot:
		return o.tickPivot(m)
	case schemas.StageWave2:
		return o.tickWave2(ctx, m)
	case schemas.StageCitations:
		return o.tickCitations(ctx, m)
	default:
		return nil, errors.Newf(errors.CodeInvalidState,
			"stage %q is not handled by the post-pivot family", m.Stage.Current)
	}
}

// tickPivot waits for the externally recorded pivot decision, derives
// the pivot gate from its digest, and advances to wave2. The decision
// itself is judgment the core never makes.
func (o *Orchestrator) tickPivot(m *schemas.Manifest) (*familyOutcome, error) {
	decisionPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactPivotDecision)
	if !fsstore.Exists(decisionPath) {
		return nil, errors.New(errors.CodeRunAgentRequired,
			"pivot decision not yet recorded").
			WithDetail("stage", schemas.StagePivot).
			WithDetail("next_commands", []string{
				fmt.Sprintf("review the wave-1 outputs under %s", filepath.Join(o.Paths.Root, m.Artifacts.Paths[schemas.ArtifactWave1Dir])),
				fmt.Sprintf("record the decision as %s", decisionPath),
				fmt.Sprintf("longhaul tick --run-root %s", o.Paths.Root),
			})
	}

	decision, err := o.loadPivotDecision(m)
	if err != nil {
		return nil, err
	}
	if len(decision.Perspectives) == 0 {
		return nil, errors.New(errors.CodeInvalidState,
			"pivot decision carries no perspectives into wave 2")
	}

	digest, err := fsstore.DigestFile(decisionPath)
	if err != nil {
		return nil, err
	}
	gatesDoc, err := o.Gates.Read()
	if err != nil {
		return nil, err
	}
	if gatesDoc.Gates[schemas.GatePivotDecision].Status != schemas.GatePass || gatesDoc.InputsDigest != digest {
		now := o.Now().UTC()
		status := schemas.GatePass
		updates := map[string]gates.Update{
			schemas.GatePivotDecision: {
				Status:    &status,
				CheckedAt: &now,
				Metrics:   map[string]float64{"carried_perspectives": float64(len(decision.Perspectives))},
				Artifacts: []string{m.Artifacts.Paths[schemas.ArtifactPivotDecision]},
			},
		}
		if _, err := o.Gates.Write(updates, digest, nil, "pivot: derive decision gate"); err != nil {
			return nil, err
		}
	}

	result, err := o.Machine.Advance("", "pivot: advance to wave2")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, message: "pivot transition blocked"}, nil
	}
	return &familyOutcome{advanced: true, inputsDigest: digest, message: "pivot recorded; advanced to wave2"}, nil
}

// tickWave2 re-runs retried perspectives first, then ingests missing
// wave-2 outputs one unit per tick, then advances to citations.
func (o *Orchestrator) tickWave2(ctx context.Context, m *schemas.Manifest) (*familyOutcome, error) {
	decision, err := o.loadPivotDecision(m)
	if err != nil {
		return nil, err
	}
	dir, _ := o.Paths.ArtifactPath(m, schemas.ArtifactWave2Dir)

	// A pending directive invalidates its perspective's output: record
	// the retry against the pivot gate, then drop the file so the
	// normal ingestion path regenerates it.
	pending, err := o.Retries.Pending(schemas.FamilyPostPivot)
	if err != nil {
		return nil, err
	}
	for _, d := range pending {
		if findPerspective(decision.Perspectives, d.PerspectiveID) == nil {
			continue
		}
		if err := o.Retries.Consume(schemas.FamilyPostPivot, d.PerspectiveID, schemas.GatePivotDecision,
			fmt.Sprintf("wave2: retry perspective %s", d.PerspectiveID)); err != nil {
			return nil, err
		}
		outPath := filepath.Join(dir, d.PerspectiveID+".md")
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.CodeWriteFailed)
		}
		o.Logger.Info("retry directive consumed",
			"run_id", m.RunID, "perspective", d.PerspectiveID, "change_note", d.ChangeNote)
		// Reload: the consume wrote through the manifest store.
		if m, err = o.Manifest.Read(); err != nil {
			return nil, err
		}
	}

	missing := missingPerspectives(dir, decision.Perspectives)
	if len(missing) > 0 {
		return o.ingestPerspective(ctx, m, schemas.StageWave2, dir, missing,
			fmt.Sprintf("%d of %d wave-2 perspectives still pending", len(missing), len(decision.Perspectives)))
	}

	result, err := o.Machine.Advance("", "wave2: advance to citations")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, message: "wave2 transition blocked"}, nil
	}
	return &familyOutcome{advanced: true, message: "wave2 complete; advanced to citations"}, nil
}

// tickCitations extracts every URL cited by the research waves, runs
// the validation ladder in the configured mode, derives the citations
// gate, and advances when nothing is blocked.
func (o *Orchestrator) tickCitations(ctx context.Context, m *schemas.Manifest) (*familyOutcome, error) {
	urls, err := o.collectCitedURLs(m)
	if err != nil {
		return nil, err
	}

	mode := citations.ModeOffline
	if m.Query.Constraints.OnlineValidation {
		mode = citations.ModeOnline
	}
	validator := citations.NewValidator(m.RunID, o.Paths, m.Query.Constraints.Endpoints)
	validator.Now = o.Now
	report, err := validator.Validate(ctx, urls, mode)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) && mode == citations.ModeOffline {
			return nil, errors.Wrap(err, errors.CodeNotFound).
				WithDetail("next_commands", []string{
					"LONGHAUL_ONLINE_VALIDATION=true longhaul tick --run-root " + o.Paths.Root,
				})
		}
		return nil, err
	}
	if _, err := o.Manifest.Heartbeat(m.Revision,
		fmt.Sprintf("citations: validated %d urls (%s)", len(report.Results), mode)); err != nil {
		return nil, err
	}

	usable := 0
	for _, r := range report.Results {
		if r.OK {
			usable++
		}
	}
	digest := fsstore.DigestStrings(urls)
	now := o.Now().UTC()
	status := schemas.GatePass
	var warnings []string
	if len(report.Blocked) > 0 {
		status = schemas.GateFail
		for _, b := range report.Blocked {
			warnings = append(warnings, fmt.Sprintf("%s: %s (%s)", b.Status, b.URL, b.Action))
		}
	}
	updates := map[string]gates.Update{
		schemas.GateCitationsVerified: {
			Status:    &status,
			CheckedAt: &now,
			Metrics: map[string]float64{
				"urls_total":   float64(len(report.Results)),
				"urls_usable":  float64(usable),
				"urls_blocked": float64(len(report.Blocked)),
			},
			Artifacts: []string{
				m.Artifacts.Paths[schemas.ArtifactFoundBy],
				m.Artifacts.Paths[schemas.ArtifactBlockedURLs],
			},
			Warnings: warnings,
		},
	}
	if _, err := o.Gates.Write(updates, digest, nil, "citations: derive verification gate"); err != nil {
		return nil, err
	}

	artifacts := map[string]string{
		"found_by":     m.Artifacts.Paths[schemas.ArtifactFoundBy],
		"blocked_urls": m.Artifacts.Paths[schemas.ArtifactBlockedURLs],
	}
	if report.FixturesPath != "" {
		artifacts["fixtures"] = report.FixturesPath
	}

	if status == schemas.GateFail {
		result, err := o.Machine.Evaluate("")
		if err != nil {
			return nil, err
		}
		return &familyOutcome{
			decision:     &result.Decision,
			artifacts:    artifacts,
			inputsDigest: digest,
			message:      fmt.Sprintf("citations blocked: %d of %d urls unusable", len(report.Blocked), len(report.Results)),
		}, nil
	}

	result, err := o.Machine.Advance("", "citations: advance to summaries")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, artifacts: artifacts, inputsDigest: digest,
			message: "citations transition blocked"}, nil
	}
	return &familyOutcome{advanced: true, artifacts: artifacts, inputsDigest: digest,
		message: fmt.Sprintf("citations verified (%d urls); advanced to summaries", len(report.Results))}, nil
}

func (o *Orchestrator) loadPivotDecision(m *schemas.Manifest) (*schemas.PivotDecision, error) {
	path, ok := o.Paths.ArtifactPath(m, schemas.ArtifactPivotDecision)
	if !ok {
		return nil, errors.New(errors.CodeInvalidState, "manifest registers no pivot decision path")
	}
	var decision schemas.PivotDecision
	if err := fsstore.ReadJSON(path, &decision); err != nil {
		return nil, err
	}
	if decision.Schema != schemas.SchemaPivotDecision {
		return nil, errors.Newf(errors.CodeInvalidJSON, "unexpected pivot decision schema %q", decision.Schema)
	}
	return &decision, nil
}

// urlPattern matches http(s) URLs in research markdown.
var urlPattern = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)

// collectCitedURLs scans both research waves' markdown for cited URLs,
// returning a sorted, de-duplicated list so the validation input set is
// deterministic.
func (o *Orchestrator) collectCitedURLs(m *schemas.Manifest) ([]string, error) {
	seen := map[string]bool{}
	var urls []string
	for _, kind := range []string{schemas.ArtifactWave1Dir, schemas.ArtifactWave2Dir} {
		dir, ok := o.Paths.ArtifactPath(m, kind)
		if !ok {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrap(err, errors.CodeWriteFailed)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeWriteFailed)
			}
			for _, match := range urlPattern.FindAllString(string(data), -1) {
				u := strings.TrimRight(match, ".,;:!?*`")
				if !seen[u] {
					seen[u] = true
					urls = append(urls, u)
				}
			}
		}
	}
	sort.Strings(urls)
	return urls, nil
}

func findPerspective(perspectives []schemas.Perspective, id string) *schemas.Perspective {
	for i := range perspectives {
		if perspectives[i].ID == id {
			return &perspectives[i]
		}
	}
	return nil
}
