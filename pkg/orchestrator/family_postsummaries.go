package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/ticks"
)

// tickPostSummaries drives the summaries, synthesis, review, and
// finalize stages.
func (o *Orchestrator) tickPostSummaries(ctx context.Context, m *schemas.Manifest, tc *ticks.Context) (*familyOutcome, error) {
	switch m.Stage.Current {
	case schemas.StageSummaries:
		return o.tickSummaries(ctx, m)
	case schemas.StageSynthesis:
		return o.tickSynthesis(ctx, m)
	case schemas.StageReview:
		return o.tickReview(m)
	case schemas.StageFinalize:
		return o.tickFinalize(m)
	default:
		return nil, errors.Newf(errors.CodeInvalidState,
			"stage %q is not handled by the post-summaries family", m.Stage.Current)
	}
}

// tickSummaries produces one per-perspective summary per tick, derives
// the soft coverage gate, and advances to synthesis.
func (o *Orchestrator) tickSummaries(ctx context.Context, m *schemas.Manifest) (*familyOutcome, error) {
	decision, err := o.loadPivotDecision(m)
	if err != nil {
		return nil, err
	}
	dir, _ := o.Paths.ArtifactPath(m, schemas.ArtifactSummariesDir)

	pending, err := o.Retries.Pending(schemas.FamilyPostSummaries)
	if err != nil {
		return nil, err
	}
	for _, d := range pending {
		if findPerspective(decision.Perspectives, d.PerspectiveID) == nil {
			continue
		}
		if err := o.Retries.Consume(schemas.FamilyPostSummaries, d.PerspectiveID, schemas.GateSummariesCoverage,
			fmt.Sprintf("summaries: retry perspective %s", d.PerspectiveID)); err != nil {
			return nil, err
		}
		if err := os.Remove(filepath.Join(dir, d.PerspectiveID+".md")); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.CodeWriteFailed)
		}
		o.Logger.Info("retry directive consumed",
			"run_id", m.RunID, "perspective", d.PerspectiveID, "change_note", d.ChangeNote)
		if m, err = o.Manifest.Read(); err != nil {
			return nil, err
		}
	}

	missing := missingPerspectives(dir, decision.Perspectives)
	if len(missing) > 0 {
		return o.ingestPerspective(ctx, m, schemas.StageSummaries, dir, missing,
			fmt.Sprintf("%d of %d summaries still pending", len(missing), len(decision.Perspectives)))
	}

	digest := fsstore.DigestStrings(perspectiveIDs(decision.Perspectives))
	now := o.Now().UTC()
	status := schemas.GatePass
	updates := map[string]gates.Update{
		schemas.GateSummariesCoverage: {
			Status:    &status,
			CheckedAt: &now,
			Metrics: map[string]float64{
				"summaries": float64(len(decision.Perspectives)),
				"coverage":  1.0,
			},
			Artifacts: []string{m.Artifacts.Paths[schemas.ArtifactSummariesDir]},
		},
	}
	if _, err := o.Gates.Write(updates, digest, nil, "summaries: derive coverage gate"); err != nil {
		return nil, err
	}

	result, err := o.Machine.Advance("", "summaries: advance to synthesis")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, message: "summaries transition blocked"}, nil
	}
	return &familyOutcome{advanced: true, inputsDigest: digest,
		message: "summaries complete; advanced to synthesis"}, nil
}

// tickSynthesis produces the synthesis draft as a single unit and
// advances to review. The transition is artifact-only: review quality
// is judged in the review stage, not here.
func (o *Orchestrator) tickSynthesis(ctx context.Context, m *schemas.Manifest) (*familyOutcome, error) {
	draftPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactSynthesisDraft)
	if !fsstore.Exists(draftPath) {
		if o.RunAgent == nil {
			return nil, errors.New(errors.CodeRunAgentRequired,
				"synthesis draft not yet produced").
				WithDetail("stage", schemas.StageSynthesis).
				WithDetail("next_commands", []string{
					fmt.Sprintf("write the synthesis draft to %s", draftPath),
					fmt.Sprintf("longhaul tick --run-root %s", o.Paths.Root),
				})
		}
		res, err := o.RunAgent(ctx, AgentRequest{
			RunID:      m.RunID,
			Stage:      schemas.StageSynthesis,
			Topic:      m.Query.Topic,
			Prompt:     fmt.Sprintf("Synthesize the perspective summaries into a coherent draft on: %s", m.Query.Topic),
			OutputPath: draftPath,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal)
		}
		if err := fsstore.WriteFileAtomic(draftPath, []byte(res.Markdown)); err != nil {
			return nil, err
		}
		if _, err := o.Manifest.Heartbeat(m.Revision, "synthesis: draft produced"); err != nil {
			return nil, err
		}
		return &familyOutcome{
			artifacts: map[string]string{"synthesis_draft": draftPath},
			message:   "synthesis draft produced",
		}, nil
	}

	result, err := o.Machine.Advance("", "synthesis: advance to review")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, message: "synthesis transition blocked"}, nil
	}
	return &familyOutcome{advanced: true, message: "synthesis complete; advanced to review"}, nil
}

// tickReview waits for the externally recorded review findings, derives
// the soft review gate (warn while findings stay open), and advances to
// finalize.
func (o *Orchestrator) tickReview(m *schemas.Manifest) (*familyOutcome, error) {
	findingsPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactReviewFindings)
	if !fsstore.Exists(findingsPath) {
		return nil, errors.New(errors.CodeRunAgentRequired,
			"review findings not yet recorded").
			WithDetail("stage", schemas.StageReview).
			WithDetail("next_commands", []string{
				fmt.Sprintf("review the draft at %s", filepath.Join(o.Paths.Root, m.Artifacts.Paths[schemas.ArtifactSynthesisDraft])),
				fmt.Sprintf("record findings as %s", findingsPath),
				fmt.Sprintf("longhaul tick --run-root %s", o.Paths.Root),
			})
	}

	var findings schemas.ReviewFindings
	if err := fsstore.ReadJSON(findingsPath, &findings); err != nil {
		return nil, err
	}
	if findings.Schema != schemas.SchemaReviewFindings {
		return nil, errors.Newf(errors.CodeInvalidJSON, "unexpected review findings schema %q", findings.Schema)
	}

	var open []string
	for _, f := range findings.Findings {
		if strings.TrimSpace(f.Resolution) == "" {
			open = append(open, fmt.Sprintf("%s (%s): %s", f.ID, f.Severity, f.Summary))
		}
	}
	digest, err := fsstore.DigestFile(findingsPath)
	if err != nil {
		return nil, err
	}
	now := o.Now().UTC()
	status := schemas.GatePass
	if len(open) > 0 {
		status = schemas.GateWarn
	}
	updates := map[string]gates.Update{
		schemas.GateReviewResolved: {
			Status:    &status,
			CheckedAt: &now,
			Metrics: map[string]float64{
				"findings_total": float64(len(findings.Findings)),
				"findings_open":  float64(len(open)),
			},
			Artifacts: []string{m.Artifacts.Paths[schemas.ArtifactReviewFindings]},
			Warnings:  open,
		},
	}
	if _, err := o.Gates.Write(updates, digest, nil, "review: derive resolution gate"); err != nil {
		return nil, err
	}

	result, err := o.Machine.Advance("", "review: advance to finalize")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, inputsDigest: digest,
			message: "review transition blocked"}, nil
	}
	msg := "review complete; advanced to finalize"
	if len(open) > 0 {
		msg = fmt.Sprintf("review advanced with %d open findings (soft gate)", len(open))
	}
	return &familyOutcome{advanced: true, inputsDigest: digest, message: msg}, nil
}

// tickFinalize assembles the final report deterministically from the
// synthesis draft and the per-perspective summaries, derives the final
// gate, and completes the run. The assembly embeds no wall-clock values
// so identical inputs reproduce an identical report.
func (o *Orchestrator) tickFinalize(m *schemas.Manifest) (*familyOutcome, error) {
	reportPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactFinalReport)
	if !fsstore.Exists(reportPath) {
		content, err := o.assembleReport(m)
		if err != nil {
			return nil, err
		}
		if err := fsstore.WriteFileAtomic(reportPath, content); err != nil {
			return nil, err
		}
		if _, err := o.Manifest.Heartbeat(m.Revision, "finalize: report assembled"); err != nil {
			return nil, err
		}
		m, err = o.Manifest.Read()
		if err != nil {
			return nil, err
		}
	}

	digest, err := fsstore.DigestFile(reportPath)
	if err != nil {
		return nil, err
	}
	gatesDoc, err := o.Gates.Read()
	if err != nil {
		return nil, err
	}
	if gatesDoc.Gates[schemas.GateFinalReport].Status != schemas.GatePass || gatesDoc.InputsDigest != digest {
		now := o.Now().UTC()
		status := schemas.GatePass
		updates := map[string]gates.Update{
			schemas.GateFinalReport: {
				Status:    &status,
				CheckedAt: &now,
				Artifacts: []string{m.Artifacts.Paths[schemas.ArtifactFinalReport]},
			},
		}
		if _, err := o.Gates.Write(updates, digest, nil, "finalize: derive final gate"); err != nil {
			return nil, err
		}
	}

	result, err := o.Machine.Advance("", "finalize: complete run")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{decision: &result.Decision, inputsDigest: digest,
			message: "finalize transition blocked"}, nil
	}
	return &familyOutcome{advanced: true, inputsDigest: digest,
		artifacts: map[string]string{"final_report": reportPath},
		message:   "run completed"}, nil
}

// assembleReport builds the final report: title, synthesis body, then
// the summaries in perspective-id order.
func (o *Orchestrator) assembleReport(m *schemas.Manifest) ([]byte, error) {
	draftPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactSynthesisDraft)
	draft, err := os.ReadFile(draftPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeWriteFailed)
	}

	summariesDir, _ := o.Paths.ArtifactPath(m, schemas.ArtifactSummariesDir)
	entries, err := os.ReadDir(summariesDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeWriteFailed)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", m.Query.Topic)
	buf.Write(bytes.TrimSpace(draft))
	buf.WriteString("\n\n## Perspective Summaries\n")
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(summariesDir, name))
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeWriteFailed)
		}
		fmt.Fprintf(&buf, "\n### %s\n\n", strings.TrimSuffix(name, ".md"))
		buf.Write(bytes.TrimSpace(data))
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}
