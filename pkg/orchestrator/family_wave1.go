package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/ticks"
)

// tickWave1 drives the wave1 stage: ingest perspective outputs one unit
// per tick, derive the completion gate from the plan digest once every
// output exists, then advance to pivot.
func (o *Orchestrator) tickWave1(ctx context.Context, m *schemas.Manifest, tc *ticks.Context) (*familyOutcome, error) {
	plan, planPath, err := o.loadWave1Plan(m)
	if err != nil {
		return nil, err
	}
	planDigest, err := fsstore.DigestFile(planPath)
	if err != nil {
		return nil, err
	}

	gatesDoc, err := o.Gates.Read()
	if err != nil {
		return nil, err
	}
	gateA := gatesDoc.Gates[schemas.GateWave1Complete]
	// A derived gate is only as good as the inputs it saw. If the plan
	// file changed after the gate was recorded, refuse to proceed until
	// an operator re-derives or restores the plan.
	if gateA.Status != schemas.GateNotRun && gatesDoc.InputsDigest != "" && gatesDoc.InputsDigest != planDigest {
		return nil, errors.Newf(errors.CodeWave1PlanStale,
			"wave-1 plan digest %s no longer matches the gate inputs digest %s",
			shortDigest(planDigest), shortDigest(gatesDoc.InputsDigest)).
			WithDetail("plan_digest", planDigest).
			WithDetail("gate_inputs_digest", gatesDoc.InputsDigest).
			WithDetail("plan_path", planPath)
	}

	dir, _ := o.Paths.ArtifactPath(m, schemas.ArtifactWave1Dir)
	missing := missingPerspectives(dir, plan.Perspectives)
	if len(missing) > 0 {
		return o.ingestPerspective(ctx, m, schemas.StageWave1, dir, missing,
			fmt.Sprintf("%d of %d wave-1 perspectives still pending", len(missing), len(plan.Perspectives)))
	}

	if gateA.Status != schemas.GatePass || gatesDoc.InputsDigest != planDigest {
		now := o.Now().UTC()
		status := schemas.GatePass
		updates := map[string]gates.Update{
			schemas.GateWave1Complete: {
				Status:    &status,
				CheckedAt: &now,
				Metrics:   map[string]float64{"perspectives": float64(len(plan.Perspectives))},
				Artifacts: []string{m.Artifacts.Paths[schemas.ArtifactWave1Plan], m.Artifacts.Paths[schemas.ArtifactWave1Dir]},
			},
		}
		if _, err := o.Gates.Write(updates, planDigest, nil, "wave1: derive completion gate"); err != nil {
			return nil, err
		}
	}

	result, err := o.Machine.Advance("", "wave1: advance to pivot")
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &familyOutcome{
			decision: &result.Decision,
			message:  "wave1 transition blocked",
		}, nil
	}
	return &familyOutcome{
		advanced:     true,
		inputsDigest: planDigest,
		message:      "wave1 complete; advanced to pivot",
	}, nil
}

// ingestPerspective produces exactly one missing perspective output per
// tick through the driver, heartbeating after the unit lands so the
// watchdog window tracks real progress. Driverless runs halt with the
// literal commands an operator needs.
func (o *Orchestrator) ingestPerspective(ctx context.Context, m *schemas.Manifest, stageName, dir string, missing []schemas.Perspective, note string) (*familyOutcome, error) {
	if o.RunAgent == nil {
		commands := make([]string, 0, len(missing)+1)
		for _, p := range missing {
			commands = append(commands,
				fmt.Sprintf("write the %q research output to %s", p.Title, filepath.Join(dir, p.ID+".md")))
		}
		commands = append(commands, fmt.Sprintf("longhaul tick --run-root %s", o.Paths.Root))
		return nil, errors.Newf(errors.CodeRunAgentRequired,
			"no research driver configured; %s", note).
			WithDetail("stage", stageName).
			WithDetail("pending", perspectiveIDs(missing)).
			WithDetail("next_commands", commands)
	}

	p := missing[0]
	outPath := filepath.Join(dir, p.ID+".md")
	res, err := o.RunAgent(ctx, AgentRequest{
		RunID:         m.RunID,
		Stage:         stageName,
		Topic:         m.Query.Topic,
		PerspectiveID: p.ID,
		Title:         p.Title,
		Prompt:        p.Prompt,
		OutputPath:    outPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal)
	}
	if err := fsstore.WriteFileAtomic(outPath, []byte(res.Markdown)); err != nil {
		return nil, err
	}
	if _, err := o.Manifest.Heartbeat(m.Revision, fmt.Sprintf("%s: perspective %s ingested", stageName, p.ID)); err != nil {
		return nil, err
	}
	o.Logger.Info("perspective ingested",
		"run_id", m.RunID, "stage", stageName, "perspective", p.ID, "path", outPath)
	return &familyOutcome{
		artifacts: map[string]string{p.ID: outPath},
		message:   fmt.Sprintf("%s: ingested perspective %s (%d remaining)", stageName, p.ID, len(missing)-1),
	}, nil
}

func (o *Orchestrator) loadWave1Plan(m *schemas.Manifest) (*schemas.Wave1Plan, string, error) {
	planPath, ok := o.Paths.ArtifactPath(m, schemas.ArtifactWave1Plan)
	if !ok {
		return nil, "", errors.New(errors.CodeInvalidState, "manifest registers no wave-1 plan path")
	}
	var plan schemas.Wave1Plan
	if err := fsstore.ReadJSON(planPath, &plan); err != nil {
		return nil, "", err
	}
	if plan.Schema != schemas.SchemaWave1Plan {
		return nil, "", errors.Newf(errors.CodeInvalidJSON, "unexpected plan schema %q", plan.Schema)
	}
	return &plan, planPath, nil
}

// missingPerspectives lists plan entries without an output file, in
// plan order so ingestion is deterministic.
func missingPerspectives(dir string, perspectives []schemas.Perspective) []schemas.Perspective {
	var missing []schemas.Perspective
	for _, p := range perspectives {
		if !fsstore.Exists(filepath.Join(dir, p.ID+".md")) {
			missing = append(missing, p)
		}
	}
	return missing
}

func perspectiveIDs(perspectives []schemas.Perspective) []string {
	ids := make([]string, len(perspectives))
	for i, p := range perspectives {
		ids[i] = p.ID
	}
	return ids
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
