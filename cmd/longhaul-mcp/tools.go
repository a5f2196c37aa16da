package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/spawn-mcp/longhaul/pkg/config"
	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/orchestrator"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/telemetry"
)

// newOrchestrator builds the orchestrator for a run root, wiring the
// telemetry sink the root's configuration asks for. Mirroring stays
// best-effort: a sink that cannot be built degrades to the no-op sink
// rather than failing the tool call.
func newOrchestrator(ctx context.Context, root string) (*orchestrator.Orchestrator, func()) {
	sink := telemetry.Sink(telemetry.NopSink{})
	if cfg, err := config.Resolve(schemas.BuildRunPaths(root), nil); err == nil {
		if s, serr := telemetry.NewSink(ctx, cfg.Telemetry); serr != nil {
			log.Printf("telemetry disabled: %v", serr)
		} else {
			sink = s
		}
	}
	return orchestrator.New(root, orchestrator.WithSink(sink)), func() { sink.Close() }
}

func registerTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("longhaul_init",
		mcp.WithDescription("Initialize a new research run: manifest, gates, and wave-1 plan"),
		mcp.WithString("run_root", mcp.Required(),
			mcp.Description("Directory to create the run in; must not already hold a run")),
		mcp.WithString("topic", mcp.Required(),
			mcp.Description("The research question")),
		mcp.WithString("perspectives", mcp.Required(),
			mcp.Description(`JSON array of {"id","title","prompt"} perspectives for wave 1`)),
		mcp.WithString("run_id",
			mcp.Description("Optional run identifier; generated when omitted")),
	), handleInit)

	s.AddTool(mcp.NewTool("longhaul_tick",
		mcp.WithDescription("Perform one unit of forward progress on a run"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithString("reason", mcp.Description("Why this tick is being taken")),
	), handleTick)

	s.AddTool(mcp.NewTool("longhaul_run",
		mcp.WithDescription("Tick repeatedly until the run completes, blocks, or halts"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithNumber("max_ticks",
			mcp.Description("Upper bound on ticks for this call"),
			mcp.DefaultNumber(0)),
		mcp.WithString("reason", mcp.Description("Why this loop is being driven")),
	), handleRun)

	s.AddTool(mcp.NewTool("longhaul_status",
		mcp.WithDescription("Summarize a run: stage, status, revision, tick and retry counters"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
	), handleStatus)

	s.AddTool(mcp.NewTool("longhaul_inspect",
		mcp.WithDescription("Return the full manifest, gates document, and latest halt artifact"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
	), handleInspect)

	s.AddTool(mcp.NewTool("longhaul_triage",
		mcp.WithDescription("Dry-run the next transition and list every blocker"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
	), handleTriage)

	s.AddTool(mcp.NewTool("longhaul_pause",
		mcp.WithDescription("Pause a running run"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the run is pausing")),
	), handlePause)

	s.AddTool(mcp.NewTool("longhaul_resume",
		mcp.WithDescription("Resume a paused run"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the run is resuming")),
	), handleResume)

	s.AddTool(mcp.NewTool("longhaul_cancel",
		mcp.WithDescription("Cancel a run permanently; cancellation is sticky"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the run is being cancelled")),
	), handleCancel)

	s.AddTool(mcp.NewTool("longhaul_heartbeat",
		mcp.WithDescription("Refresh the watchdog window for a live but long-running stage"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Evidence the stage is still making progress")),
	), handleHeartbeat)

	s.AddTool(mcp.NewTool("longhaul_retry",
		mcp.WithDescription("Record a retry directive for one perspective; applied on the family's next tick"),
		mcp.WithString("run_root", mcp.Required(), mcp.Description("Run root directory")),
		mcp.WithString("family", mcp.Required(),
			mcp.Description("Stage family the retry belongs to"),
			mcp.Enum(schemas.FamilyWave1, schemas.FamilyPostPivot, schemas.FamilyPostSummaries)),
		mcp.WithString("perspective_id", mcp.Required(), mcp.Description("Perspective to re-run")),
		mcp.WithString("change_note", mcp.Required(),
			mcp.Description("What will differ on the retry; must be non-empty")),
	), handleRetry)
}

func handleInit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := request.RequireString("run_root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawPerspectives, err := request.RequireString("perspectives")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var perspectives []schemas.Perspective
	if err := json.Unmarshal([]byte(rawPerspectives), &perspectives); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("perspectives is not a valid JSON array: %v", err)), nil
	}

	o, done := newOrchestrator(ctx, root)
	defer done()
	m, err := o.Init(orchestrator.InitParams{
		RunID:        request.GetString("run_id", ""),
		Topic:        topic,
		Perspectives: perspectives,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(m)
}

func handleTick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := request.RequireString("run_root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	o, done := newOrchestrator(ctx, root)
	defer done()
	report, err := o.Tick(ctx, request.GetString("reason", "operator: tick"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(report)
}

func handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := request.RequireString("run_root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	maxTicks := int(request.GetFloat("max_ticks", 0))
	o, done := newOrchestrator(ctx, root)
	defer done()
	result, err := o.Run(ctx, maxTicks, request.GetString("reason", "operator: run"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(result)
}

func handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return readOnly(request, func(o *orchestrator.Orchestrator) (any, error) { return o.Status() })
}

func handleInspect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return readOnly(request, func(o *orchestrator.Orchestrator) (any, error) { return o.Inspect() })
}

func handleTriage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return readOnly(request, func(o *orchestrator.Orchestrator) (any, error) { return o.Triage() })
}

func handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return statusChange(ctx, request, func(o *orchestrator.Orchestrator, reason string) (any, error) {
		return o.Pause(reason)
	})
}

func handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return statusChange(ctx, request, func(o *orchestrator.Orchestrator, reason string) (any, error) {
		return o.Resume(reason)
	})
}

func handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return statusChange(ctx, request, func(o *orchestrator.Orchestrator, reason string) (any, error) {
		return o.Cancel(reason)
	})
}

func handleHeartbeat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return statusChange(ctx, request, func(o *orchestrator.Orchestrator, reason string) (any, error) {
		return o.Heartbeat(reason)
	})
}

func handleRetry(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	root, err := request.RequireString("run_root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	family, err := request.RequireString("family")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	perspectiveID, err := request.RequireString("perspective_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	changeNote, err := request.RequireString("change_note")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := orchestrator.New(root).RequestRetry(family, perspectiveID, changeNote); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"ok":             true,
		"family":         family,
		"perspective_id": perspectiveID,
	})
}

func readOnly(request mcp.CallToolRequest, fn func(*orchestrator.Orchestrator) (any, error)) (*mcp.CallToolResult, error) {
	root, err := request.RequireString("run_root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := fn(orchestrator.New(root))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

func statusChange(ctx context.Context, request mcp.CallToolRequest, fn func(*orchestrator.Orchestrator, string) (any, error)) (*mcp.CallToolResult, error) {
	root, err := request.RequireString("run_root")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	o, done := newOrchestrator(ctx, root)
	defer done()
	out, err := fn(o, reason)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out)
}

// errorResult serializes a taxonomy error as the {code, message,
// details} object clients are promised.
func errorResult(err error) *mcp.CallToolResult {
	tagged := errors.Wrap(err, errors.CodeInternal)
	return mcp.NewToolResultError(tagged.ToJSON())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(errors.Wrap(err, errors.CodeInternal)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
