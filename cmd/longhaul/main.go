// Command longhaul is the direct CLI over the orchestration core. Every
// subcommand prints one JSON document to stdout. Exit codes: 0 on
// success, 1 when the run is blocked or halted on an expected outcome,
// 2 on usage errors, 3 on internal faults.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/spawn-mcp/longhaul/pkg/config"
	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/orchestrator"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/telemetry"
)

const usage = `usage: longhaul <command> [flags]

commands:
  init       create a new run root
  tick       perform one unit of forward progress
  run        tick until the run completes, blocks, or halts
  status     summarize the run
  inspect    dump manifest, gates, and latest halt
  triage     list everything blocking the next transition
  pause      pause a running run
  resume     resume a paused run
  cancel     cancel a run permanently
  heartbeat  refresh the watchdog window
  retry      record a retry directive for a perspective
`

const (
	exitOK       = 0
	exitBlocked  = 1
	exitUsage    = 2
	exitInternal = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitUsage)
	}
	os.Exit(dispatch(os.Args[1], os.Args[2:]))
}

func dispatch(command string, args []string) int {
	switch command {
	case "init":
		return cmdInit(args)
	case "tick":
		return cmdTick(args)
	case "run":
		return cmdRun(args)
	case "status":
		return cmdReadOnly(args, func(o *orchestrator.Orchestrator) (any, error) { return o.Status() })
	case "inspect":
		return cmdReadOnly(args, func(o *orchestrator.Orchestrator) (any, error) { return o.Inspect() })
	case "triage":
		return cmdTriage(args)
	case "pause":
		return cmdStatusChange(args, "pause", func(o *orchestrator.Orchestrator, reason string) (any, error) {
			return o.Pause(reason)
		})
	case "resume":
		return cmdStatusChange(args, "resume", func(o *orchestrator.Orchestrator, reason string) (any, error) {
			return o.Resume(reason)
		})
	case "cancel":
		return cmdStatusChange(args, "cancel", func(o *orchestrator.Orchestrator, reason string) (any, error) {
			return o.Cancel(reason)
		})
	case "heartbeat":
		return cmdStatusChange(args, "heartbeat", func(o *orchestrator.Orchestrator, reason string) (any, error) {
			return o.Heartbeat(reason)
		})
	case "retry":
		return cmdRetry(args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}
}

// newOrchestrator builds the orchestrator for a run root, wiring the
// telemetry sink the root's configuration asks for. Mirroring is
// best-effort end to end: a sink that cannot be built degrades to the
// no-op sink instead of failing the command.
func newOrchestrator(root string) (*orchestrator.Orchestrator, func()) {
	sink := telemetry.Sink(telemetry.NopSink{})
	if cfg, err := config.Resolve(schemas.BuildRunPaths(root), nil); err == nil {
		if s, serr := telemetry.NewSink(context.Background(), cfg.Telemetry); serr != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", serr)
		} else {
			sink = s
		}
	}
	return orchestrator.New(root, orchestrator.WithSink(sink)), func() { sink.Close() }
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	root := fs.String("run-root", "", "directory to create the run in")
	topic := fs.String("topic", "", "the research question")
	perspectivesJSON := fs.String("perspectives", "", `JSON array of {"id","title","prompt"}`)
	perspectivesFile := fs.String("perspectives-file", "", "file holding the perspectives JSON array")
	runID := fs.String("run-id", "", "optional run identifier")
	fs.Parse(args)

	if *root == "" || *topic == "" {
		fmt.Fprintln(os.Stderr, "init requires --run-root and --topic")
		return exitUsage
	}
	raw := []byte(*perspectivesJSON)
	if *perspectivesFile != "" {
		data, err := os.ReadFile(*perspectivesFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read perspectives file: %v\n", err)
			return exitUsage
		}
		raw = data
	}
	if len(raw) == 0 {
		fmt.Fprintln(os.Stderr, "init requires --perspectives or --perspectives-file")
		return exitUsage
	}
	var perspectives []schemas.Perspective
	if err := json.Unmarshal(raw, &perspectives); err != nil {
		fmt.Fprintf(os.Stderr, "perspectives is not a valid JSON array: %v\n", err)
		return exitUsage
	}

	o, done := newOrchestrator(*root)
	defer done()
	m, err := o.Init(orchestrator.InitParams{
		RunID:        *runID,
		Topic:        *topic,
		Perspectives: perspectives,
	})
	if err != nil {
		return emitError(err)
	}
	return emit(m, exitOK)
}

func cmdTick(args []string) int {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	root := fs.String("run-root", "", "run root directory")
	reason := fs.String("reason", "cli: tick", "why this tick is being taken")
	fs.Parse(args)
	if *root == "" {
		fmt.Fprintln(os.Stderr, "tick requires --run-root")
		return exitUsage
	}

	o, done := newOrchestrator(*root)
	defer done()
	report, err := o.Tick(context.Background(), *reason)
	if err != nil {
		return emitError(err)
	}
	code := exitOK
	if !report.OK {
		code = exitBlocked
	}
	return emit(report, code)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	root := fs.String("run-root", "", "run root directory")
	maxTicks := fs.Int("max-ticks", 0, "upper bound on ticks (0 = default)")
	reason := fs.String("reason", "cli: run", "why this loop is being driven")
	fs.Parse(args)
	if *root == "" {
		fmt.Fprintln(os.Stderr, "run requires --run-root")
		return exitUsage
	}

	o, done := newOrchestrator(*root)
	defer done()
	result, err := o.Run(context.Background(), *maxTicks, *reason)
	if err != nil {
		return emitError(err)
	}
	code := exitOK
	if result.LastReport != nil && !result.LastReport.OK {
		code = exitBlocked
	}
	return emit(result, code)
}

func cmdTriage(args []string) int {
	fs := flag.NewFlagSet("triage", flag.ExitOnError)
	root := fs.String("run-root", "", "run root directory")
	fs.Parse(args)
	if *root == "" {
		fmt.Fprintln(os.Stderr, "triage requires --run-root")
		return exitUsage
	}

	// Triage is a dry run: it publishes nothing, so no sink is needed.
	report, err := orchestrator.New(*root).Triage()
	if err != nil {
		return emitError(err)
	}
	code := exitOK
	if !report.Ready {
		code = exitBlocked
	}
	return emit(report, code)
}

func cmdReadOnly(args []string, fn func(*orchestrator.Orchestrator) (any, error)) int {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	root := fs.String("run-root", "", "run root directory")
	fs.Parse(args)
	if *root == "" {
		fmt.Fprintln(os.Stderr, "command requires --run-root")
		return exitUsage
	}

	out, err := fn(orchestrator.New(*root))
	if err != nil {
		return emitError(err)
	}
	return emit(out, exitOK)
}

func cmdStatusChange(args []string, name string, fn func(*orchestrator.Orchestrator, string) (any, error)) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	root := fs.String("run-root", "", "run root directory")
	reason := fs.String("reason", "", "why this change is happening")
	fs.Parse(args)
	if *root == "" || *reason == "" {
		fmt.Fprintf(os.Stderr, "%s requires --run-root and --reason\n", name)
		return exitUsage
	}

	o, done := newOrchestrator(*root)
	defer done()
	out, err := fn(o, *reason)
	if err != nil {
		return emitError(err)
	}
	return emit(out, exitOK)
}

func cmdRetry(args []string) int {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	root := fs.String("run-root", "", "run root directory")
	family := fs.String("family", "", "stage family the retry belongs to")
	perspective := fs.String("perspective", "", "perspective to re-run")
	changeNote := fs.String("change-note", "", "what will differ on the retry")
	fs.Parse(args)
	if *root == "" || *family == "" || *perspective == "" || *changeNote == "" {
		fmt.Fprintln(os.Stderr, "retry requires --run-root, --family, --perspective, and --change-note")
		return exitUsage
	}

	if err := orchestrator.New(*root).RequestRetry(*family, *perspective, *changeNote); err != nil {
		return emitError(err)
	}
	return emit(map[string]any{
		"ok":             true,
		"family":         *family,
		"perspective_id": *perspective,
	}, exitOK)
}

func emit(v any, code int) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		return exitInternal
	}
	fmt.Println(string(data))
	return code
}

// emitError prints the taxonomy error object and maps expected
// steady-state refusals to the blocked exit code.
func emitError(err error) int {
	tagged := errors.Wrap(err, errors.CodeInternal)
	fmt.Println(tagged.ToJSON())
	switch tagged.Code {
	case errors.CodeRunAgentRequired, errors.CodeWave1PlanStale,
		errors.CodeRetryCapExceeded, errors.CodeInvalidState,
		errors.CodeCancelled, errors.CodeRevisionMismatch:
		return exitBlocked
	}
	return exitInternal
}
