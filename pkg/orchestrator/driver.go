package orchestrator

import (
	"context"
	"time"
)

// AgentRequest asks the research driver for one unit of content: a
// perspective's research markdown, a summary, or a synthesis draft.
type AgentRequest struct {
	RunID         string `json:"run_id"`
	Stage         string `json:"stage"`
	Topic         string `json:"topic"`
	PerspectiveID string `json:"perspective_id,omitempty"`
	Title         string `json:"title,omitempty"`
	Prompt        string `json:"prompt"`
	OutputPath    string `json:"output_path"`
}

// AgentResult is what the driver produced for one request.
type AgentResult struct {
	Markdown   string    `json:"markdown"`
	AgentRunID string    `json:"agent_run_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunAgentFunc is the pluggable research driver. The orchestration core
// never generates research content itself: a nil driver makes every
// content-producing tick halt with RUN_AGENT_REQUIRED and literal
// next-step commands, which is the designed driverless mode.
type RunAgentFunc func(ctx context.Context, req AgentRequest) (*AgentResult, error)
