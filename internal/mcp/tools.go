package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/service/workflows"
)

func (s *Server) registerTools() {
	// metaorcha_run_workflow: run a workflow and wait for its terminal event.
	s.mcpServer.AddTool(
		mcplib.NewTool("metaorcha_run_workflow",
			mcplib.WithDescription(`Run a multi-agent workflow for a task and wait for it to finish.

The run goes through the full orchestration sequence (MCP computation agent,
A2A text agent, aggregation) and returns the complete event log together with
the final run record. The run's status is "completed" with a result, or
"error" with the failure message.

EXAMPLE: prompt="Calculate 5+3 and convert to words"`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("prompt",
				mcplib.Description("The task to orchestrate"),
				mcplib.Required(),
			),
		),
		s.handleRunWorkflow,
	)

	// metaorcha_get_workflow: look up a run by id.
	s.mcpServer.AddTool(
		mcplib.NewTool("metaorcha_get_workflow",
			mcplib.WithDescription("Fetch a workflow run and every event it has emitted so far"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workflow_id",
				mcplib.Description("The workflow_id returned when the run was submitted"),
				mcplib.Required(),
			),
		),
		s.handleGetWorkflow,
	)

	// metaorcha_list_workflows: recent runs, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("metaorcha_list_workflows",
			mcplib.WithDescription("List recent workflow runs, newest first"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(500),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleListWorkflows,
	)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	prompt := request.GetString("prompt", "")

	detail, err := s.workflows.Run(ctx, prompt)
	switch {
	case errors.Is(err, model.ErrEmptyPrompt), errors.Is(err, model.ErrPromptTooLong):
		return errorResult(err.Error()), nil
	case errors.Is(err, workflows.ErrDraining):
		return errorResult("server is shutting down"), nil
	case err != nil:
		s.logger.Error("mcp: run workflow failed", "error", err)
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}

	s.logger.Info("mcp: workflow run finished",
		"workflow_id", detail.Run.ID, "status", detail.Run.Status)
	return jsonResult(detail), nil
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("workflow_id", "")
	if id == "" {
		return errorResult("workflow_id is required"), nil
	}

	detail, err := s.hub.Snapshot(ctx, id)
	if errors.Is(err, hub.ErrUnknownWorkflow) {
		return errorResult("workflow not found"), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	if detail.Events == nil {
		detail.Events = []model.WorkflowEvent{}
	}
	return jsonResult(detail), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)

	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	if runs == nil {
		runs = []model.WorkflowRun{}
	}
	return jsonResult(model.RunList{Runs: runs}), nil
}
