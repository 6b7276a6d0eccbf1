// Package mcp implements the Model Context Protocol server for MetaOrcha.
//
// The MCP server exposes workflow runs to MCP-compatible agents: a tool that
// runs a workflow to completion, lookup tools, and read-only resources over
// recent runs.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/service/workflows"
	"github.com/metaorcha/metaorcha/internal/storage"
)

const (
	recentURI      = "metaorcha://workflows/recent"
	workflowURIFmt = "metaorcha://workflows/%s"
)

// Server wraps the MCP server with MetaOrcha's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	workflows *workflows.Service
	hub       *hub.Hub
	store     storage.Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *workflows.Service, h *hub.Hub, store storage.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		workflows: svc,
		hub:       h,
		store:     store,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"metaorcha",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentURI,
			"Recent Workflows",
			mcplib.WithResourceDescription("Most recently submitted workflow runs, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecent,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"metaorcha://workflows/{id}",
			"Workflow Run",
			mcplib.WithTemplateDescription("A workflow run with its full event log"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleWorkflowResource,
	)
}

func (s *Server) handleRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, err := s.store.ListRuns(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent workflows: %w", err)
	}
	return jsonResource(recentURI, map[string]any{"runs": runs})
}

func (s *Server) handleWorkflowResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, ok := strings.CutPrefix(uri, "metaorcha://workflows/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("mcp: invalid workflow URI: %s", uri)
	}

	detail, err := s.hub.Snapshot(ctx, id)
	if errors.Is(err, hub.ErrUnknownWorkflow) {
		return nil, fmt.Errorf("mcp: workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: workflow resource: %w", err)
	}
	return jsonResource(fmt.Sprintf(workflowURIFmt, id), detail)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
