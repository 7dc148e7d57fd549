package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/worker"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *cache.Store
	Regions  *cache.Regions
	Projects []string
}

// NewMCPServer creates an MCP server exposing the cached triage state and
// the job queue to assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"evergreen-fortify",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("evergreen-fortify — security scan report triage: per-project findings, solution coverage and scan pipeline control."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("scan_summary",
			mcp.WithDescription("Return the cross-project security findings summary from the cached scan results."),
		),
		mcpScanSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("project_findings",
			mcp.WithDescription("Return one project's cached findings with Source/Sink counts and solution coverage."),
			mcp.WithString("project", mcp.Description("Project name, for example imc"), mcp.Required()),
		),
		mcpProjectFindings(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_reports",
			mcp.WithDescription("Queue a fetch of the latest scan reports followed by a processing pass."),
			mcp.WithArray("projects", mcp.Description("Projects to refresh; all tracked projects when omitted")),
		),
		mcpRefreshReports(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"fortify://projects",
			"Tracked Projects",
			mcp.WithResourceDescription("Tracked projects with their cached pipeline and branch state"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProjects(deps),
	)

	return s
}

func mcpScanSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scans, err := deps.Regions.ScanResults.Get()
		if err != nil {
			return mcpError(fmt.Sprintf("no scan results cached: %v", err)), nil
		}

		b, err := json.Marshal(SummaryResponse{
			Fresh:    deps.Regions.ScanResults.Fresh(scanResultsMaxAge),
			Projects: scans,
			Rows:     aggregateScans(scans),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProjectFindings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, err := req.RequireString("project")
		if err != nil {
			return mcpError("project is required"), nil
		}

		scans, err := deps.Regions.ScanResults.Get()
		if err != nil {
			return mcpError(fmt.Sprintf("no scan results cached: %v", err)), nil
		}
		record, ok := scans[project]
		if !ok {
			return mcpError(fmt.Sprintf("no scan results for project %s", project)), nil
		}

		b, err := json.Marshal(record)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal findings: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRefreshReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projects := req.GetStringSlice("projects", nil)
		if len(projects) == 0 {
			projects = deps.Projects
		}

		payload, err := json.Marshal(worker.Payload{Projects: projects})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal payload: %v", err)), nil
		}

		fetchJob := cache.Job{ID: uuid.New().String(), Type: worker.JobFetchReports, PayloadJSON: string(payload)}
		if err := deps.Store.EnqueueJob(fetchJob); err != nil {
			return mcpError(fmt.Sprintf("failed to queue fetch: %v", err)), nil
		}
		processJob := cache.Job{ID: uuid.New().String(), Type: worker.JobProcessReports, PayloadJSON: "{}"}
		if err := deps.Store.EnqueueJob(processJob); err != nil {
			return mcpError(fmt.Sprintf("fetch queued but processing failed to queue: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued refresh for %d project(s)", len(projects))), nil
	}
}

func mcpResourceProjects(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		pipelines, err := deps.Regions.Pipelines.Get()
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("reading pipeline cache: %w", err)
		}
		branches, err := deps.Regions.Branches.Get()
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("reading branch cache: %w", err)
		}

		statuses := make([]ProjectStatus, 0, len(deps.Projects))
		for _, project := range deps.Projects {
			status := ProjectStatus{Project: project}
			if rec, ok := pipelines[project]; ok {
				status.Pipeline = &rec
			}
			if rec, ok := branches[project]; ok {
				status.Branch = &rec
			}
			statuses = append(statuses, status)
		}

		b, err := json.Marshal(statuses)
		if err != nil {
			return nil, fmt.Errorf("marshaling projects: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
