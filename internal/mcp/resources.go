package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"drawsnerd://about",
			"drawsnerd About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, draws page URL and traversal settings."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"drawsnerd://runs/last",
			"Last Run",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Row counts per phase for the most recent traversal."),
		),
		s.handleLastRunResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"drawsnerd://runs/{runId}",
			"Stored Run",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("A run from the SQLite result store, with rows."),
		),
		s.handleStoredRunResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	tc := s.cfg.Traversal
	payload := map[string]interface{}{
		"name":      s.cfg.Server.Name,
		"version":   s.cfg.Server.Version,
		"start_url": s.cfg.Browser.StartURL,
		"traversal": map[string]interface{}{
			"retry_budget":    tc.GetRetryBudget(),
			"reserved_labels": tc.ReservedLabels,
			"entry_labels":    tc.EntryLabels,
		},
		"running": s.deps.Runner.Running(),
		"notes": []string{
			"Resources are read-only; use run-traversal and stop-traversal for actions.",
			"Audit facts describe the last run only; query them with query-audit.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleLastRunResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	last := s.deps.Runner.Last()
	if last == nil {
		return jsonContents(request.Params.URI, map[string]interface{}{"status": "no_runs"})
	}
	return jsonContents(request.Params.URI, summarizeRun(last, false))
}

func (s *Server) handleStoredRunResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.deps.Results == nil {
		return nil, errors.New("no result database configured")
	}
	runID := argString(request.Params.Arguments["runId"])
	if runID == "" {
		return nil, errors.New("missing runId")
	}
	run, err := s.deps.Results.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return jsonContents(request.Params.URI, summarizeRun(run, true))
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func argString(v any) string {
	return getStringArg(map[string]interface{}{"v": v}, "v")
}
