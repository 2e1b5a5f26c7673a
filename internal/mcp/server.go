package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"drawsnerd/internal/browser"
	"drawsnerd/internal/config"
	"drawsnerd/internal/driver"
	"drawsnerd/internal/mangle"
	"drawsnerd/internal/runner"
	"drawsnerd/internal/store"
)

// DriverSource yields the driver a traversal runs on, navigated to url.
type DriverSource func(ctx context.Context, url string) (driver.Driver, error)

// Deps are the collaborators the tools act on. Sessions and Results may be
// nil; the tools that need them then report an error.
type Deps struct {
	Sessions *browser.SessionManager
	Engine   *mangle.Engine
	Runner   *runner.Runner
	Results  *store.SQLite
	// Drivers defaults to opening url in Sessions.
	Drivers DriverSource
	Logger  *zap.Logger
}

// Server exposes traversal runs, stored results and the audit engine over MCP.
type Server struct {
	cfg       config.Config
	deps      Deps
	logger    *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools and resources.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("runner is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Drivers == nil {
		deps.Drivers = sessionDrivers(deps.Sessions)
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.Named("mcp"),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// sessionDrivers opens url in the managed browser, starting it on demand.
func sessionDrivers(sessions *browser.SessionManager) DriverSource {
	return func(ctx context.Context, url string) (driver.Driver, error) {
		if sessions == nil {
			return nil, browser.ErrNotConnected
		}
		if !sessions.IsConnected() {
			if err := sessions.Start(ctx); err != nil {
				return nil, err
			}
		}
		if _, err := sessions.Open(ctx, url); err != nil {
			return nil, err
		}
		return sessions.Driver()
	}
}

// Start serves MCP over stdio.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("sse server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly, bypassing the protocol.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	// Browser lifecycle
	s.registerTool(&LaunchBrowserTool{sessions: s.deps.Sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.deps.Sessions})

	// Traversal
	s.registerTool(&RunTraversalTool{runner: s.deps.Runner, drivers: s.deps.Drivers, startURL: s.cfg.Browser.StartURL})
	s.registerTool(&StopTraversalTool{runner: s.deps.Runner})
	s.registerTool(&GetResultsTool{runner: s.deps.Runner, results: s.deps.Results})

	// Audit and diagnostics
	s.registerTool(&QueryAuditTool{engine: s.deps.Engine})
	s.registerTool(&ListDiagnosticsTool{runner: s.deps.Runner})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
