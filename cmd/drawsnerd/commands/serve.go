package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"drawsnerd/internal/browser"
	"drawsnerd/internal/mcp"
	"drawsnerd/internal/runner"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var ssePort int
	cmd := &cobra.Command{
		Use:   "serve [--sse-port <port>]",
		Short: "Serves traversal, result and audit tools over MCP (stdio, or SSE with --sse-port).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}

			// Anything written to stdout or stderr corrupts the stdio protocol.
			stdio := cfg.MCP.SSEPort == 0
			logger := zap.NewNop()
			if !stdio || cfg.Server.LogFile != "" {
				logFile := ""
				if stdio {
					logFile = cfg.Server.LogFile
				}
				if logger, err = g.newLogger(cfg, logFile); err != nil {
					return err
				}
			}
			defer logger.Sync() //nolint:errcheck

			sinks, db, err := openSinks(cfg.Store)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}
			engine, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}

			sessions := browser.NewSessionManager(cfg.Browser, cfg.Diagnostics.SnapshotDir, logger)
			defer sessions.Shutdown(context.WithoutCancel(cmd.Context())) //nolint:errcheck

			server, err := mcp.NewServer(cfg, mcp.Deps{
				Sessions: sessions,
				Engine:   engine,
				Runner:   runner.New(cfg, engine, sinks, logger),
				Results:  db,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			if cfg.MCP.SSEPort > 0 {
				logger.Info("serving MCP over SSE", zap.Int("port", cfg.MCP.SSEPort))
				return server.StartSSE(cmd.Context(), cfg.MCP.SSEPort)
			}
			logger.Info("serving MCP over stdio")
			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve over SSE on this port instead of stdio")
	return cmd
}
