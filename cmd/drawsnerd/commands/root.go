package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"drawsnerd/internal/config"
)

type globalFlags struct {
	configPath   string
	workspaceDir string
	noWorkspace  bool
	verbose      bool
}

// NewRootCommand builds the command tree. Each call returns independent flag state.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "drawsnerd",
		Short:         "drawsnerd walks the draws page accordion and extracts phase tables.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Explicit config file, applied over the workspace config")
	pf.StringVar(&g.workspaceDir, "workspace-dir", "", "Workspace root holding .drawsnerd/ (default: discovered from cwd)")
	pf.BoolVar(&g.noWorkspace, "no-workspace", false, "Ignore any .drawsnerd/ workspace")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(newRunCommand(g), newServeCommand(g), newInitCommand())
	return root
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, _, err := config.LoadWithWorkspace(g.configPath, config.WorkspaceOptions{
		Disable:     g.noWorkspace,
		ExplicitDir: g.workspaceDir,
	})
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds a production zap logger. With logFile set, output goes
// only to that file.
func (g *globalFlags) newLogger(cfg config.Config, logFile string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Server.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.Server.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if g.verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	if logFile != "" {
		zc.OutputPaths = []string{logFile}
		zc.ErrorOutputPaths = []string{logFile}
	}
	return zc.Build()
}
