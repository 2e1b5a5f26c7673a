package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"drawsnerd/internal/browser"
	"drawsnerd/internal/combos"
	"drawsnerd/internal/config"
	"drawsnerd/internal/driver"
	"drawsnerd/internal/mangle"
	"drawsnerd/internal/offline"
	"drawsnerd/internal/runner"
	"drawsnerd/internal/store"
	"drawsnerd/internal/traverse"
)

type runFlags struct {
	combos string
	url    string
	out    string
	db     string
	html   string
}

func newRunCommand(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run --combos <fixtures.json|fixtures.html> [--url <draws page>] [--out results.json] [--db results.db]",
		Short: "Traverses every distinct path of a fixture list and saves the phase tables.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTraversal(cmd.Context(), g, f, cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.combos, "combos", "", "Fixture list: scraper JSON or a saved fixtures page")
	fl.StringVar(&f.url, "url", "", "Draws page URL (default: browser.start_url)")
	fl.StringVar(&f.out, "out", "", "JSON results file (default: store.json_path)")
	fl.StringVar(&f.db, "db", "", "SQLite results database (default: store.sqlite_path)")
	fl.StringVar(&f.html, "html", "", "Replay a saved draws page instead of driving Chrome")
	_ = cmd.MarkFlagRequired("combos")
	return cmd
}

func runTraversal(ctx context.Context, g *globalFlags, f *runFlags, stdout io.Writer) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if f.url != "" {
		cfg.Browser.StartURL = f.url
	}
	if f.out != "" {
		cfg.Store.JSONPath = f.out
	}
	if f.db != "" {
		cfg.Store.SQLitePath = f.db
	}

	logger, err := g.newLogger(cfg, "")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	fixtures, err := combos.LoadFile(f.combos)
	if err != nil {
		return fmt.Errorf("load combos: %w", err)
	}
	paths, skipped := combos.Paths(fixtures)
	if skipped > 0 {
		logger.Warn("skipped fixtures with empty path fields", zap.Int("skipped", skipped))
	}
	if len(paths) == 0 {
		return errors.New("no valid target paths in combos file")
	}
	logger.Info("paths loaded", zap.Int("fixtures", len(fixtures)), zap.Int("paths", len(paths)))

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

	var d driver.Driver
	if f.html != "" {
		d, err = offline.Load(f.html, offline.Options{SnapshotDir: cfg.Diagnostics.SnapshotDir, Logger: logger})
		if err != nil {
			return fmt.Errorf("load capture: %w", err)
		}
	} else {
		sessions := browser.NewSessionManager(cfg.Browser, cfg.Diagnostics.SnapshotDir, logger)
		defer sessions.Shutdown(context.WithoutCancel(ctx)) //nolint:errcheck
		if err := sessions.Start(ctx); err != nil {
			return err
		}
		if _, err := sessions.Open(ctx, cfg.Browser.StartURL); err != nil {
			return err
		}
		if d, err = sessions.Driver(); err != nil {
			return err
		}
	}

	res, runErr := runner.New(cfg, engine, sinks, logger).Run(ctx, d, paths)
	if res != nil {
		printSummary(stdout, res)
	}
	return runErr
}

func openSinks(sc config.StoreConfig) (store.Sink, *store.SQLite, error) {
	var sinks store.Multi
	if sc.JSONPath != "" {
		sinks = append(sinks, store.JSONFile{Path: sc.JSONPath})
	}
	var db *store.SQLite
	if sc.SQLitePath != "" {
		var err error
		if db, err = store.OpenSQLite(sc.SQLitePath); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, db)
	}
	return sinks, db, nil
}

// newEngine returns nil when the audit engine is disabled.
func newEngine(cfg config.Config, logger *zap.Logger) (*mangle.Engine, error) {
	if !cfg.Mangle.Enable {
		return nil, nil
	}
	engine, err := mangle.NewEngine(cfg.Mangle, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize audit engine: %w", err)
	}
	return engine, nil
}

func printSummary(w io.Writer, res *traverse.RunResult) {
	fmt.Fprintf(w, "run %s: %d paths attempted, %d failed", res.ID, len(res.Paths), res.Failed())
	if res.Stopped {
		fmt.Fprint(w, " (stopped early)")
	}
	fmt.Fprintln(w)
	for _, p := range res.Paths {
		if p.Error != nil {
			fmt.Fprintf(w, "  FAIL %s: %s %s at %q: %s\n", p.Path, p.Error.Stage, p.Error.Kind, p.Error.Label, p.Error.Message)
			continue
		}
		rows := 0
		for _, ph := range p.Phases {
			rows += len(ph.Rows)
		}
		fmt.Fprintf(w, "  ok   %s: %d phases, %d rows\n", p.Path, len(p.Phases), rows)
	}
}
