package mcp

import (
	"context"
	"errors"
	"fmt"

	"drawsnerd/internal/combos"
	"drawsnerd/internal/runner"
	"drawsnerd/internal/store"
	"drawsnerd/internal/traverse"
)

// RunTraversalTool visits target paths on the draws page and returns the
// extracted phases.
type RunTraversalTool struct {
	runner   *runner.Runner
	drivers  DriverSource
	startURL string
}

func (t *RunTraversalTool) Name() string { return "run-traversal" }
func (t *RunTraversalTool) Description() string {
	return `Expand each target path (sport > competition > section) on the draws
page, extract every phase table of the section, and collapse the panels again.

INPUT (one of):
- paths: [{sport, competition, section, subsection?}]
- combos_file: fixtures JSON or a saved fixtures page (.html); paths are
  deduplicated from its fixtures

A failed path is recorded with its stage and error kind; the run continues.
Only one traversal runs at a time. Results are saved to the configured
stores and remain available through get-results.

Returns: {run_id, attempted, failed, stopped, paths}`
}
func (t *RunTraversalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"paths": map[string]interface{}{
				"type":        "array",
				"description": "Target paths in visit order",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"sport":       map[string]interface{}{"type": "string"},
						"competition": map[string]interface{}{"type": "string"},
						"section":     map[string]interface{}{"type": "string"},
						"subsection":  map[string]interface{}{"type": "string"},
					},
					"required": []string{"sport", "competition", "section"},
				},
			},
			"combos_file": map[string]interface{}{
				"type":        "string",
				"description": "Fixture file to derive paths from",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Draws page URL (defaults to browser.start_url)",
			},
			"include_rows": map[string]interface{}{
				"type":        "boolean",
				"description": "Return extracted rows, not only counts (default true)",
			},
		},
	}
}

func (t *RunTraversalTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	paths, skipped, err := pathsFromArgs(args)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.New("no valid target paths")
	}

	url := getStringArg(args, "url")
	if url == "" {
		url = t.startURL
	}
	// Claim the run before opening the page: opening replaces the page a
	// running traversal is driving.
	slot, err := t.runner.Reserve()
	if err != nil {
		return nil, err
	}
	d, err := t.drivers(ctx, url)
	if err != nil {
		slot.Release()
		return nil, fmt.Errorf("open draws page: %w", err)
	}

	res, runErr := slot.Run(ctx, d, paths)
	if res == nil {
		return nil, runErr
	}
	out := summarizeRun(res, getBoolArg(args, "include_rows", true))
	out["skipped_fixtures"] = skipped
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	return out, nil
}

func pathsFromArgs(args map[string]interface{}) ([]traverse.TargetPath, int, error) {
	if file := getStringArg(args, "combos_file"); file != "" {
		fixtures, err := combos.LoadFile(file)
		if err != nil {
			return nil, 0, fmt.Errorf("load combos: %w", err)
		}
		paths, skipped := combos.Paths(fixtures)
		return paths, skipped, nil
	}

	raw, ok := args["paths"].([]interface{})
	if !ok {
		return nil, 0, errors.New("paths or combos_file is required")
	}
	fixtures := make([]combos.Fixture, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, 0, fmt.Errorf("path entry must be an object, got %T", item)
		}
		fixtures = append(fixtures, combos.Fixture{
			Sport:       getStringArg(m, "sport"),
			Competition: getStringArg(m, "competition"),
			Section:     getStringArg(m, "section"),
			Subsection:  getStringArg(m, "subsection"),
		})
	}
	paths, skipped := combos.Paths(fixtures)
	return paths, skipped, nil
}

func summarizeRun(res *traverse.RunResult, includeRows bool) map[string]interface{} {
	paths := make([]map[string]interface{}, 0, len(res.Paths))
	for _, p := range res.Paths {
		entry := map[string]interface{}{"path": p.Path}
		if p.Error != nil {
			entry["error"] = p.Error
		}
		if includeRows {
			entry["phases"] = p.Phases
		} else {
			counts := make(map[string]int, len(p.Phases))
			for _, ph := range p.Phases {
				counts[ph.Label] = len(ph.Rows)
			}
			entry["phase_rows"] = counts
		}
		paths = append(paths, entry)
	}
	return map[string]interface{}{
		"run_id":      res.ID,
		"started_at":  res.StartedAt,
		"finished_at": res.FinishedAt,
		"attempted":   len(res.Paths),
		"failed":      res.Failed(),
		"stopped":     res.Stopped,
		"paths":       paths,
	}
}

// StopTraversalTool asks the active traversal to end after its current path.
type StopTraversalTool struct {
	runner *runner.Runner
}

func (t *StopTraversalTool) Name() string { return "stop-traversal" }
func (t *StopTraversalTool) Description() string {
	return `Ask the running traversal to stop. The path in flight finishes,
including its collapse step; later paths are not attempted.

Returns: {status: "stopping"|"idle"}`
}
func (t *StopTraversalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StopTraversalTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	status := "idle"
	if t.runner.Stop() {
		status = "stopping"
	}
	return map[string]interface{}{"status": status}, nil
}

// GetResultsTool returns the last run, a stored run, or the stored run index.
type GetResultsTool struct {
	runner  *runner.Runner
	results *store.SQLite
}

func (t *GetResultsTool) Name() string { return "get-results" }
func (t *GetResultsTool) Description() string {
	return `Read traversal results.

- no arguments: the last run of this server
- run_id: a run from the SQLite store
- list: true lists stored runs, newest first (limit, default 20)

Set include_rows=false to get per-phase row counts instead of rows.`
}
func (t *GetResultsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"run_id": map[string]interface{}{
				"type":        "string",
				"description": "Stored run to load",
			},
			"list": map[string]interface{}{
				"type":        "boolean",
				"description": "List stored runs instead of returning one",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum runs to list (default 20)",
			},
			"include_rows": map[string]interface{}{
				"type":        "boolean",
				"description": "Return extracted rows (default true)",
			},
		},
	}
}

func (t *GetResultsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	includeRows := getBoolArg(args, "include_rows", true)

	if getBoolArg(args, "list", false) {
		if t.results == nil {
			return nil, errors.New("no result database configured")
		}
		runs, err := t.results.Runs(ctx, getIntArg(args, "limit", 20))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"runs": runs, "count": len(runs)}, nil
	}

	if id := getStringArg(args, "run_id"); id != "" {
		if last := t.runner.Last(); last != nil && last.ID == id {
			return summarizeRun(last, includeRows), nil
		}
		if t.results == nil {
			return nil, errors.New("no result database configured")
		}
		run, err := t.results.LoadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		return summarizeRun(run, includeRows), nil
	}

	last := t.runner.Last()
	if last == nil {
		return map[string]interface{}{"status": "no_runs"}, nil
	}
	return summarizeRun(last, includeRows), nil
}
