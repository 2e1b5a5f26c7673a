package mcp

import (
	"context"
	"errors"
	"strings"

	"drawsnerd/internal/mangle"
	"drawsnerd/internal/recorder"
	"drawsnerd/internal/runner"
)

// auditPredicates are the derived predicates reported when no query is given.
var auditPredicates = []string{"leaked_panel", "failed_path", "empty_path"}

// QueryAuditTool evaluates the traversal audit rules over the last run's facts.
type QueryAuditTool struct {
	engine *mangle.Engine
}

func (t *QueryAuditTool) Name() string { return "query-audit" }
func (t *QueryAuditTool) Description() string {
	return `Query the audit facts of the last traversal.

Without arguments returns the derived summary:
- leaked_panel(Path, Label): expanded during a path, never collapsed
- failed_path(Path, Kind)
- empty_path(Path): completed without error but extracted nothing

With query, runs a Mangle query such as:
  phase_extracted(Path, Phase, Rows).
  snapshot_taken("Football/Football Boys Season/Premier League", Label, N).

With rule, adds a rule (e.g. a custom derived predicate) before querying.`
}
func (t *QueryAuditTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom ending with a period",
			},
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Optional rule to add before querying",
			},
		},
	}
}

func (t *QueryAuditTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errors.New("audit engine disabled")
	}
	if rule := strings.TrimSpace(getStringArg(args, "rule")); rule != "" {
		if err := t.engine.AddRule(rule); err != nil {
			return nil, err
		}
	}

	if query := strings.TrimSpace(getStringArg(args, "query")); query != "" {
		results, err := t.engine.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"query":   query,
			"count":   len(results),
			"results": results,
		}, nil
	}

	summary := make(map[string]interface{}, len(auditPredicates)+1)
	for _, pred := range auditPredicates {
		facts, err := t.engine.Evaluate(ctx, pred)
		if err != nil {
			return nil, err
		}
		summary[pred] = facts
	}
	summary["base_facts"] = len(t.engine.Facts())
	return summary, nil
}

// ListDiagnosticsTool reports failure snapshots and the trace of the last run.
type ListDiagnosticsTool struct {
	runner *runner.Runner
}

func (t *ListDiagnosticsTool) Name() string { return "list-diagnostics" }
func (t *ListDiagnosticsTool) Description() string {
	return `List the diagnostic snapshots captured by the last traversal
(one per failed expansion attempt) and the flight recorder trace file.

Set event_type (e.g. "attempt_failed", "collapse", "path_end") to also
return matching trace events.`
}
func (t *ListDiagnosticsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"event_type": map[string]interface{}{
				"type":        "string",
				"description": "Trace event type to include",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum trace events to return (default 50)",
			},
		},
	}
}

func (t *ListDiagnosticsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	records, trace := t.runner.Diagnostics()
	out := map[string]interface{}{
		"snapshots":  records,
		"count":      len(records),
		"trace_file": trace,
	}

	eventType := getStringArg(args, "event_type")
	if eventType == "" || trace == "" {
		return out, nil
	}
	events, err := recorder.ReadEvents(trace, eventType)
	if err != nil {
		return nil, err
	}
	if limit := getIntArg(args, "limit", 50); limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out["events"] = events
	return out, nil
}
