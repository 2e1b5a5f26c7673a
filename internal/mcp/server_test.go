package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mark3labs/mcp-go/mcp"

	"drawsnerd/internal/config"
	"drawsnerd/internal/driver"
	"drawsnerd/internal/mangle"
	"drawsnerd/internal/offline"
	"drawsnerd/internal/runner"
	"drawsnerd/internal/store"
)

const drawsPage = `<html><body><mat-accordion>
<mat-expansion-panel>
  <mat-expansion-panel-header aria-expanded="false" aria-controls="s1">Football</mat-expansion-panel-header>
  <div id="s1" hidden>
    <mat-expansion-panel>
      <mat-expansion-panel-header aria-expanded="false" aria-controls="c1">Football Boys Season</mat-expansion-panel-header>
      <div id="c1" hidden>
        <mat-expansion-panel>
          <mat-expansion-panel-header aria-expanded="false" aria-controls="l1">Premier League</mat-expansion-panel-header>
          <div id="l1" hidden>
            <button id="b1" aria-controls="t1">Round 1</button>
            <button id="b2" aria-controls="t2">Round 2</button>
            <div id="t1" hidden><table class="standing"><tr><td>Lions</td><td>9</td></tr></table></div>
            <div id="t2" hidden><table class="standing"><tr><td>Lions</td><td>12</td></tr><tr><td>Hawks</td><td>3</td></tr></table></div>
          </div>
        </mat-expansion-panel>
      </div>
    </mat-expansion-panel>
  </div>
</mat-expansion-panel>
</mat-accordion></body></html>`

type testEnv struct {
	server  *Server
	db      *store.SQLite
	engine  *mangle.Engine
	lastURL string
}

func setupTestServerConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Traversal.LocateTimeout = "100ms"
	cfg.Traversal.VerifyTimeout = "100ms"
	cfg.Traversal.TableTimeout = "50ms"
	cfg.Traversal.CollapseTimeout = "100ms"
	cfg.Traversal.RetryBudget = 1
	cfg.Traversal.ActionDelay = "0s"
	cfg.Traversal.PathDelay = "0s"
	cfg.Traversal.EntryLabels = []string{}
	cfg.Diagnostics.TraceDir = filepath.Join(t.TempDir(), "traces")
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := setupTestServerConfig(t)

	engine, err := mangle.NewEngine(cfg.Mangle, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, engine: engine}
	drivers := func(_ context.Context, url string) (driver.Driver, error) {
		env.lastURL = url
		return offline.NewFromString(drawsPage, offline.Options{PollInterval: 2 * time.Millisecond})
	}

	server, err := NewServer(cfg, Deps{
		Engine:  engine,
		Runner:  runner.New(cfg, engine, db, nil),
		Results: db,
		Drivers: drivers,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	env.server = server
	return env
}

func premierArgs() map[string]interface{} {
	return map[string]interface{}{
		"paths": []interface{}{
			map[string]interface{}{"sport": "Football", "competition": "Football Boys Season", "section": "Premier League"},
		},
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	env := newTestEnv(t)
	want := []string{
		"launch-browser", "shutdown-browser", "run-traversal", "stop-traversal",
		"get-results", "query-audit", "list-diagnostics",
	}
	for _, name := range want {
		if _, ok := env.server.tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
	if len(env.server.tools) != len(want) {
		t.Errorf("expected %d tools, got %d", len(want), len(env.server.tools))
	}
}

func TestNewServerRequiresRunner(t *testing.T) {
	if _, err := NewServer(config.DefaultConfig(), Deps{}); err == nil {
		t.Fatal("expected error without runner")
	}
}

func TestRunTraversalAndReadBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.server.ExecuteTool(ctx, "run-traversal", premierArgs())
	if err != nil {
		t.Fatalf("run-traversal failed: %v", err)
	}
	summary := out.(map[string]interface{})
	if summary["failed"] != 0 || summary["attempted"] != 1 {
		t.Fatalf("unexpected summary: %v", summary)
	}
	if env.lastURL != config.DefaultConfig().Browser.StartURL {
		t.Errorf("expected start url, got %q", env.lastURL)
	}
	runID := summary["run_id"].(string)

	// The SQLite sink received the run.
	stored, err := env.server.ExecuteTool(ctx, "get-results", map[string]interface{}{"run_id": runID, "include_rows": false})
	if err != nil {
		t.Fatalf("get-results failed: %v", err)
	}
	paths := stored.(map[string]interface{})["paths"].([]map[string]interface{})
	counts := paths[0]["phase_rows"].(map[string]int)
	if counts["Round 1"] != 1 || counts["Round 2"] != 2 {
		t.Errorf("unexpected row counts: %v", counts)
	}

	listed, err := env.server.ExecuteTool(ctx, "get-results", map[string]interface{}{"list": true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if listed.(map[string]interface{})["count"] != 1 {
		t.Errorf("expected one stored run, got %v", listed)
	}
}

func TestRunTraversalRejectsEmptyInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.server.ExecuteTool(ctx, "run-traversal", nil); err == nil {
		t.Error("expected error without paths")
	}
	args := map[string]interface{}{
		"paths": []interface{}{map[string]interface{}{"sport": "Football", "competition": "", "section": "x"}},
	}
	if _, err := env.server.ExecuteTool(ctx, "run-traversal", args); err == nil {
		t.Error("expected error when every path is invalid")
	}
}

func TestRunTraversalFromCombosFile(t *testing.T) {
	env := newTestEnv(t)
	file := filepath.Join(t.TempDir(), "fixtures.json")
	raw := `[{"sport":"Football","competition":"Football Boys Season","section":"Premier League (Senior A)"},
{"sport":"Football","competition":"Football Boys Season","section":"Premier League (Senior A)"},
{"sport":"","competition":"x","section":"y"}]`
	if err := os.WriteFile(file, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := env.server.ExecuteTool(context.Background(), "run-traversal", map[string]interface{}{
		"combos_file": file,
		"url":         "https://example.test/draws",
	})
	if err != nil {
		t.Fatalf("run-traversal failed: %v", err)
	}
	summary := out.(map[string]interface{})
	if summary["attempted"] != 1 || summary["skipped_fixtures"] != 1 {
		t.Errorf("unexpected summary: %v", summary)
	}
	if env.lastURL != "https://example.test/draws" {
		t.Errorf("url argument not used: %q", env.lastURL)
	}
}

func TestQueryAuditAfterRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	missing := map[string]interface{}{
		"paths": []interface{}{
			map[string]interface{}{"sport": "Cricket", "competition": "Cricket Boys", "section": "1st XI"},
			map[string]interface{}{"sport": "Football", "competition": "Football Boys Season", "section": "Premier League"},
		},
	}
	if _, err := env.server.ExecuteTool(ctx, "run-traversal", missing); err != nil {
		t.Fatalf("run-traversal failed: %v", err)
	}

	out, err := env.server.ExecuteTool(ctx, "query-audit", nil)
	if err != nil {
		t.Fatalf("query-audit failed: %v", err)
	}
	summary := out.(map[string]interface{})
	if leaked := summary["leaked_panel"].([]mangle.Fact); len(leaked) != 0 {
		t.Errorf("expected no leaked panels, got %v", leaked)
	}
	failed := summary["failed_path"].([]mangle.Fact)
	if len(failed) != 1 || failed[0].Args[0] != "Cricket/Cricket Boys/1st XI" {
		t.Errorf("unexpected failed paths: %v", failed)
	}

	out, err = env.server.ExecuteTool(ctx, "query-audit", map[string]interface{}{"query": "phase_extracted(P, Phase, Rows)."})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if n := out.(map[string]interface{})["count"]; n != 2 {
		t.Errorf("expected 2 phases, got %v", n)
	}

	diag, err := env.server.ExecuteTool(ctx, "list-diagnostics", map[string]interface{}{"event_type": "path_end"})
	if err != nil {
		t.Fatalf("list-diagnostics failed: %v", err)
	}
	d := diag.(map[string]interface{})
	if d["count"].(int) == 0 {
		t.Error("expected a snapshot for the missing path")
	}
	if d["trace_file"] == "" {
		t.Error("expected a trace file")
	}
}

func TestStopTraversalIdle(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.server.ExecuteTool(context.Background(), "stop-traversal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.(map[string]interface{})["status"] != "idle" {
		t.Errorf("expected idle, got %v", out)
	}
}

func TestGetResultsWithoutRuns(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.server.ExecuteTool(context.Background(), "get-results", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.(map[string]interface{})["status"] != "no_runs" {
		t.Errorf("expected no_runs, got %v", out)
	}
}

func TestBrowserToolsWithoutSessions(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"launch-browser", "shutdown-browser"} {
		if _, err := env.server.ExecuteTool(context.Background(), name, nil); err == nil {
			t.Errorf("%s: expected error without a session manager", name)
		}
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.server.ExecuteTool(context.Background(), "nonexistent", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

type failingTool struct{}

func (failingTool) Name() string                        { return "fail" }
func (failingTool) Description() string                 { return "always fails" }
func (failingTool) InputSchema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (failingTool) Execute(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, errors.New("boom")
}

func TestWrapToolReportsErrors(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.server.wrapTool(failingTool{})(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError")
	}
	text := res.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, "boom") {
		t.Errorf("unexpected text %q", text)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("x", map[string]interface{}{"bad": make(chan int)})
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("fallback payload is not JSON: %v", err)
	}
	if decoded["success"] != false {
		t.Errorf("expected success=false, got %v", decoded)
	}
}

func TestResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var req mcp.ReadResourceRequest
	req.Params.URI = "drawsnerd://runs/last"
	contents, err := env.server.handleLastRunResource(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if text := contents[0].(mcp.TextResourceContents).Text; !strings.Contains(text, "no_runs") {
		t.Errorf("expected no_runs before any run, got %s", text)
	}

	out, err := env.server.ExecuteTool(ctx, "run-traversal", premierArgs())
	if err != nil {
		t.Fatal(err)
	}
	runID := out.(map[string]interface{})["run_id"].(string)

	req.Params.URI = "drawsnerd://runs/" + runID
	req.Params.Arguments = map[string]any{"runId": []string{runID}}
	contents, err = env.server.handleStoredRunResource(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if text := contents[0].(mcp.TextResourceContents).Text; !strings.Contains(text, "Hawks") {
		t.Errorf("stored run resource missing rows: %s", text)
	}

	req.Params.URI = "drawsnerd://about"
	contents, err = env.server.handleAboutResource(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if text := contents[0].(mcp.TextResourceContents).Text; !strings.Contains(text, "test-server") {
		t.Errorf("about resource missing name: %s", text)
	}
}

func TestRunTraversalWhileRunningKeepsActivePage(t *testing.T) {
	cfg := setupTestServerConfig(t)
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	run := runner.New(cfg, nil, db, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	hook := func(_ *goquery.Document, target *goquery.Selection) error {
		if target.Text() == "Round 1" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	}

	var mu sync.Mutex
	opens, opensWhileRunning := 0, 0
	drivers := func(_ context.Context, _ string) (driver.Driver, error) {
		mu.Lock()
		opens++
		if run.Running() && opens > 1 {
			opensWhileRunning++
		}
		mu.Unlock()
		return offline.NewFromString(drawsPage, offline.Options{PollInterval: 2 * time.Millisecond, OnActivate: hook})
	}
	server, err := NewServer(cfg, Deps{Runner: run, Results: db, Drivers: drivers})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	type outcome struct {
		out interface{}
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		out, err := server.ExecuteTool(context.Background(), "run-traversal", premierArgs())
		first <- outcome{out, err}
	}()

	<-entered
	_, err = server.ExecuteTool(context.Background(), "run-traversal", premierArgs())
	close(release)
	if !errors.Is(err, runner.ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}

	got := <-first
	if got.err != nil {
		t.Fatalf("first run failed: %v", got.err)
	}
	summary := got.out.(map[string]interface{})
	if summary["failed"] != 0 || summary["attempted"] != 1 {
		t.Errorf("first run disturbed: %+v", summary)
	}
	if _, ok := summary["error"]; ok {
		t.Errorf("first run reported error: %v", summary["error"])
	}

	mu.Lock()
	defer mu.Unlock()
	if opens != 1 || opensWhileRunning != 0 {
		t.Errorf("page opened %d times, %d while a run was active", opens, opensWhileRunning)
	}
}
