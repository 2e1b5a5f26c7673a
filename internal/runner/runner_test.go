package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"drawsnerd/internal/config"
	"drawsnerd/internal/mangle"
	"drawsnerd/internal/offline"
	"drawsnerd/internal/recorder"
	"drawsnerd/internal/store"
	"drawsnerd/internal/traverse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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
            <div id="t1" hidden><table class="standing"><tr><td>Lions</td><td>9</td></tr></table></div>
          </div>
        </mat-expansion-panel>
      </div>
    </mat-expansion-panel>
  </div>
</mat-expansion-panel>
</mat-accordion></body></html>`

var premier = traverse.TargetPath{Sport: "Football", Competition: "Football Boys Season", Section: "Premier League"}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Traversal.LocateTimeout = "100ms"
	cfg.Traversal.VerifyTimeout = "100ms"
	cfg.Traversal.TableTimeout = "50ms"
	cfg.Traversal.CollapseTimeout = "100ms"
	cfg.Traversal.ActionDelay = "0s"
	cfg.Traversal.PathDelay = "0s"
	cfg.Traversal.EntryLabels = []string{}
	cfg.Diagnostics.TraceDir = filepath.Join(t.TempDir(), "traces")
	return cfg
}

func newDriver(t *testing.T, hook offline.ActivateHook) *offline.Driver {
	t.Helper()
	d, err := offline.NewFromString(drawsPage, offline.Options{PollInterval: 2 * time.Millisecond, OnActivate: hook})
	require.NoError(t, err)
	return d
}

func TestRunPersistsAndAudits(t *testing.T) {
	cfg := testConfig(t)
	engine, err := mangle.NewEngine(cfg.Mangle, nil)
	require.NoError(t, err)
	jsonPath := filepath.Join(t.TempDir(), "results.json")

	r := New(cfg, engine, store.JSONFile{Path: jsonPath}, nil)
	res, err := r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	require.NoError(t, err)
	require.Len(t, res.Paths, 1)
	assert.Nil(t, res.Paths[0].Error)
	assert.Equal(t, [][]string{{"Lions", "9"}}, res.Paths[0].Phases[0].Rows)

	saved, err := store.ReadJSONFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, res.ID, saved.ID)
	assert.Same(t, res, r.Last())
	assert.False(t, r.Running())

	leaked, err := engine.LeakedPanels(context.Background(), premier.Key())
	require.NoError(t, err)
	assert.Empty(t, leaked)

	_, trace := r.Diagnostics()
	require.NotEmpty(t, trace)
	events, err := recorder.ReadEvents(trace, recorder.EventRunEnd)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunRecordsFailedPathAndCaptures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Traversal.RetryBudget = 1
	r := New(cfg, nil, nil, nil)

	missing := traverse.TargetPath{Sport: "Cricket", Competition: "Cricket Boys", Section: "1st XI"}
	res, err := r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{missing, premier})
	require.NoError(t, err)
	require.Len(t, res.Paths, 2)
	require.NotNil(t, res.Paths[0].Error)
	assert.Nil(t, res.Paths[1].Error, "a failed path does not end the run")
	assert.Equal(t, 1, res.Failed())
}

type failingSink struct{}

func (failingSink) Save(context.Context, *traverse.RunResult) error { return errors.New("disk full") }

func TestRunJoinsSinkError(t *testing.T) {
	r := New(testConfig(t), nil, failingSink{}, nil)
	res, err := r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, res, "the result survives a sink failure")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once bool
	hook := func(_ *goquery.Document, _ *goquery.Selection) error {
		if !once {
			once = true
			close(entered)
			<-release
		}
		return nil
	}

	r := New(testConfig(t), nil, nil, nil)
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), newDriver(t, hook), []traverse.TargetPath{premier, premier})
		done <- err
	}()

	<-entered
	assert.True(t, r.Running())
	_, err := r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	assert.ErrorIs(t, err, ErrRunInProgress)

	assert.True(t, r.Stop())
	close(release)
	require.NoError(t, <-done)

	last := r.Last()
	require.NotNil(t, last)
	assert.True(t, last.Stopped)
	assert.Len(t, last.Paths, 1, "stop ends the run after the path in flight")
	assert.False(t, r.Stop())
}

func TestReserveHoldsSlotUntilReleased(t *testing.T) {
	r := New(testConfig(t), nil, nil, nil)

	slot, err := r.Reserve()
	require.NoError(t, err)
	assert.True(t, r.Running(), "a reserved slot counts as running")

	_, err = r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = r.Reserve()
	assert.ErrorIs(t, err, ErrRunInProgress)

	slot.Release()
	slot.Release()
	assert.False(t, r.Running())

	res, err := r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	require.NoError(t, err)
	assert.Len(t, res.Paths, 1)
}

func TestStopBeforeReservedRunStarts(t *testing.T) {
	r := New(testConfig(t), nil, nil, nil)

	slot, err := r.Reserve()
	require.NoError(t, err)
	assert.True(t, r.Stop())

	res, err := slot.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Empty(t, res.Paths)
	assert.False(t, r.Running())

	// The stop request does not leak into the next run.
	res, err = r.Run(context.Background(), newDriver(t, nil), []traverse.TargetPath{premier})
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	assert.Len(t, res.Paths, 1)
}
