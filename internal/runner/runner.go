// Package runner wires one traversal run to its diagnostics, trace, audit
// engine and result sinks. The CLI and the MCP server both drive runs
// through it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"drawsnerd/internal/config"
	"drawsnerd/internal/diagnostics"
	"drawsnerd/internal/driver"
	"drawsnerd/internal/mangle"
	"drawsnerd/internal/recorder"
	"drawsnerd/internal/store"
	"drawsnerd/internal/traverse"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = traverse.ErrRunInProgress

// Runner owns at most one active traversal.
type Runner struct {
	cfg    config.Config
	engine *mangle.Engine
	sinks  store.Sink
	logger *zap.Logger

	mu sync.Mutex
	// busy is held from Reserve until the reserved run returns, including
	// the time spent acquiring a driver.
	busy        bool
	stopPending bool
	active      *traverse.Controller
	last        *traverse.RunResult
	records     []diagnostics.AttemptRecord
	trace       string
}

// New builds a runner. engine and sinks may be nil.
func New(cfg config.Config, engine *mangle.Engine, sinks store.Sink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, engine: engine, sinks: sinks, logger: logger.Named("runner")}
}

// Slot is a claimed run. Exactly one of Run or Release must be called.
type Slot struct {
	r    *Runner
	once sync.Once
}

// Reserve claims the run slot. Callers that must prepare the session before
// running (opening the draws page) reserve first so they never touch a
// session another run is driving.
func (r *Runner) Reserve() (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return nil, ErrRunInProgress
	}
	r.busy = true
	r.stopPending = false
	return &Slot{r: r}, nil
}

// Release gives the slot back without running.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.r.mu.Lock()
		s.r.busy = false
		s.r.stopPending = false
		s.r.mu.Unlock()
	})
}

// Run reserves the slot and traverses paths on d.
func (r *Runner) Run(ctx context.Context, d driver.Driver, paths []traverse.TargetPath) (*traverse.RunResult, error) {
	slot, err := r.Reserve()
	if err != nil {
		return nil, err
	}
	return slot.Run(ctx, d, paths)
}

// Run traverses paths on d and persists whatever was collected, including
// the partial result of a cancelled or aborted run. A sink failure is
// joined with the traversal error. The slot is released on return.
func (s *Slot) Run(ctx context.Context, d driver.Driver, paths []traverse.TargetPath) (*traverse.RunResult, error) {
	defer s.Release()
	r := s.r

	diag := r.cfg.Diagnostics
	rec, err := recorder.NewRecorder(diag.TraceDir)
	if err != nil {
		r.logger.Warn("flight recorder unavailable", zap.Error(err))
		rec = nil
	}
	sink := diagnostics.NewSink(d, diagnostics.Options{
		Enabled:  diag.Enabled,
		Recorder: rec,
		Logger:   r.logger,
	})

	deps := traverse.Deps{Logger: r.logger, Diagnostics: sink, Recorder: rec}
	if r.engine != nil {
		deps.Facts = r.engine
	}
	ctrl := traverse.NewController(d, traverse.OptionsFromConfig(r.cfg.Traversal), deps)
	r.mu.Lock()
	r.active = ctrl
	if r.stopPending {
		ctrl.Stop()
	}
	r.mu.Unlock()

	res, runErr := ctrl.Run(ctx, paths)

	r.mu.Lock()
	r.active = nil
	if res != nil {
		r.last = res
		r.records = sink.Records()
		r.trace = rec.Path()
	}
	r.mu.Unlock()
	if cerr := rec.Close(); cerr != nil {
		r.logger.Warn("close flight recorder", zap.Error(cerr))
	}

	if res == nil {
		return nil, runErr
	}
	if r.sinks != nil {
		// Persist even when ctx was cancelled mid-run.
		if err := r.sinks.Save(context.WithoutCancel(ctx), res); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("save results: %w", err))
		}
	}
	return res, runErr
}

// Stop asks the active run to finish after its current path. A run that is
// reserved but not yet started stops before its first path. It reports
// whether a run was reserved or active.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.busy {
		return false
	}
	if r.active != nil {
		r.active.Stop()
	} else {
		r.stopPending = true
	}
	return true
}

// Running reports whether a traversal is reserved or in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Last returns the most recent finished run, or nil.
func (r *Runner) Last() *traverse.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Diagnostics returns the capture records and trace file of the last run.
func (r *Runner) Diagnostics() ([]diagnostics.AttemptRecord, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]diagnostics.AttemptRecord(nil), r.records...), r.trace
}
