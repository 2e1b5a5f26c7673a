// Package traverse drives a collapsible-panel results page through a list of
// target paths: expand each ancestor with verification, extract a table per
// phase button of the leaf, then collapse back so the next path starts clean.
package traverse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"drawsnerd/internal/diagnostics"
	"drawsnerd/internal/driver"
	"drawsnerd/internal/mangle"
	"drawsnerd/internal/recorder"
)

// FactSink receives audit facts and answers the leak check run after each path.
// *mangle.Engine satisfies it.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
	LeakedPanels(ctx context.Context, path string) ([]string, error)
	Reset()
}

// Deps are the optional collaborators of a Controller. Zero values disable them.
type Deps struct {
	Logger      *zap.Logger
	Diagnostics *diagnostics.Sink
	Recorder    *recorder.Recorder
	Facts       FactSink
}

// Controller owns the automation session for the duration of a run. Runs are
// serialized: the session has a single live tree and concurrent paths would
// fight over its expansion state.
type Controller struct {
	mu      sync.Mutex
	stopReq atomic.Bool

	d      driver.Driver
	opts   Options
	logger *zap.Logger
	diag   *diagnostics.Sink
	rec    *recorder.Recorder
	facts  FactSink
	tracer trace.Tracer

	panels *panelMachine
	tables *tableExtractor
}

func NewController(d driver.Driver, opts Options, deps Deps) *Controller {
	opts = opts.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("traverse")

	c := &Controller{
		d:      d,
		opts:   opts,
		logger: logger,
		diag:   deps.Diagnostics,
		rec:    deps.Recorder,
		facts:  deps.Facts,
		tracer: otel.Tracer("drawsnerd/traverse"),
	}
	c.panels = &panelMachine{
		d:      d,
		loc:    NewLocator(d, opts.Selectors, logger.Named("locator")),
		opts:   opts,
		diag:   deps.Diagnostics,
		logger: logger.Named("panel"),
	}
	c.tables = &tableExtractor{d: d, opts: opts, logger: logger.Named("table")}
	return c
}

// Stop asks the running traversal to end before its next path. The path in
// flight completes, including its collapse step.
func (c *Controller) Stop() {
	c.stopReq.Store(true)
}

// Run traverses paths in order and returns one PathResult per attempted path.
// Path failures are recorded in their PathResult and never end the run. The
// returned error is non-nil only when the session became unusable or ctx was
// cancelled; the result then still holds everything collected so far.
func (c *Controller) Run(ctx context.Context, paths []TargetPath) (*RunResult, error) {
	if !c.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer c.mu.Unlock()
	// A Stop issued before Run is honored; the flag is cleared for the next run.
	defer c.stopReq.Store(false)

	res := &RunResult{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Paths:     make([]PathResult, 0, len(paths)),
	}
	ctx, span := c.tracer.Start(ctx, "traverse.run", trace.WithAttributes(
		attribute.String("run.id", res.ID),
		attribute.Int("run.paths", len(paths)),
	))
	defer span.End()

	logger := c.logger.With(zap.String("run_id", res.ID))
	if c.rec != nil {
		if err := c.rec.Start(res.ID); err != nil {
			logger.Warn("flight recorder unavailable", zap.Error(err))
		}
	}
	if c.facts != nil {
		c.facts.Reset()
	}
	c.diag.Reset()

	c.rec.Log(recorder.EventRunStart, map[string]interface{}{"paths": len(paths)})
	c.emit(ctx, "run_started", res.ID, len(paths))
	logger.Info("run started", zap.Int("paths", len(paths)))

	finish := func(err error) (*RunResult, error) {
		res.FinishedAt = time.Now()
		res.Stopped = len(res.Paths) < len(paths)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.rec.Log(recorder.EventRunEnd, map[string]interface{}{
			"attempted": len(res.Paths),
			"failed":    res.Failed(),
			"stopped":   res.Stopped,
		})
		logger.Info("run finished",
			zap.Int("attempted", len(res.Paths)),
			zap.Int("failed", res.Failed()),
			zap.Bool("stopped", res.Stopped),
			zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
			zap.Error(err))
		return res, err
	}

	if err := c.prepare(ctx); err != nil {
		return finish(err)
	}

	for i, path := range paths {
		if i > 0 {
			if err := driver.Sleep(ctx, c.opts.PathDelay); err != nil {
				return finish(err)
			}
		}
		if c.stopReq.Load() {
			logger.Info("stop requested", zap.Int("remaining", len(paths)-i))
			return finish(nil)
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		result, err := c.runPath(ctx, i, path)
		res.Paths = append(res.Paths, result)
		if err != nil {
			if errors.Is(err, driver.ErrDriverFatal) {
				return finish(fmt.Errorf("run aborted at %s: %w", path, err))
			}
			return finish(err)
		}
	}
	return finish(nil)
}

// prepare activates the entry controls once per run. A missing control is
// logged and skipped.
func (c *Controller) prepare(ctx context.Context) error {
	for _, label := range c.opts.EntryLabels {
		sel := driver.Selector{CSS: c.opts.Selectors.Entry, Contains: label, Visible: true}
		found, err := c.d.WaitUntil(ctx, c.opts.LocateTimeout, driver.AnyMatch(c.d, sel, nil))
		if err != nil {
			if !driver.IsRecoverable(err) {
				return err
			}
			c.logger.Warn("entry control not found", zap.String("label", label), zap.Error(err))
			continue
		}
		if err := activate(ctx, c.d, found[0], c.logger); err != nil {
			if !driver.IsRecoverable(err) {
				return err
			}
			c.logger.Warn("entry control activation failed", zap.String("label", label), zap.Error(err))
			continue
		}
		c.rec.Log(recorder.EventEntryAction, map[string]string{"label": label})
		if err := driver.Sleep(ctx, c.opts.ActionDelay); err != nil {
			return err
		}
	}
	return nil
}

// chain builds the ancestor specs of path. Each level is searched inside its
// parent's content, which keeps repeated labels in unrelated branches apart.
func (c *Controller) chain(path TargetPath) []*PanelSpec {
	header := c.opts.Selectors.Header
	sport := &PanelSpec{
		Label:    path.Sport,
		Kind:     KindPanel,
		Evidence: driver.Selector{CSS: header, Contains: path.Competition, Visible: true},
	}
	competition := &PanelSpec{
		Label:    path.Competition,
		Kind:     KindPanel,
		Parent:   sport,
		Evidence: driver.Selector{CSS: header, Contains: path.Section, Visible: true},
	}
	section := &PanelSpec{
		Label:    path.Section,
		Kind:     KindLeaf,
		Parent:   competition,
		Evidence: driver.Selector{CSS: c.opts.Selectors.LeafMarker, Visible: true},
	}
	return []*PanelSpec{sport, competition, section}
}

// runPath returns an error only for failures that must end the run.
func (c *Controller) runPath(ctx context.Context, index int, path TargetPath) (PathResult, error) {
	result := PathResult{Path: path, Phases: make([]PhaseResult, 0)}
	key := path.Key()

	ctx, span := c.tracer.Start(ctx, "traverse.path", trace.WithAttributes(
		attribute.Int("path.index", index),
		attribute.String("path.sport", path.Sport),
		attribute.String("path.competition", path.Competition),
		attribute.String("path.section", path.Section),
	))
	defer span.End()

	logger := c.logger.With(zap.String("path", path.String()))
	c.rec.Log(recorder.EventPathStart, map[string]interface{}{"index": index, "path": path})
	c.emit(ctx, "path_started", key, index)

	var pathErr *PathError
	if err := path.Validate(); err != nil {
		pathErr = &PathError{Stage: StageExpand, Err: err}
	}

	var touched []*PanelSpec
	if pathErr == nil {
		chain := c.chain(path)
		for _, spec := range chain {
			rep, err := c.panels.expand(ctx, spec, c.opts.RetryBudget)
			if rep.Touched {
				touched = append(touched, spec)
				c.emit(ctx, "panel_expanded", key, spec.Label)
			}
			for n := range rep.Snapshots {
				c.emit(ctx, "snapshot_taken", key, spec.Label, n+1)
			}
			if err != nil {
				pathErr = &PathError{Stage: StageExpand, Label: spec.Label, Err: err}
				break
			}
		}

		if pathErr == nil {
			leaf := chain[len(chain)-1]
			phases, err := c.enumerate(ctx, leaf)
			result.Phases = phases
			for _, p := range phases {
				c.emit(ctx, "phase_extracted", key, p.Label, len(p.Rows))
				c.rec.Log(recorder.EventPhase, map[string]interface{}{"path": key, "phase": p.Label, "rows": len(p.Rows)})
			}
			if err != nil {
				pathErr = &PathError{Stage: StageEnumerate, Label: leaf.Label, Err: err}
			}
		}
	}

	if pathErr != nil && errors.Is(pathErr, driver.ErrDriverFatal) {
		logger.Error("session unusable, skipping collapse", zap.Error(pathErr))
	} else {
		c.collapseAll(ctx, key, touched)
	}
	c.audit(ctx, key, logger)

	if pathErr != nil {
		result.Error = pathErr.Record()
		c.emit(ctx, "path_failed", key, string(pathErr.Stage), result.Error.Kind)
		span.RecordError(pathErr)
		span.SetStatus(codes.Error, pathErr.Error())
		logger.Warn("path failed", zap.String("stage", string(pathErr.Stage)), zap.Error(pathErr))
	} else {
		logger.Info("path complete", zap.Int("phases", len(result.Phases)))
	}
	c.rec.Log(recorder.EventPathEnd, map[string]interface{}{"path": key, "phases": len(result.Phases), "error": result.Error})

	if pathErr != nil && !driver.IsRecoverable(pathErr.Err) {
		return result, pathErr
	}
	return result, nil
}

// collapseAll closes touched panels bottom-up. It runs on a context detached
// from cancellation so a stopped run still leaves the tree clean, and each
// panel gets its own bound.
func (c *Controller) collapseAll(ctx context.Context, key string, touched []*PanelSpec) {
	base := context.WithoutCancel(ctx)
	for i := len(touched) - 1; i >= 0; i-- {
		spec := touched[i]
		cctx, cancel := context.WithTimeout(base, 4*c.opts.CollapseTimeout)
		err := c.panels.collapse(cctx, spec)
		cancel()

		c.rec.Log(recorder.EventCollapse, map[string]interface{}{"path": key, "label": spec.Label, "ok": err == nil})
		if err != nil {
			c.logger.Warn("collapse failed", zap.String("label", spec.Label), zap.Error(err))
			continue
		}
		c.emit(ctx, "panel_collapsed", key, spec.Label)
	}
}

func (c *Controller) audit(ctx context.Context, key string, logger *zap.Logger) {
	if c.facts == nil {
		return
	}
	leaked, err := c.facts.LeakedPanels(context.WithoutCancel(ctx), key)
	if err != nil {
		logger.Debug("leak audit failed", zap.Error(err))
		return
	}
	if len(leaked) > 0 {
		logger.Warn("panels left expanded", zap.Strings("labels", leaked))
		c.rec.Log(recorder.EventCollapse, map[string]interface{}{"path": key, "leaked": leaked})
	}
}

func (c *Controller) emit(ctx context.Context, predicate string, args ...interface{}) {
	if c.facts == nil {
		return
	}
	fact := mangle.Fact{Predicate: predicate, Args: args, Timestamp: time.Now()}
	if err := c.facts.AddFacts(context.WithoutCancel(ctx), []mangle.Fact{fact}); err != nil {
		c.logger.Debug("fact dropped", zap.String("predicate", predicate), zap.Error(err))
	}
}
