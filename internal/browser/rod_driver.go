package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/rod/lib/utils"
	"go.uber.org/zap"

	"drawsnerd/internal/driver"
)

type RodDriverOptions struct {
	// SnapshotDir receives a full-page PNG and the page HTML per Snapshot.
	// Empty disables capture; references are still returned.
	SnapshotDir string
	// ActionTimeout bounds a single pointer click. Default 5s.
	ActionTimeout time.Duration
	Logger        *zap.Logger
}

// RodDriver implements driver.Driver over one Rod page. Every call binds the
// element to the caller's context, so a handle found under a short wait stays
// usable in later steps until the page re-renders it away.
type RodDriver struct {
	page   *rod.Page
	opts   RodDriverOptions
	logger *zap.Logger
}

var _ driver.Driver = (*RodDriver)(nil)

type rodHandle struct {
	el *rod.Element
}

func (h rodHandle) ID() string { return string(h.el.Object.ObjectID) }

func NewRodDriver(page *rod.Page, opts RodDriverOptions) *RodDriver {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RodDriver{page: page, opts: opts, logger: logger.Named("rod")}
}

func (d *RodDriver) FindAll(ctx context.Context, sel driver.Selector, scope driver.Handle) ([]driver.Handle, error) {
	var (
		els rod.Elements
		err error
	)
	if scope == nil {
		els, err = d.page.Context(ctx).Elements(sel.CSS)
	} else {
		root, rerr := d.bind(ctx, scope)
		if rerr != nil {
			return nil, rerr
		}
		els, err = root.Elements(sel.CSS)
	}
	if err != nil {
		return nil, classifyError(err)
	}

	out := make([]driver.Handle, 0, len(els))
	for _, el := range els {
		keep, err := d.matches(ctx, el, sel)
		if err != nil {
			// An element that vanished mid-scan is simply not a match.
			if errors.Is(err, driver.ErrStaleReference) {
				continue
			}
			return nil, err
		}
		if keep {
			out = append(out, rodHandle{el: el})
		}
	}
	return out, nil
}

func (d *RodDriver) matches(ctx context.Context, el *rod.Element, sel driver.Selector) (bool, error) {
	el = el.Context(ctx)
	if sel.Visible {
		ok, err := el.Visible()
		if err != nil {
			return false, classifyError(err)
		}
		if !ok {
			return false, nil
		}
	}
	if sel.Contains != "" {
		text, err := el.Text()
		if err != nil {
			return false, classifyError(err)
		}
		if !strings.Contains(strings.Join(strings.Fields(text), " "), sel.Contains) {
			return false, nil
		}
	}
	return true, nil
}

// WaitUntil paces the shared poll loop with Rod's backoff sleeper.
func (d *RodDriver) WaitUntil(ctx context.Context, timeout time.Duration, probe driver.Probe) ([]driver.Handle, error) {
	sleeper := utils.BackoffSleeper(50*time.Millisecond, time.Second, func(prev time.Duration) time.Duration {
		return prev * 3 / 2
	})
	return driver.PollUntil(ctx, timeout, driver.Sleeper(sleeper), probe)
}

// Activate performs a real mouse click. A covered or non-interactable target
// is reported as ErrInteractionBlocked so the caller can fall back.
func (d *RodDriver) Activate(ctx context.Context, h driver.Handle) error {
	el, err := d.bind(ctx, h)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return classifyError(err)
	}
	if _, err := el.Interactable(); err != nil {
		return classifyError(err)
	}
	err = el.Timeout(d.opts.ActionTimeout).Click(proto.InputMouseButtonLeft, 1)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: click did not land within %s", driver.ErrInteractionBlocked, d.opts.ActionTimeout)
	}
	return classifyError(err)
}

// ActivateProgrammatic dispatches element.click() in the page, skipping hit-testing.
func (d *RodDriver) ActivateProgrammatic(ctx context.Context, h driver.Handle) error {
	el, err := d.bind(ctx, h)
	if err != nil {
		return err
	}
	_, err = el.Eval(`() => this.click()`)
	return classifyError(err)
}

func (d *RodDriver) ReadText(ctx context.Context, h driver.Handle) (string, error) {
	el, err := d.bind(ctx, h)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", classifyError(err)
	}
	return text, nil
}

func (d *RodDriver) ReadAttribute(ctx context.Context, h driver.Handle, name string) (string, bool, error) {
	el, err := d.bind(ctx, h)
	if err != nil {
		return "", false, err
	}
	val, err := el.Attribute(name)
	if err != nil {
		return "", false, classifyError(err)
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}

func (d *RodDriver) ScrollIntoView(ctx context.Context, h driver.Handle) error {
	el, err := d.bind(ctx, h)
	if err != nil {
		return err
	}
	return classifyError(el.ScrollIntoView())
}

// Snapshot writes <label>.png and <label>.html under SnapshotDir and returns
// the PNG path.
func (d *RodDriver) Snapshot(ctx context.Context, label string) (string, error) {
	if d.opts.SnapshotDir == "" {
		return "rod:" + label, nil
	}
	page := d.page.Context(ctx)

	png, err := page.Screenshot(true, nil)
	if err != nil {
		return "", classifyError(err)
	}
	ref := filepath.Join(d.opts.SnapshotDir, label+".png")
	if err := utils.OutputFile(ref, png); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	if markup, err := page.HTML(); err == nil {
		if err := utils.OutputFile(filepath.Join(d.opts.SnapshotDir, label+".html"), markup); err != nil {
			d.logger.Debug("snapshot html not written", zap.String("label", label), zap.Error(err))
		}
	}
	return ref, nil
}

func (d *RodDriver) bind(ctx context.Context, h driver.Handle) (*rod.Element, error) {
	rh, ok := h.(rodHandle)
	if !ok || rh.el == nil {
		return nil, fmt.Errorf("%w: handle %T does not belong to this driver", driver.ErrStaleReference, h)
	}
	return rh.el.Context(ctx), nil
}

// classifyError maps Rod and CDP failures onto the driver taxonomy. Context
// errors pass through untouched; unknown errors stay recoverable.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		covered         *rod.CoveredError
		notInteractable *rod.NotInteractableError
		objectNotFound  *rod.ObjectNotFoundError
		elementNotFound *rod.ElementNotFoundError
	)
	switch {
	case errors.As(err, &covered), errors.As(err, &notInteractable):
		return fmt.Errorf("%w: %v", driver.ErrInteractionBlocked, err)
	case errors.As(err, &objectNotFound):
		return fmt.Errorf("%w: %v", driver.ErrStaleReference, err)
	case errors.As(err, &elementNotFound):
		return fmt.Errorf("%w: %v", driver.ErrNotFound, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", driver.ErrDriverFatal, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, staleMessages):
		return fmt.Errorf("%w: %v", driver.ErrStaleReference, err)
	case containsAny(msg, fatalMessages):
		return fmt.Errorf("%w: %v", driver.ErrDriverFatal, err)
	}
	return err
}

// CDP reports these when the node behind a remote object was removed or its
// execution context was torn down by a re-render.
var staleMessages = []string{
	"could not find node",
	"node is detached",
	"no node with given id",
	"cannot find context with specified id",
	"cannot find object",
}

var fatalMessages = []string{
	"use of closed network connection",
	"websocket: close",
	"target closed",
	"session closed",
	"no target with given id",
	"broken pipe",
	"connection reset by peer",
	"connection refused",
}

func containsAny(msg string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
