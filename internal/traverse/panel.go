package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"drawsnerd/internal/diagnostics"
	"drawsnerd/internal/driver"
)

// PanelSpec describes how to reach and verify one panel. Specs are chained
// through Parent so every attempt can re-resolve the panel from the root.
type PanelSpec struct {
	Label  string
	Kind   NodeKind
	Parent *PanelSpec
	// Evidence must match inside the panel's content once it is expanded.
	Evidence driver.Selector
}

// Labels lists the chain from the root panel down to s.
func (s *PanelSpec) Labels() []string {
	if s == nil {
		return nil
	}
	return append(s.Parent.Labels(), s.Label)
}

// expandReport summarizes one run of the state machine for a panel.
type expandReport struct {
	Node  *Node
	State ExpansionState
	// Attempts made, at most the retry budget.
	Attempts    int
	Activations int
	// Touched is set once the panel reached Expanding or was found already
	// expanded; touched panels are collapsed when the path ends.
	Touched   bool
	Snapshots []string
}

type panelMachine struct {
	d      driver.Driver
	loc    *Locator
	opts   Options
	diag   *diagnostics.Sink
	logger *zap.Logger
}

// expand drives spec to Verified within budget attempts. A non-nil error
// with a Failed report is terminal for the panel; errors that are not
// recoverable are returned as soon as they happen.
func (m *panelMachine) expand(ctx context.Context, spec *PanelSpec, budget int) (expandReport, error) {
	rep := expandReport{State: Collapsed}
	var cause error

	for attempt := 1; attempt <= budget; attempt++ {
		rep.Attempts = attempt

		node, state, err := m.attempt(ctx, spec, &rep)
		rep.State = state
		if err != nil && !driver.IsRecoverable(err) {
			rep.State = Failed
			return rep, err
		}
		if state == Verified {
			rep.Node = node
			m.logger.Debug("panel verified",
				zap.String("label", spec.Label), zap.Int("attempt", attempt))
			return rep, nil
		}

		cause = err
		m.logger.Warn("expansion attempt failed",
			zap.Strings("path", spec.Labels()),
			zap.Int("attempt", attempt),
			zap.Int("budget", budget),
			zap.Error(err))

		if ref := m.diag.Capture(ctx, attempt, spec.Labels()...); ref != "" {
			rep.Snapshots = append(rep.Snapshots, ref)
		}

		if attempt < budget {
			if err := m.recoverParent(ctx, spec, &rep); err != nil && !driver.IsRecoverable(err) {
				rep.State = Failed
				return rep, err
			}
		}
	}

	rep.State = Failed
	if cause == nil {
		cause = ErrVerificationFailed
	}
	return rep, fmt.Errorf("%q failed after %d attempts: %w", spec.Label, rep.Attempts, cause)
}

// attempt runs one Collapsed -> ... -> Verified|Failed pass. State is always
// derived from the live tree, never carried over from an earlier attempt.
func (m *panelMachine) attempt(ctx context.Context, spec *PanelSpec, rep *expandReport) (*Node, ExpansionState, error) {
	node, status, err := m.resolve(ctx, spec, m.opts.LocateTimeout)
	if err != nil {
		return nil, Failed, err
	}
	switch status {
	case NotFound:
		return nil, Failed, fmt.Errorf("%w: %q", driver.ErrNotFound, spec.Label)
	case TimedOut:
		return nil, Failed, fmt.Errorf("%w: %q never became interactable", driver.ErrTimeout, spec.Label)
	}

	expanded, err := m.isExpanded(ctx, node)
	if err != nil {
		return node, Failed, err
	}

	if expanded {
		// Activating an open panel would collapse it.
		rep.Touched = true
		m.logger.Debug("panel already expanded", zap.String("label", spec.Label))
	} else {
		rep.Touched = true
		if err := m.activate(ctx, node.Handle); err != nil {
			return node, Failed, err
		}
		rep.Activations++
	}

	verified, err := m.verify(ctx, node, spec.Evidence)
	if err != nil {
		return node, Failed, err
	}
	if !verified {
		return node, Failed, fmt.Errorf("%w: %s not visible under %q", ErrVerificationFailed, spec.Evidence, spec.Label)
	}
	return node, Verified, nil
}

// resolve locates every panel of the chain from the root down to spec.
func (m *panelMachine) resolve(ctx context.Context, spec *PanelSpec, timeout time.Duration) (*Node, LocateStatus, error) {
	var parent *Node
	if spec.Parent != nil {
		p, status, err := m.resolve(ctx, spec.Parent, timeout)
		if err != nil || status != Found {
			return nil, status, err
		}
		parent = p
	}
	return m.loc.Locate(ctx, spec.Label, spec.Kind, parent, timeout)
}

// recoverParent re-expands spec's parent when it collapsed behind our back.
// Snapshots taken while recovering are credited to rep.
func (m *panelMachine) recoverParent(ctx context.Context, spec *PanelSpec, rep *expandReport) error {
	parent := spec.Parent
	if parent == nil {
		return nil
	}

	node, status, err := m.resolve(ctx, parent, m.opts.LocateTimeout)
	if err != nil {
		return err
	}
	if status == Found {
		expanded, err := m.isExpanded(ctx, node)
		if err != nil {
			return err
		}
		if expanded {
			return nil
		}
	} else if err := m.recoverParent(ctx, parent, rep); err != nil {
		return err
	}

	m.logger.Info("re-expanding parent", zap.String("parent", parent.Label), zap.String("child", spec.Label))
	recovered, err := m.expand(ctx, parent, 1)
	rep.Snapshots = append(rep.Snapshots, recovered.Snapshots...)
	return err
}

func (m *panelMachine) isExpanded(ctx context.Context, node *Node) (bool, error) {
	val, ok, err := m.d.ReadAttribute(ctx, node.Handle, m.opts.Selectors.ExpandedAttribute)
	if err != nil || !ok {
		return false, err
	}
	for _, tok := range strings.Fields(val) {
		if tok == m.opts.Selectors.ExpandedToken {
			return true, nil
		}
	}
	return false, nil
}

func (m *panelMachine) verify(ctx context.Context, node *Node, evidence driver.Selector) (bool, error) {
	_, err := m.d.WaitUntil(ctx, m.opts.VerifyTimeout, driver.AnyMatch(m.d, evidence, node.Content))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, driver.ErrTimeout) {
		return false, nil
	}
	return false, err
}

func (m *panelMachine) activate(ctx context.Context, h driver.Handle) error {
	if err := activate(ctx, m.d, h, m.logger); err != nil {
		return err
	}
	return driver.Sleep(ctx, m.opts.ActionDelay)
}

// collapse closes spec if it is open. A panel that cannot be found is
// already gone and counts as collapsed.
func (m *panelMachine) collapse(ctx context.Context, spec *PanelSpec) error {
	node, status, err := m.resolve(ctx, spec, m.opts.CollapseTimeout)
	if err != nil {
		return err
	}
	if status != Found {
		m.logger.Debug("collapse target gone", zap.String("label", spec.Label), zap.Stringer("status", status))
		return nil
	}

	expanded, err := m.isExpanded(ctx, node)
	if err != nil {
		return err
	}
	if !expanded {
		return nil
	}
	if err := m.activate(ctx, node.Handle); err != nil {
		return err
	}

	_, err = m.d.WaitUntil(ctx, m.opts.CollapseTimeout, func(ctx context.Context) ([]driver.Handle, bool, error) {
		open, err := m.isExpanded(ctx, node)
		return nil, !open, err
	})
	return err
}

// activate clicks h and falls back to a programmatic click when the pointer
// activation is intercepted or fails. Both count as the same attempt. A stale
// handle is returned to the caller to re-resolve; it is never clicked again.
func activate(ctx context.Context, d driver.Driver, h driver.Handle, logger *zap.Logger) error {
	err := d.Activate(ctx, h)
	if err == nil {
		return nil
	}
	if !driver.IsRecoverable(err) || errors.Is(err, driver.ErrStaleReference) {
		return err
	}
	logger.Debug("pointer activation failed, dispatching programmatic click",
		zap.String("handle", h.ID()), zap.Error(err))
	if perr := d.ActivateProgrammatic(ctx, h); perr != nil {
		return fmt.Errorf("activate %s: %w (pointer: %v)", h.ID(), perr, err)
	}
	return nil
}
