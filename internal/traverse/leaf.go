package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"drawsnerd/internal/driver"
)

// phaseVisit is the outcome of touching one phase button index.
type phaseVisit struct {
	result  *PhaseResult
	skipped bool
	// stop ends enumeration for this leaf: the button list shrank.
	stop bool
}

// enumerate visits every selectable phase button under the verified leaf.
// The button list is queried again before each index and nothing is held
// across an activation.
func (c *Controller) enumerate(ctx context.Context, leaf *PanelSpec) ([]PhaseResult, error) {
	phases := make([]PhaseResult, 0)

	scope, err := c.leafScope(ctx, leaf)
	if err != nil {
		return phases, err
	}
	initial, err := c.phaseButtons(ctx, scope)
	if err != nil {
		return phases, err
	}
	count := len(initial)

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return phases, err
		}

		var visit phaseVisit
		for try := 0; try < 2; try++ {
			visit, err = c.visitPhase(ctx, leaf, i, count)
			if !errors.Is(err, driver.ErrStaleReference) {
				break
			}
			c.logger.Debug("phase button went stale, re-querying", zap.Int("index", i), zap.Error(err))
		}

		if visit.stop {
			c.logger.Info("phase list shrank, stopping enumeration",
				zap.String("leaf", leaf.Label), zap.Int("index", i), zap.Int("initial", count))
			break
		}
		if err != nil {
			if !driver.IsRecoverable(err) {
				return phases, err
			}
			c.logger.Warn("skipping phase", zap.String("leaf", leaf.Label), zap.Int("index", i), zap.Error(err))
			continue
		}
		if visit.skipped {
			continue
		}
		phases = append(phases, *visit.result)
	}

	if count == 0 {
		// Leaves without phase buttons render their table directly.
		scope, err := c.leafScope(ctx, leaf)
		if err != nil {
			return phases, err
		}
		rows, err := c.tables.extract(ctx, scope)
		if err != nil {
			if !driver.IsRecoverable(err) {
				return phases, err
			}
			c.logger.Warn("direct extraction failed", zap.String("leaf", leaf.Label), zap.Error(err))
			return phases, nil
		}
		if len(rows) > 0 {
			phases = append(phases, PhaseResult{Label: "", Rows: rows})
		}
	}
	return phases, nil
}

func (c *Controller) visitPhase(ctx context.Context, leaf *PanelSpec, i, count int) (phaseVisit, error) {
	scope, err := c.leafScope(ctx, leaf)
	if err != nil {
		return phaseVisit{}, err
	}
	buttons, err := c.phaseButtons(ctx, scope)
	if err != nil {
		return phaseVisit{}, err
	}
	// Growth is ignored; only the indices seen initially are visited.
	if len(buttons) < count || i >= len(buttons) {
		return phaseVisit{stop: true}, nil
	}
	button := buttons[i]

	label, err := c.d.ReadText(ctx, button)
	if err != nil {
		return phaseVisit{}, err
	}
	label = strings.TrimSpace(label)
	if label == "" || c.opts.reserved(label) {
		c.logger.Debug("skipping control button", zap.String("label", label))
		return phaseVisit{skipped: true}, nil
	}

	if err := c.d.ScrollIntoView(ctx, button); err != nil {
		if !driver.IsRecoverable(err) || errors.Is(err, driver.ErrStaleReference) {
			return phaseVisit{}, err
		}
		c.logger.Debug("scroll into view failed", zap.String("phase", label), zap.Error(err))
	}
	if err := activate(ctx, c.d, button, c.logger); err != nil {
		return phaseVisit{}, err
	}
	if err := driver.Sleep(ctx, c.opts.ActionDelay); err != nil {
		return phaseVisit{}, err
	}

	// The click may have re-rendered the leaf.
	scope, err = c.leafScope(ctx, leaf)
	if err != nil {
		return phaseVisit{}, err
	}
	rows, err := c.tables.extract(ctx, scope)
	if err != nil {
		return phaseVisit{}, err
	}
	c.logger.Info("phase extracted", zap.String("leaf", leaf.Label), zap.String("phase", label), zap.Int("rows", len(rows)))
	return phaseVisit{result: &PhaseResult{Label: label, Rows: rows}}, nil
}

// leafScope re-resolves the leaf chain and returns its content region.
func (c *Controller) leafScope(ctx context.Context, leaf *PanelSpec) (driver.Handle, error) {
	node, status, err := c.panels.resolve(ctx, leaf, c.opts.LocateTimeout)
	if err != nil {
		return nil, err
	}
	if status != Found {
		return nil, fmt.Errorf("%w: leaf %q (%s)", driver.ErrNotFound, leaf.Label, status)
	}
	return node.Content, nil
}

func (c *Controller) phaseButtons(ctx context.Context, scope driver.Handle) ([]driver.Handle, error) {
	return c.d.FindAll(ctx, driver.Selector{CSS: c.opts.Selectors.Phase, Visible: true}, scope)
}
