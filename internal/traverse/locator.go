package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"drawsnerd/internal/config"
	"drawsnerd/internal/driver"
)

// Locator resolves labeled panel headers to live nodes.
type Locator struct {
	d      driver.Driver
	sel    config.SelectorConfig
	logger *zap.Logger
}

func NewLocator(d driver.Driver, sel config.SelectorConfig, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{d: d, sel: sel, logger: logger}
}

// Locate waits up to timeout for a visible header whose text contains label
// inside scope's content. Running out of time is reported through the status,
// not the error; the error is reserved for fatal and context failures.
func (l *Locator) Locate(ctx context.Context, label string, kind NodeKind, scope *Node, timeout time.Duration) (*Node, LocateStatus, error) {
	var root driver.Handle
	if scope != nil {
		root = scope.Content
	}
	sel := driver.Selector{CSS: l.sel.Header, Contains: label, Visible: true}

	found, err := l.d.WaitUntil(ctx, timeout, driver.AnyMatch(l.d, sel, root))
	if err != nil {
		if errors.Is(err, driver.ErrTimeout) {
			return nil, l.classifyMiss(ctx, sel, root), nil
		}
		return nil, NotFound, err
	}

	h, err := l.pick(ctx, found, label)
	if err != nil {
		return nil, NotFound, err
	}
	content, err := l.content(ctx, h, label)
	if err != nil {
		return nil, NotFound, err
	}

	if err := l.d.ScrollIntoView(ctx, h); err != nil {
		if !driver.IsRecoverable(err) {
			return nil, NotFound, err
		}
		l.logger.Debug("scroll into view failed", zap.String("label", label), zap.Error(err))
	}

	return &Node{Label: label, Kind: kind, Scope: scope, Handle: h, Content: content}, Found, nil
}

// classifyMiss tells "never rendered" apart from "rendered but not interactable".
func (l *Locator) classifyMiss(ctx context.Context, sel driver.Selector, root driver.Handle) LocateStatus {
	sel.Visible = false
	present, err := l.d.FindAll(ctx, sel, root)
	if err == nil && len(present) > 0 {
		return TimedOut
	}
	return NotFound
}

// pick prefers a header whose whole text equals label, so "Premier League"
// does not resolve to "Premier League 2" when both are visible.
func (l *Locator) pick(ctx context.Context, found []driver.Handle, label string) (driver.Handle, error) {
	if len(found) == 1 {
		return found[0], nil
	}
	for _, h := range found {
		text, err := l.d.ReadText(ctx, h)
		if err != nil {
			if !driver.IsRecoverable(err) {
				return nil, err
			}
			continue
		}
		if strings.TrimSpace(text) == label {
			return h, nil
		}
	}
	return found[0], nil
}

// content follows the header's scope attribute to the region it controls.
func (l *Locator) content(ctx context.Context, h driver.Handle, label string) (driver.Handle, error) {
	id, ok, err := l.d.ReadAttribute(ctx, h, l.sel.ScopeAttribute)
	if err != nil {
		if !driver.IsRecoverable(err) {
			return nil, err
		}
		ok = false
	}
	if !ok || id == "" {
		l.logger.Warn("header names no content region, searching document-wide",
			zap.String("label", label), zap.String("attribute", l.sel.ScopeAttribute))
		return nil, nil
	}

	regions, err := l.d.FindAll(ctx, driver.Selector{CSS: fmt.Sprintf("[id=%q]", id)}, nil)
	if err != nil {
		if !driver.IsRecoverable(err) {
			return nil, err
		}
		regions = nil
	}
	if len(regions) == 0 {
		l.logger.Warn("content region missing, searching document-wide",
			zap.String("label", label), zap.String("id", id))
		return nil, nil
	}
	return regions[0], nil
}
