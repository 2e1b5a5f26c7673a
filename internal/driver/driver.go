// Package driver defines the UI automation capability the traversal core is
// written against. Any backend that can find elements, wait on them, activate
// them and read their text satisfies it: a live Chrome page over Rod, or a
// static HTML capture replayed through goquery.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means no element matched within the search scope.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout means a bounded wait elapsed before its condition held.
	ErrTimeout = errors.New("wait timed out")
	// ErrInteractionBlocked means a pointer activation was intercepted,
	// typically by an overlay covering the target.
	ErrInteractionBlocked = errors.New("interaction blocked")
	// ErrStaleReference means the handle no longer maps to a live element.
	ErrStaleReference = errors.New("stale element reference")
	// ErrDriverFatal means the automation session itself is unusable.
	ErrDriverFatal = errors.New("automation session unusable")
)

// Selector describes which elements FindAll returns.
type Selector struct {
	// CSS selector evaluated against the scope's descendants.
	CSS string `json:"css"`
	// Contains keeps only elements whose visible text contains this value
	// (case-sensitive). Empty matches everything.
	Contains string `json:"contains,omitempty"`
	// Visible keeps only rendered elements.
	Visible bool `json:"visible,omitempty"`
}

func (s Selector) String() string {
	out := s.CSS
	if s.Contains != "" {
		out += fmt.Sprintf(" ~%q", s.Contains)
	}
	if s.Visible {
		out += " :visible"
	}
	return out
}

// Handle is an opaque reference to one live element. Handles are only valid
// for the step that produced them; callers re-query instead of caching.
type Handle interface {
	ID() string
}

// Probe inspects the live tree once. It returns the handles it found and
// whether the awaited condition holds.
type Probe func(ctx context.Context) ([]Handle, bool, error)

// Driver is the capability surface of one exclusive automation session.
// Implementations are not required to be safe for concurrent use; the
// traversal controller serializes every call.
type Driver interface {
	// FindAll returns the elements matching sel under scope, in document
	// order. A nil scope searches the whole document. No match is an empty
	// slice, not an error.
	FindAll(ctx context.Context, sel Selector, scope Handle) ([]Handle, error)
	// WaitUntil re-runs probe until it reports true or timeout elapses, in
	// which case it returns ErrTimeout.
	WaitUntil(ctx context.Context, timeout time.Duration, probe Probe) ([]Handle, error)
	// Activate simulates a pointer click on h.
	Activate(ctx context.Context, h Handle) error
	// ActivateProgrammatic dispatches a click without pointer hit-testing,
	// bypassing anything that occludes h.
	ActivateProgrammatic(ctx context.Context, h Handle) error
	ReadText(ctx context.Context, h Handle) (string, error)
	// ReadAttribute returns the attribute value and whether it is present.
	ReadAttribute(ctx context.Context, h Handle, name string) (string, bool, error)
	ScrollIntoView(ctx context.Context, h Handle) error
	// Snapshot captures the current visual state under label and returns an
	// opaque reference to it.
	Snapshot(ctx context.Context, label string) (string, error)
}

// Sleeper pauses between probe rounds. It returns early with ctx's error.
type Sleeper func(ctx context.Context) error

// FixedSleeper waits d between rounds.
func FixedSleeper(d time.Duration) Sleeper {
	return func(ctx context.Context) error {
		return Sleep(ctx, d)
	}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollUntil is the wait loop shared by backends. The probe always runs at
// least once, so a condition that already holds never waits. Probe errors
// wrapping ErrDriverFatal abort immediately; other probe errors are treated
// as "not yet" because the tree is expected to be mid-render.
func PollUntil(ctx context.Context, timeout time.Duration, sleep Sleeper, probe Probe) ([]Handle, error) {
	if sleep == nil {
		sleep = FixedSleeper(100 * time.Millisecond)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		found, ok, err := probe(waitCtx)
		switch {
		case err != nil && errors.Is(err, ErrDriverFatal):
			return nil, err
		case err != nil:
			lastErr = err
		case ok:
			return found, nil
		}

		if err := sleep(waitCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %s (last error: %v)", ErrTimeout, timeout, lastErr)
			}
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	}
}

// AnyMatch builds a probe that holds once FindAll returns at least one element.
func AnyMatch(d Driver, sel Selector, scope Handle) Probe {
	return func(ctx context.Context) ([]Handle, bool, error) {
		found, err := d.FindAll(ctx, sel, scope)
		if err != nil {
			return nil, false, err
		}
		return found, len(found) > 0, nil
	}
}

// IsRecoverable reports whether err belongs to the locally recoverable part
// of the taxonomy. Everything except ErrDriverFatal and context errors is.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrDriverFatal) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
