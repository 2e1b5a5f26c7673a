package traverse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"drawsnerd/internal/driver"
)

var (
	// ErrVerificationFailed means an activation raised no error but no
	// evidence of the expansion appeared.
	ErrVerificationFailed = errors.New("expansion not verified")
	// ErrRunInProgress is returned when Run is called while another run holds the session.
	ErrRunInProgress = errors.New("traversal already running")
	ErrInvalidPath   = errors.New("invalid target path")
)

// TargetPath addresses one leaf section. Subsection is carried for
// record-keeping only and is never navigated.
type TargetPath struct {
	Sport       string `json:"sport"`
	Competition string `json:"competition"`
	Section     string `json:"section"`
	Subsection  string `json:"subsection,omitempty"`
}

// Key identifies the path in facts and logs.
func (p TargetPath) Key() string {
	key := strings.Join([]string{p.Sport, p.Competition, p.Section}, "/")
	if p.Subsection != "" {
		key += " (" + p.Subsection + ")"
	}
	return key
}

func (p TargetPath) String() string {
	return strings.Join([]string{p.Sport, p.Competition, p.Section}, " > ")
}

// Validate rejects paths with an empty navigable segment.
func (p TargetPath) Validate() error {
	switch {
	case strings.TrimSpace(p.Sport) == "":
		return fmt.Errorf("%w: empty sport", ErrInvalidPath)
	case strings.TrimSpace(p.Competition) == "":
		return fmt.Errorf("%w: empty competition", ErrInvalidPath)
	case strings.TrimSpace(p.Section) == "":
		return fmt.Errorf("%w: empty section", ErrInvalidPath)
	}
	return nil
}

type NodeKind int

const (
	KindPanel NodeKind = iota
	KindLeaf
	KindPhaseButton
)

func (k NodeKind) String() string {
	switch k {
	case KindPanel:
		return "panel"
	case KindLeaf:
		return "leaf"
	case KindPhaseButton:
		return "phase_button"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is a resolved panel. It is valid for the step that resolved it only.
type Node struct {
	Label string
	Kind  NodeKind
	// Scope is the ancestor the node was searched under; nil means document-wide.
	Scope *Node
	// Handle is the clickable header.
	Handle driver.Handle
	// Content is the region the header controls. Nil when the header does not
	// name one, in which case searches below this node are document-wide.
	Content driver.Handle
}

type ExpansionState int

const (
	Collapsed ExpansionState = iota
	Expanding
	ExpandedUnverified
	Verified
	Failed
)

func (s ExpansionState) String() string {
	switch s {
	case Collapsed:
		return "collapsed"
	case Expanding:
		return "expanding"
	case ExpandedUnverified:
		return "expanded_unverified"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition follows s.
func (s ExpansionState) Terminal() bool {
	return s == Verified || s == Failed
}

// LocateStatus is the typed outcome of a locate call.
type LocateStatus int

const (
	Found LocateStatus = iota
	// NotFound means nothing matched when the wait ran out.
	NotFound
	// TimedOut means matching elements existed but none became interactable.
	TimedOut
)

func (s LocateStatus) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case TimedOut:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type PhaseResult struct {
	Label string     `json:"phase"`
	Rows  [][]string `json:"rows"`
}

// ErrorRecord is the serializable form of a path failure.
type ErrorRecord struct {
	Stage   Stage  `json:"stage"`
	Label   string `json:"label,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type PathResult struct {
	Path   TargetPath    `json:"path"`
	Phases []PhaseResult `json:"phases"`
	Error  *ErrorRecord  `json:"error,omitempty"`
}

// OK reports whether the path completed without error.
func (r PathResult) OK() bool { return r.Error == nil }

// RunResult is the collection produced by one Run.
type RunResult struct {
	ID         string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Paths      []PathResult `json:"paths"`
	// Stopped is set when the run ended before every path was attempted.
	Stopped bool `json:"stopped,omitempty"`
}

// Failed counts paths that carry an error.
func (r *RunResult) Failed() int {
	n := 0
	for _, p := range r.Paths {
		if !p.OK() {
			n++
		}
	}
	return n
}

// Stage names the part of a path where a failure happened.
type Stage string

const (
	StagePrepare   Stage = "prepare"
	StageExpand    Stage = "expand"
	StageEnumerate Stage = "enumerate"
	StageExtract   Stage = "extract"
	StageCollapse  Stage = "collapse"
)

// PathError scopes a failure to one path.
type PathError struct {
	Stage Stage
	Label string
	Err   error
}

func (e *PathError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Label, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Record flattens the error for results.
func (e *PathError) Record() *ErrorRecord {
	return &ErrorRecord{
		Stage:   e.Stage,
		Label:   e.Label,
		Kind:    ErrorKind(e.Err),
		Message: e.Err.Error(),
	}
}

// ErrorKind names the taxonomy class of err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, driver.ErrDriverFatal):
		return "driver_fatal"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, driver.ErrStaleReference):
		return "stale_reference"
	case errors.Is(err, driver.ErrInteractionBlocked):
		return "interaction_blocked"
	case errors.Is(err, driver.ErrTimeout):
		return "timeout"
	case errors.Is(err, driver.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPath):
		return "invalid_path"
	default:
		return "unknown"
	}
}
