// Package diagnostics captures labeled snapshots when a traversal step fails.
// Capturing is best effort: nothing here returns an error to the caller.
package diagnostics

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"drawsnerd/internal/driver"
	"drawsnerd/internal/recorder"
)

const defaultCaptureTimeout = 5 * time.Second

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// AttemptRecord is written once per capture and never read by control logic.
type AttemptRecord struct {
	Context     string    `json:"context"`
	Attempt     int       `json:"attempt"`
	SnapshotRef string    `json:"snapshot_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

type Options struct {
	Enabled  bool
	Timeout  time.Duration
	Recorder *recorder.Recorder
	Logger   *zap.Logger
}

// Sink snapshots the driver's current state under a namespaced label.
type Sink struct {
	d       driver.Driver
	opts    Options
	logger  *zap.Logger
	mu      sync.Mutex
	records []AttemptRecord
}

func NewSink(d driver.Driver, opts Options) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCaptureTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{d: d, opts: opts, logger: logger.Named("diagnostics")}
}

// Capture snapshots under a label built from the context labels and the
// attempt number, and returns the snapshot reference. An empty reference
// means the capture was disabled or failed.
func (s *Sink) Capture(ctx context.Context, attempt int, labels ...string) string {
	if s == nil || !s.opts.Enabled || s.d == nil {
		return ""
	}

	namespace := Namespace(labels...)
	label := fmt.Sprintf("%s__attempt%d_%s", namespace, attempt, uuid.NewString()[:8])

	// Failures usually happen under a deadline that has already fired.
	captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	rec := AttemptRecord{Context: namespace, Attempt: attempt, CapturedAt: time.Now()}
	ref, err := s.d.Snapshot(captureCtx, label)
	if err != nil {
		rec.Error = err.Error()
		s.logger.Warn("snapshot failed", zap.String("label", label), zap.Error(err))
	} else {
		rec.SnapshotRef = ref
		s.logger.Info("snapshot captured", zap.String("label", label), zap.String("ref", ref))
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	s.opts.Recorder.Log(recorder.EventAttempt, rec)

	return rec.SnapshotRef
}

// Records returns every attempt captured so far.
func (s *Sink) Records() []AttemptRecord {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AttemptRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Reset drops the recorded attempts, typically at the start of a run.
func (s *Sink) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
}

// Namespace joins labels into a filesystem-safe identifier.
func Namespace(labels ...string) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(l), "_"), "_")
		if l != "" {
			parts = append(parts, l)
		}
	}
	if len(parts) == 0 {
		return "root"
	}
	return strings.Join(parts, "__")
}
