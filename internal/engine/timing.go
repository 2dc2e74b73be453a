package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wrapforge/fieldflow/internal/gateway"
	"github.com/wrapforge/fieldflow/internal/observability"
	"github.com/wrapforge/fieldflow/model"
)

// TimingSignaler sends advisory timing signals to the backend.
type TimingSignaler interface {
	SignalTiming(ctx context.Context, stepID string, action gateway.TimingAction) error
}

// TimingDiagnostic is one swallowed timing failure. Timing inaccuracy must
// never block workflow progression, so these flow to a side channel instead
// of the caller.
type TimingDiagnostic struct {
	StageID string
	Action  gateway.TimingAction
	Err     error
	At      time.Time
}

// TimingDiagnostics receives swallowed timing failures.
type TimingDiagnostics interface {
	RecordTimingFailure(d TimingDiagnostic)
}

// DiagnosticsBuffer is a bounded in-memory TimingDiagnostics sink. When full,
// the oldest entry is dropped.
type DiagnosticsBuffer struct {
	mu      sync.Mutex
	entries []TimingDiagnostic
	limit   int
}

// NewDiagnosticsBuffer creates a buffer holding at most limit entries.
func NewDiagnosticsBuffer(limit int) *DiagnosticsBuffer {
	if limit < 1 {
		limit = 64
	}
	return &DiagnosticsBuffer{limit: limit}
}

// RecordTimingFailure implements TimingDiagnostics.
func (b *DiagnosticsBuffer) RecordTimingFailure(d TimingDiagnostic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == b.limit {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, d)
}

// Drain returns and clears the buffered diagnostics.
func (b *DiagnosticsBuffer) Drain() []TimingDiagnostic {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

// TimingRecorder signals per-stage work-time intent (start/pause/resume) to
// the backend. Authoritative duration is computed server-side at stage
// completion; the recorder only signals, and every failure is swallowed into
// the diagnostics sink.
type TimingRecorder struct {
	signaler TimingSignaler
	sink     TimingDiagnostics
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewTimingRecorder creates a recorder. sink and metrics may be nil.
func NewTimingRecorder(signaler TimingSignaler, sink TimingDiagnostics, logger *zap.Logger, metrics *observability.Metrics) *TimingRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimingRecorder{
		signaler: signaler,
		sink:     sink,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start signals that work on a stage has begun.
func (t *TimingRecorder) Start(ctx context.Context, stageID string) {
	t.signal(ctx, stageID, gateway.TimingStart)
}

// Pause signals that work on a stage is paused.
func (t *TimingRecorder) Pause(ctx context.Context, stageID string) {
	t.signal(ctx, stageID, gateway.TimingPause)
}

// Resume signals that work on a stage has resumed.
func (t *TimingRecorder) Resume(ctx context.Context, stageID string) {
	t.signal(ctx, stageID, gateway.TimingResume)
}

func (t *TimingRecorder) signal(ctx context.Context, stageID string, action gateway.TimingAction) {
	if t.signaler == nil {
		return
	}
	err := t.signaler.SignalTiming(ctx, stageID, action)
	if err == nil {
		return
	}

	t.logger.Warn("timing signal failed",
		zap.String("stage_id", stageID),
		zap.String("action", string(action)),
		zap.String("code", model.AsEnvelope(err).Code),
	)
	if t.metrics != nil {
		t.metrics.RecordTimingSignalFailure(string(action))
	}
	if t.sink != nil {
		t.sink.RecordTimingFailure(TimingDiagnostic{
			StageID: stageID,
			Action:  action,
			Err:     err,
			At:      time.Now(),
		})
	}
}
