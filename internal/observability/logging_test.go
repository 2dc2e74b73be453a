package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wrapforge/fieldflow/internal/config"
	"github.com/wrapforge/fieldflow/model"
)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestNewLogger_levels(t *testing.T) {
	cases := []struct {
		level string
		wantE bool // logs at error level
		wantD bool // logs at debug level
	}{
		{"debug", true, true},
		{"info", true, false},
		{"error", true, false},
		{"bogus", true, false}, // falls back to info
	}

	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tc.level})
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", tc.level, err)
			}
			if got := logger.Core().Enabled(zapcore.ErrorLevel); got != tc.wantE {
				t.Errorf("Enabled(error) = %v, want %v", got, tc.wantE)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tc.wantD {
				t.Errorf("Enabled(debug) = %v, want %v", got, tc.wantD)
			}
		})
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom without a stored logger should return the fallback")
	}

	stored := zap.NewNop()
	ctx := WithLogger(context.Background(), stored)
	if got := LoggerFrom(ctx, fallback); got != stored {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestRequestLogger_enrichesFromRequestContext(t *testing.T) {
	core, observed := newObservedLogger()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TechnicianID:  "tech-7",
		WorkshopID:    "shop-1",
		CorrelationID: "corr-1",
	})

	RequestLogger(ctx, core).Info("handled")

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["technician_id"] != "tech-7" {
		t.Errorf("technician_id = %v", fields["technician_id"])
	}
	if fields["workshop_id"] != "shop-1" {
		t.Errorf("workshop_id = %v", fields["workshop_id"])
	}
	if fields["correlation_id"] != "corr-1" {
		t.Errorf("correlation_id = %v", fields["correlation_id"])
	}
}

func TestRequestLogger_withoutRequestContext(t *testing.T) {
	core, observed := newObservedLogger()
	RequestLogger(context.Background(), core).Info("handled")

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if len(entries[0].Context) != 0 {
		t.Errorf("fields = %v, want none without a RequestContext", entries[0].ContextMap())
	}
}
