// Package alerts delivers operational alerts and per-operation tracking
// for operator calls. Every implementation is fire-and-forget: a failing or
// panicking sink never affects the call that raised the alert.
package alerts

import (
	"context"
	"log/slog"
	"time"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alerter raises an alert.
type Alerter interface {
	Alert(ctx context.Context, level Level, message string, details map[string]any)
}

// Tracker records the outcome of one operator operation.
type Tracker interface {
	TrackOperation(operator, operation string, duration time.Duration, success bool)
}

// Nop discards alerts and tracking.
type Nop struct{}

func (Nop) Alert(context.Context, Level, string, map[string]any) {}
func (Nop) TrackOperation(string, string, time.Duration, bool)   {}

// LogAlerter writes alerts to a structured logger.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs at error for critical alerts and warn otherwise.
func (a *LogAlerter) Alert(ctx context.Context, level Level, message string, details map[string]any) {
	args := make([]any, 0, 2+2*len(details))
	args = append(args, "level", string(level))
	for k, v := range details {
		args = append(args, k, v)
	}
	switch level {
	case LevelCritical:
		a.logger.ErrorContext(ctx, "ALERT: "+message, args...)
	case LevelWarning:
		a.logger.WarnContext(ctx, "ALERT: "+message, args...)
	default:
		a.logger.InfoContext(ctx, "alert: "+message, args...)
	}
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

// Alert delivers to each alerter, recovering from any panic.
func (m Multi) Alert(ctx context.Context, level Level, message string, details map[string]any) {
	for _, a := range m {
		Safe(a).Alert(ctx, level, message, details)
	}
}

// Safe wraps a so that a panic inside it is swallowed.
func Safe(a Alerter) Alerter {
	if a == nil {
		return Nop{}
	}
	return safeAlerter{a}
}

type safeAlerter struct{ inner Alerter }

func (s safeAlerter) Alert(ctx context.Context, level Level, message string, details map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alerter panicked", "panic", r, "message", message)
		}
	}()
	s.inner.Alert(ctx, level, message, details)
}

// SafeTracker wraps t so that a panic inside it is swallowed.
func SafeTracker(t Tracker) Tracker {
	if t == nil {
		return Nop{}
	}
	return safeTracker{t}
}

type safeTracker struct{ inner Tracker }

func (s safeTracker) TrackOperation(operator, operation string, duration time.Duration, success bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tracker panicked", "panic", r, "operator", operator, "operation", operation)
		}
	}()
	s.inner.TrackOperation(operator, operation, duration, success)
}
