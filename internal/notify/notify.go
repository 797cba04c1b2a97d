// Package notify delivers user-facing alerts about job activity.
package notify

import (
	"context"
	"log/slog"
)

// Alert is a short user-facing message about a job.
type Alert struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	JobID string `json:"job_id,omitempty"`
	Error bool   `json:"error"`
}

// Notifier delivers alerts. Notify must not block on slow delivery.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if a.Error {
		level = slog.LevelWarn
	}
	l.Log(ctx, level, "alert", "title", a.Title, "text", a.Text, "job_id", a.JobID)
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, a)
		}
	}
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, a Alert)

func (f Func) Notify(ctx context.Context, a Alert) { f(ctx, a) }
