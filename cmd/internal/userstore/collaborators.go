package userstore

import (
	"log/slog"
	"time"
)

// Clock is the store's only source of wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Notifier shows short user-facing messages. Implementations must not
// block for long: they are called after a transaction commits.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string)   {}

// LogNotifier writes messages to a structured logger.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Success(msg string) { n.logger().Info("notify.success", "message", msg) }
func (n LogNotifier) Error(msg string)   { n.logger().Warn("notify.error", "message", msg) }

func (n LogNotifier) logger() *slog.Logger {
	if n.Log == nil {
		return slog.Default()
	}
	return n.Log
}

// IdentityProvider exposes the signed-in user's id, when there is one.
type IdentityProvider interface {
	CurrentUserID() (string, bool)
}
