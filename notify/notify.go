// Package notify carries user-facing notices. Every failure the client
// surfaces goes through a Notifier; renderers decide how a notice looks.
package notify

import "log/slog"

// Level classifies a notice.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notice is one dismissible user-facing message.
type Notice struct {
	Level   Level
	Message string
}

// Notifier receives notices. Implementations must be safe for concurrent
// use - timers and realtime handlers publish from their own goroutines.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to the Notifier interface.
type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Log is a Notifier that writes notices to the default slog logger. It is
// the fallback surface when no renderer is attached.
type Log struct{}

func (Log) Notify(n Notice) {
	switch n.Level {
	case Error:
		slog.Error("notice", "message", n.Message)
	case Warning:
		slog.Warn("notice", "message", n.Message)
	default:
		slog.Info("notice", "message", n.Message)
	}
}
