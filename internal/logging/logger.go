package logging

import (
	"io"
	"log/slog"
)

// New builds the root logger for an engine instance, writing pretty,
// colorized output to w. Every subsystem logger is derived from this one
// via Component so a single root ties them all to one handler instance.
func New(w io.Writer, opts *PrettyHandlerOptions) *slog.Logger {
	return slog.New(NewPrettyHandler(w, opts))
}

// Component tags every record emitted through the returned logger with
// component=name, so multiplexed output from the picker, disk queue,
// peers, and tracker can be told apart at a glance.
func Component(root *slog.Logger, name string) *slog.Logger {
	return root.With(slog.String("component", name))
}

// Swarm further tags a component logger with the swarm (info-hash hex)
// it belongs to, for processes running more than one swarm at a time.
func Swarm(component *slog.Logger, infoHashHex string) *slog.Logger {
	return component.With(slog.String("swarm", infoHashHex))
}
