// Package logx is a thin zerolog wrapper shared by all components.
//
// It exposes a value-type Logger with slog-like field helpers and a Service
// that owns the sinks (console, file) so the log configuration can be
// re-applied at runtime without re-plumbing loggers through the app.
package logx
