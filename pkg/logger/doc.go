// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package, switching to JSON output in
// production, and carries request scoped loggers through a context.
package logger
