// Package logger provides structured logging for the application.
//
// It configures a log/slog JSON handler from the server configuration and
// carries request- and attempt-scoped loggers through context.Context.
package logger
