// Package log provides structured logging utilities for the gompminer client.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// ConnIDKey is the context key under which the client stores the current connection id.
const ConnIDKey ctxKey = "conn_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger carrying the connection id stored in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if connID := ctx.Value(ConnIDKey); connID != nil {
		return l.WithFields("conn_id", connID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger with pool endpoint and identity fields
func (l *Logger) WithPool(addr, identity string) *Logger {
	return l.WithFields("pool", addr, "identity", identity)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, cleanJobs bool) *Logger {
	return l.WithFields("job_id", jobID, "clean_jobs", cleanJobs)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(shareID, jobID string) *Logger {
	return l.WithFields("share_id", shareID, "job_id", jobID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStateChange logs a connection state transition
func (l *Logger) LogStateChange(from, to string) {
	l.Info("state changed",
		"from", from,
		"to", to,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogJobReceived logs a mining.notify that replaced the current job
func (l *Logger) LogJobReceived(jobID string, cleanJobs bool, branches int) {
	l.Info("job received",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"merkle_branches", branches,
	)
}

// LogShareResult logs the pool's verdict on a submitted share
func (l *Logger) LogShareResult(jobID, nonce string, difficulty float64, status string, latency time.Duration) {
	l.Info("share result",
		"job_id", jobID,
		"nonce", nonce,
		"difficulty", difficulty,
		"status", status,
		"latency_ms", latency.Milliseconds(),
	)
}

// LogHashrate logs a hashrate sample
func (l *Logger) LogHashrate(hashesPerSecond float64, workers int) {
	l.Info("hashrate",
		"hashes_per_sec", hashesPerSecond,
		"workers", workers,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration time.Duration) {
	throughput := 0.0
	if duration > 0 {
		throughput = float64(count) / duration.Seconds()
	}
	l.Debug("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ms", duration.Milliseconds(),
		"throughput_ops_sec", throughput,
	)
}
