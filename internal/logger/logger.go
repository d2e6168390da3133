// Package logger provides structured logging for scoresync
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with scoresync-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string    // debug, info, warn, error
	Pretty bool      // pretty-print for development
	Output io.Writer // defaults to stdout
}

// ParseLevel maps a config level name onto a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new structured logger. Unlike a process-wide logger the
// level is set on the returned instance only, so independent loggers can coexist.
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "scoresync").
		Logger()

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// OrNop returns l, or a discarding logger when l is nil
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Component returns a logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", name).
			Logger(),
	}
}

// ConnLogger returns a logger for one websocket connection
func (l *Logger) ConnLogger(connID string, remote string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "hub").
			Str("conn_id", connID).
			Str("remote", remote).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC call. Failures are logged at warn
// since most are caller errors such as an unknown health service.
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Warn().Err(err)
	}
	event.Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogStateTransition logs a transport connection state change
func (l *Logger) LogStateTransition(from, to string, attempts int, err error) {
	event := l.zlog.Info().
		Str("component", "transport").
		Str("from", from).
		Str("to", to).
		Int("reconnect_attempts", attempts)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("Connection state changed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(addr string, grpcAddr string, metricsAddr string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Str("grpc_addr", grpcAddr).
		Str("metrics_addr", metricsAddr).
		Msg("scoresync relay starting")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("scoresync relay shutting down")
}
