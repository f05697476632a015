package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON lines for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level   LogLevel
	Format  LogFormat
	Service string // value of the "service" field, defaults to "parkdog-dm"

	// Output overrides stdout. Tests pass a buffer here.
	Output io.Writer
}

// NewLogger creates a structured logger.
//
// Every entry carries a timestamp, the caller and the service name so entries
// from the realtime server and the delivery worker can be told apart once they
// land in the same log store.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: LogFormatJSON})
//	logger.Info().
//	    Str("component", "realtime").
//	    Int("connections", 100).
//	    Msg("Server started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if config.Output != nil {
		output = config.Output
	}

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "parkdog-dm"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// LogErrorWithStack logs an error with stack trace.
//
// Use this for unexpected errors and recovered panics where the full call
// stack is needed.
func LogErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Use it as the first defer of every long-lived goroutine:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"conn_id": id})
//	    // ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
		RecordError("panic")
	}
}

// InitGlobalLogger initializes the global logger.
// Called once at process start.
func InitGlobalLogger(config LoggerConfig) zerolog.Logger {
	logger := NewLogger(config)
	log.Logger = logger
	return logger
}
