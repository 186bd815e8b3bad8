package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat defines the output format for logs
type LogFormat string

const (
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
	FormatText    LogFormat = "text"
)

// StructuredLogger provides structured logging with levels and fields on top of zerolog
type StructuredLogger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level  LogLevel
	Format LogFormat

	// Output wins over File when both are set
	Output io.Writer
	File   string

	IncludeCaller bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:  INFO,
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}

	var closer io.Closer
	output := config.Output
	if output == nil && config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, closer = file, file
	}
	if output == nil {
		output = os.Stderr
	}

	switch LogFormat(strings.ToLower(string(config.Format))) {
	case FormatConsole:
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	case FormatText:
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}
	case FormatJSON, "":
	default:
		return nil, fmt.Errorf("unknown log format: %s", config.Format)
	}

	ctx := zerolog.New(output).Level(config.Level.zerolog()).With().Timestamp()
	if config.IncludeCaller {
		ctx = ctx.CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 2)
	}

	return &StructuredLogger{zl: ctx.Logger(), closer: closer}, nil
}

// NopLogger returns a logger that discards everything
func NopLogger() *StructuredLogger {
	return &StructuredLogger{zl: zerolog.Nop()}
}

// NewFromZerolog wraps an existing zerolog logger
func NewFromZerolog(zl zerolog.Logger) *StructuredLogger {
	return &StructuredLogger{zl: zl}
}

// Zerolog exposes the underlying zerolog logger
func (sl *StructuredLogger) Zerolog() zerolog.Logger {
	return sl.zl
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return &StructuredLogger{zl: sl.zl.With().Interface(key, value).Logger(), closer: sl.closer}
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return &StructuredLogger{zl: sl.zl.With().Fields(fields).Logger(), closer: sl.closer}
}

// WithComponent returns a new logger tagged with a component name
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{zl: sl.zl.With().Str("component", component).Logger(), closer: sl.closer}
}

// SetLevel changes the minimum level of this logger
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.zl = sl.zl.Level(level.zerolog())
}

// GetLevel returns the minimum level of this logger
func (sl *StructuredLogger) GetLevel() LogLevel {
	return fromZerolog(sl.zl.GetLevel())
}

func (sl *StructuredLogger) log(event *zerolog.Event, message string, fieldMaps []map[string]interface{}) {
	if event == nil {
		return
	}
	for _, fields := range fieldMaps {
		if len(fields) > 0 {
			event = event.Fields(fields)
		}
	}
	event.Msg(message)
}

// Trace logs a trace message
func (sl *StructuredLogger) Trace(message string, fields ...map[string]interface{}) {
	sl.log(sl.zl.Trace(), message, fields)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(sl.zl.Debug(), message, fields)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(sl.zl.Info(), message, fields)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(sl.zl.Warn(), message, fields)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(sl.zl.Error(), message, fields)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.zl.Debug().Msgf(format, args...)
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.zl.Info().Msgf(format, args...)
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.zl.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.zl.Error().Msgf(format, args...)
}

// Close closes the log file, if the logger opened one
func (sl *StructuredLogger) Close() error {
	if sl.closer != nil {
		return sl.closer.Close()
	}
	return nil
}
