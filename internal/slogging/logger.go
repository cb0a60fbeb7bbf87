package slogging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging verbosity
type LogLevel int

const (
	// LogLevelDebug includes detailed debug information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo includes general request information
	LogLevelInfo
	// LogLevelWarn includes warnings and errors only
	LogLevelWarn
	// LogLevelError includes only errors
	LogLevelError
)

var (
	globalLogger *Logger
	// Default log file location
	defaultLogDir = "logs"
)

// SimpleLogger defines the basic logging interface used across the app
type SimpleLogger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Logger is the slog-based logging component
type Logger struct {
	slogger    *slog.Logger
	level      LogLevel
	isDev      bool
	fileLogger *lumberjack.Logger
}

// Config holds configuration options for the logger
type Config struct {
	// Level is the minimum log level to output
	Level LogLevel
	// IsDev selects the text handler (easier to read) over JSON
	IsDev bool
	// LogDir is the directory to store log files
	LogDir string
	// MaxAgeDays is the maximum number of days to retain logs
	MaxAgeDays int
	// MaxSizeMB is the maximum size of a log file in MB before rotation
	MaxSizeMB int
	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int
	// AlsoLogToConsole controls if logs also go to stdout
	AlsoLogToConsole bool
}

// ParseLogLevel converts a string log level to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) toSlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SanitizeLogMessage strips newlines and carriage returns from a message to
// prevent log injection attacks (CWE-117).
func SanitizeLogMessage(message string) string {
	message = strings.ReplaceAll(message, "\n", "\\n")
	message = strings.ReplaceAll(message, "\r", "\\r")
	return message
}

// NewLogger creates a new slog-based logger instance
func NewLogger(config Config) (*Logger, error) {
	if config.LogDir == "" {
		config.LogDir = defaultLogDir
	}
	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = 7
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 100
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 10
	}

	if err := os.MkdirAll(config.LogDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir, "collab.log"),
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   true,
	}

	var writer io.Writer
	if config.AlsoLogToConsole {
		writer = io.MultiWriter(os.Stdout, fileLogger)
	} else {
		writer = fileLogger
	}

	handlerOpts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if config.IsDev {
		handler = slog.NewTextHandler(writer, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	}

	return &Logger{
		slogger:    slog.New(handler),
		level:      config.Level,
		isDev:      config.IsDev,
		fileLogger: fileLogger,
	}, nil
}

// Initialize sets up the global logger
func Initialize(config Config) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	slog.SetDefault(logger.slogger)
	return nil
}

// Get returns the global logger instance, initializing with defaults if needed
func Get() *Logger {
	if globalLogger == nil {
		logDir := os.Getenv("COLLAB_LOG_DIR")
		if logDir == "" {
			logDir = defaultLogDir
		}
		err := Initialize(Config{
			Level:            LogLevelInfo,
			IsDev:            false,
			LogDir:           logDir,
			MaxAgeDays:       7,
			AlsoLogToConsole: true,
		})
		if err != nil {
			// Fall back to a plain console logger
			handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})
			globalLogger = &Logger{
				slogger: slog.New(handler),
				level:   LogLevelInfo,
			}
		}
	}
	return globalLogger
}

// Close properly closes the logger
func (l *Logger) Close() error {
	if l.fileLogger != nil {
		return l.fileLogger.Close()
	}
	return nil
}

// Debug logs a debug-level message.
// Log messages are sanitized to prevent log injection attacks (CWE-117)
func (l *Logger) Debug(format string, args ...any) {
	if l.level > LogLevelDebug {
		return
	}
	l.slogger.Debug(SanitizeLogMessage(formatMessage(format, args)))
}

// Info logs an info-level message
func (l *Logger) Info(format string, args ...any) {
	if l.level > LogLevelInfo {
		return
	}
	l.slogger.Info(SanitizeLogMessage(formatMessage(format, args)))
}

// Warn logs a warning-level message
func (l *Logger) Warn(format string, args ...any) {
	if l.level > LogLevelWarn {
		return
	}
	l.slogger.Warn(SanitizeLogMessage(formatMessage(format, args)))
}

// Error logs an error-level message
func (l *Logger) Error(format string, args ...any) {
	if l.level > LogLevelError {
		return
	}
	l.slogger.Error(SanitizeLogMessage(formatMessage(format, args)))
}

func formatMessage(format string, args []any) string {
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

// DebugCtx logs a debug message with context and structured attributes
func (l *Logger) DebugCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelDebug, SanitizeLogMessage(msg), attrs...)
}

// InfoCtx logs an info message with context and structured attributes
func (l *Logger) InfoCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelInfo, SanitizeLogMessage(msg), attrs...)
}

// WarnCtx logs a warning message with context and structured attributes
func (l *Logger) WarnCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelWarn, SanitizeLogMessage(msg), attrs...)
}

// ErrorCtx logs an error message with context and structured attributes
func (l *Logger) ErrorCtx(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.slogger.LogAttrs(ctx, slog.LevelError, SanitizeLogMessage(msg), attrs...)
}

// GetSlogger returns the underlying slog.Logger for advanced usage
func (l *Logger) GetSlogger() *slog.Logger {
	return l.slogger
}
