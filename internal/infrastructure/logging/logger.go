package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

const (
	serviceName = "graylogic-mesh"
	redacted    = "[REDACTED]"
	logFileMode = 0o640
)

// secretKeys are attribute keys whose values never reach the output.
var secretKeys = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"api_key":  true,
}

// Logger is the controller's structured logger. The embedded *slog.Logger
// carries service and version on every record.
//
// *Logger satisfies the narrow Logger interfaces of the mesh, meshgw,
// audit, bridge and mqtt packages.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a logger from the logging config section. Output "file"
// appends to logging.file.path; rotation is left to logrotate with
// copytruncate.
func New(cfg config.LoggingConfig, version string) (*Logger, error) {
	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}
	return newLogger(out, cfg, version), nil
}

func openOutput(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("logging: output file requires logging.file.path")
		}
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode)
		if err != nil {
			return nil, fmt.Errorf("logging: opening %s: %w", cfg.File.Path, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}
}

func newLogger(out io.Writer, cfg config.LoggingConfig, version string) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		Logger: slog.New(h).With("service", serviceName, "version", version),
		level:  level,
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// ParseLevel maps debug, info, warn (or warning) and error onto slog
// levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// SetLevel changes the minimum level at runtime. Loggers derived with With
// share the change.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// With returns a child logger carrying args on every record.
//
//	gwLog := log.With("component", "meshgw")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Default is the logger used before the config file is read: JSON on
// stdout at info.
func Default() *Logger {
	return newLogger(os.Stdout, config.LoggingConfig{}, "dev")
}
