// Package log initializes structured logging for the dispatcher and
// daemon worker processes using slog, with optional rotation to a file
// via lumberjack.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"icc.tech/taskmesh/internal/config"
)

// Init initializes the global slog logger from config and returns it.
// It also sets slog's package-level default so library code that calls
// slog.Info/slog.Error directly picks it up.
func Init(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create log writer: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// createWriter builds the output writer for cfg. stdout is always
// included; a rotating file writer is added when cfg.File.Enabled.
func createWriter(cfg config.LogConfig) (io.Writer, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.File.Enabled {
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("log.file.path is required when log.file.enabled")
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}
