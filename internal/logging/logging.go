// Package logging builds the process logger: JSON records on stdout, optionally
// mirrored into a size-rotated file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/forsitet/fwbot/internal/config"
)

// New returns a logger and a closer for the rotated file, if any.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		file := newRotatingFile(cfg)
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	return slog.New(handler), closer
}

func newRotatingFile(cfg config.LogConfig) *lumberjack.Logger {
	l := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   false,
	}
	if cfg.MaxSize > 0 {
		l.MaxSize = cfg.MaxSize
	}
	if cfg.MaxBackups > 0 {
		l.MaxBackups = cfg.MaxBackups
	}
	if cfg.MaxAge > 0 {
		l.MaxAge = cfg.MaxAge
	}
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
