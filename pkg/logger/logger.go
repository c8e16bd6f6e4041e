package logger

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	File  string
	Level slog.Level
	// Console, when set, receives a text copy of every record.
	Console io.Writer

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger writes JSON records to a rotated log file.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// NewLogger creates the application logger.
func NewLogger(opts Options) *Logger {
	if opts.MaxSizeMB == 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays == 0 {
		opts.MaxAgeDays = 28
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler = slog.NewJSONHandler(file, hopts)
	if opts.Console != nil {
		handler = fanout{handler, slog.NewTextHandler(opts.Console, hopts)}
	}
	return &Logger{Logger: slog.New(handler), file: file}
}

func (l *Logger) Close() error {
	return l.file.Close()
}
