package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for log files.
const (
	maxSizeMB  = 20
	maxBackups = 3
	maxAgeDays = 14
)

// Options selects the handlers built by New.
type Options struct {
	// Console receives text records at Level. Nil disables console output.
	Console io.Writer
	// File, when set, receives every record at debug level as JSON in a
	// rotated file.
	File  string
	Level slog.Level
}

// New builds a logger from opts. The returned closer flushes and closes the
// log file, if any.
func New(opts Options) (*slog.Logger, io.Closer) {
	var hs []slog.Handler
	if opts.Console != nil {
		hs = append(hs, slog.NewTextHandler(opts.Console, &slog.HandlerOptions{
			Level: opts.Level,
		}))
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := RotatingFile(opts.File)
		closer = lj
		hs = append(hs, slog.NewJSONHandler(lj, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	switch len(hs) {
	case 0:
		return slog.New(slog.DiscardHandler), closer
	case 1:
		return slog.New(hs[0]), closer
	default:
		return slog.New(NewMultiHandler(hs...)), closer
	}
}

// RotatingFile returns a size-rotated writer for path. The file is opened
// lazily on first write.
func RotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
}

// OpenAppend opens path for appending, creating it and its directory as
// needed. Many processes may share the file: slog handlers issue one write
// per record, and O_APPEND keeps those writes whole. Nothing is rotated and
// no goroutine is started.
func OpenAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// LevelFor maps the CLI verbosity flags to a console level.
func LevelFor(verbose, quiet bool) slog.Level {
	switch {
	case verbose:
		return slog.LevelDebug
	case quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
