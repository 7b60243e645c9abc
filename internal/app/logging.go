package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/skobkin/tracetop/internal/config"
)

// DefaultLogFile receives logs while the terminal UI owns the screen.
const DefaultLogFile = "tracetop.log"

// Interactive reports whether both in and out are terminals, which the
// terminal UI requires.
func Interactive(in, out *os.File) bool {
	return isTerminal(in) && isTerminal(out)
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// OpenLogger returns the logger for cfg. The terminal UI logs to a file so
// the screen is not corrupted; headless mode logs to stderr unless a file
// is configured. The returned function closes the file, if any.
func OpenLogger(cfg config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	path := cfg.LogFile
	if path == "" && !cfg.NoUI {
		path = DefaultLogFile
	}
	if path == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), func() error { return nil }, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, opts)), f.Close, nil
}
