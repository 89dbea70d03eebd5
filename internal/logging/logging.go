// Package logging builds the process-wide slog logger: colorized tint output
// on terminals, JSON lines everywhere else.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto   = "auto"
	FormatPretty = "pretty"
	FormatJSON   = "json"
)

// Config holds logging configuration
type Config struct {
	// Level is debug, info, warn or error (default: info)
	Level string
	// Format is auto, pretty or json (default: auto)
	Format    string
	AddSource bool
}

// New builds a logger writing to w. A nil w means os.Stdout.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	tty := isTerminal(w)
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "", FormatAuto:
		format = FormatJSON
		if tty {
			format = FormatPretty
		}
	case FormatPretty, FormatJSON:
	default:
		return nil, fmt.Errorf("invalid log format %q (valid: auto, pretty, json)", cfg.Format)
	}

	if format == FormatPretty {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.TimeOnly,
			NoColor:    !tty,
		})), nil
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	})), nil
}

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
