// Package logging configures the process-wide slog logger for the rhizome
// binaries.
//
//	logging.Setup(logging.Options{Level: "debug", Format: "json", Component: "server"})
//	slog.Info("room opened", "room", id.Fingerprint())
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls how logging is configured.
type Options struct {
	Level     string    // see LevelNames; empty means info
	Format    string    // "text" (default) or "json"
	Output    io.Writer // default os.Stdout
	Component string    // added to every record as component=<value> when set
}

var levels = []struct {
	names []string
	level slog.Level
}{
	{[]string{"debug"}, slog.LevelDebug},
	{[]string{"info", ""}, slog.LevelInfo},
	{[]string{"warn", "warning"}, slog.LevelWarn},
	{[]string{"error"}, slog.LevelError},
}

func lookup(name string) (slog.Level, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, l := range levels {
		for _, n := range l.names {
			if n == name {
				return l.level, true
			}
		}
	}
	return slog.LevelInfo, false
}

// ParseLevel maps a level name to slog.Level, falling back to info.
func ParseLevel(level string) slog.Level {
	l, _ := lookup(level)
	return l
}

// LevelNames lists the accepted level names for --help text.
func LevelNames() string {
	names := make([]string, 0, len(levels))
	for _, l := range levels {
		names = append(names, l.names[0])
	}
	return strings.Join(names, ", ")
}

// Validate reports an unknown level name.
func Validate(level string) error {
	if _, ok := lookup(level); !ok {
		return fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
	return nil
}

// Setup installs the default slog logger. Debug level also records the
// source position of each call.
func Setup(opts Options) error {
	if err := Validate(opts.Level); err != nil {
		return err
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, hopts)
	case "json":
		h = slog.NewJSONHandler(out, hopts)
	default:
		return fmt.Errorf("unknown log format %q (valid: text, json)", opts.Format)
	}
	if opts.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", opts.Component)})
	}
	slog.SetDefault(slog.New(h))
	return nil
}
