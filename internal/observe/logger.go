// Package observe provides the slog-backed implementations of the
// component observer interfaces, plus logger construction with per-event
// level control.
package observe

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// disabledLevel is high enough that no record passes
const disabledLevel = slog.Level(1000)

// LoggerConfig shapes the application logger
type LoggerConfig struct {
	// Format is "json" (default) or "text"
	Format string

	// Level is the default level: debug, info, warn, error
	Level string

	// EventLevels overrides the level per event name, e.g.
	// {"token_exchange": "debug"}. An empty string level disables the
	// event entirely.
	EventLevels map[string]string

	// Output overrides the destination (default os.Stdout)
	Output io.Writer
}

// NewLogger builds a structured logger whose records can be filtered per
// event through the "event" attribute
func NewLogger(cfg LoggerConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	defaultLevel := ParseLevel(cfg.Level)
	base := newHandler(cfg.Format, defaultLevel, out)

	if len(cfg.EventLevels) == 0 {
		return slog.New(base)
	}

	eventLevels := make(map[string]slog.Level, len(cfg.EventLevels))
	for event, level := range cfg.EventLevels {
		if level == "" {
			eventLevels[event] = disabledLevel
			continue
		}
		eventLevels[event] = ParseLevel(level)
	}

	return slog.New(&eventFilteringHandler{
		next:         base,
		eventLevels:  eventLevels,
		defaultLevel: defaultLevel,
	})
}

// ParseLevel parses a level name, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(format string, level slog.Level, out io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// eventFilteringHandler filters records by their "event" attribute before
// passing them on
type eventFilteringHandler struct {
	next         slog.Handler
	eventLevels  map[string]slog.Level
	defaultLevel slog.Level
}

func (h *eventFilteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	// Per-event filtering happens in Handle; here only the floor applies
	return level >= h.defaultLevel
}

func (h *eventFilteringHandler) Handle(ctx context.Context, record slog.Record) error {
	var eventName string
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "event" {
			eventName = attr.Value.String()
			return false
		}
		return true
	})

	if eventName != "" {
		if eventLevel, ok := h.eventLevels[eventName]; ok && record.Level < eventLevel {
			return nil
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *eventFilteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventFilteringHandler{
		next:         h.next.WithAttrs(attrs),
		eventLevels:  h.eventLevels,
		defaultLevel: h.defaultLevel,
	}
}

func (h *eventFilteringHandler) WithGroup(name string) slog.Handler {
	return &eventFilteringHandler{
		next:         h.next.WithGroup(name),
		eventLevels:  h.eventLevels,
		defaultLevel: h.defaultLevel,
	}
}
