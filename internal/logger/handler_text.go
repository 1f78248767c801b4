package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ANSI escape sequences for level and key coloring.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// ColorTextHandler is a slog.Handler that writes one colored line per
// record: "[timestamp] [LEVEL] message key=value ...".
type ColorTextHandler struct {
	opts *slog.HandlerOptions
	w    io.Writer
	mu   *sync.Mutex
	// preformatted holds attrs from WithAttrs, already rendered with the
	// group prefix in force when they were added.
	preformatted []byte
	prefix       string
	useColor     bool
}

// NewColorTextHandler builds a handler writing to w. Color is applied
// only when useColor is true.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *ColorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ColorTextHandler{
		opts:     opts,
		w:        w,
		mu:       new(sync.Mutex),
		useColor: useColor,
	}
}

func (h *ColorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, "2006-01-02 15:04:05.000")
	buf = append(buf, "] ["...)
	buf = h.appendLevel(buf, r.Level)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)

	buf = append(buf, h.preformatted...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	// The buffer is local; only the write itself needs the lock.
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

var levelNames = []struct {
	floor slog.Level
	name  string
	color string
}{
	{slog.LevelError, "ERROR", ansiRed},
	{slog.LevelWarn, "WARN", ansiYellow},
	{slog.LevelInfo, "INFO", ansiGreen},
}

func (h *ColorTextHandler) appendLevel(buf []byte, level slog.Level) []byte {
	name, color := "DEBUG", ansiGray
	for _, entry := range levelNames {
		if level >= entry.floor {
			name, color = entry.name, entry.color
			break
		}
	}
	if h.useColor {
		buf = append(buf, color...)
		buf = append(buf, name...)
		return append(buf, ansiReset...)
	}
	return append(buf, name...)
}

func (h *ColorTextHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}

	// Groups flatten into dotted keys.
	if a.Value.Kind() == slog.KindGroup {
		sub := *h
		if a.Key != "" {
			sub.prefix = h.prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = sub.appendAttr(buf, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	if h.useColor {
		buf = append(buf, ansiCyan...)
		buf = append(buf, h.prefix...)
		buf = append(buf, a.Key...)
		buf = append(buf, ansiReset...)
	} else {
		buf = append(buf, h.prefix...)
		buf = append(buf, a.Key...)
	}
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return append(buf, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'f', 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		return fmt.Appendf(buf, "%v", v.Any())
	}
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.preformatted = append([]byte(nil), h.preformatted...)
	for _, a := range attrs {
		clone.preformatted = h.appendAttr(clone.preformatted, a)
	}
	return &clone
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}
