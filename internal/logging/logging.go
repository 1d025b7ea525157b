// Package logging sets up process-wide structured logging: a
// slog.Handler that colors level names when attached to a terminal and
// word-wraps long attribute values (an SSH peer's embedded traceback,
// in particular) so one misbehaving remote cannot blow out a terminal
// line.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/wordwrap"
)

// wrapWidth is the column at which a long attribute value is wrapped.
// Non-terminal output is never wrapped, since a line-oriented log
// collector expects one line per record; the handler's wrap flag, set
// from the terminal check in New, switches wrapping off there.
const wrapWidth = 100

// wrapThreshold is the value length above which wrapping kicks in; short
// values are left alone even on a terminal.
const wrapThreshold = 160

// New builds a logger writing to w, at minimum level, coloring and
// wrapping only if w looks like a terminal.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	tty := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return slog.New(&handler{w: w, level: level, color: tty, wrap: tty})
}

// WithError logs err at Error level under msg, the way the teacher's
// logger.WithError does: the error is attached as a string attribute
// rather than interpolated into msg, so structured collectors can filter
// on it.
func WithError(log *slog.Logger, err error, msg string) {
	log.Error(msg, slog.String("err", err.Error()))
}

type handler struct {
	w     io.Writer
	level slog.Leveler
	color bool
	wrap  bool
	attrs []slog.Attr
	group string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.level != nil {
		minLevel = h.level.Level()
	}
	return level >= minLevel
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.RFC3339))
	sb.WriteByte(' ')
	sb.WriteString(h.levelString(r.Level))
	sb.WriteByte(' ')
	sb.WriteString(r.Message)

	writeAttr := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		name := a.Key
		if h.group != "" {
			name = h.group + "." + name
		}
		sb.WriteByte(' ')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(h.formatValue(a.Value))
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})

	sb.WriteByte('\n')
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *handler) levelString(level slog.Level) string {
	text := level.String()
	if !h.color {
		return text
	}
	switch {
	case level >= slog.LevelError:
		return color.RedString(text)
	case level >= slog.LevelWarn:
		return color.YellowString(text)
	case level >= slog.LevelInfo:
		return color.CyanString(text)
	default:
		return color.New(color.Faint).Sprint(text)
	}
}

func (h *handler) formatValue(v slog.Value) string {
	s := fmt.Sprint(v.Any())
	if !h.wrap || len(s) <= wrapThreshold {
		return quoteIfNeeded(s)
	}
	wrapped := wordwrap.String(s, wrapWidth)
	return quoteIfNeeded("\n" + wrapped)
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t\n\"") {
		return strconvQuote(s)
	}
	return s
}

func strconvQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	sb.WriteString(strings.ReplaceAll(s, `"`, `\"`))
	sb.WriteByte('"')
	return sb.String()
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group = next.group + "." + name
	} else {
		next.group = name
	}
	return &next
}
