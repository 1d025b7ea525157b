// Package progress implements a nestable byte-progress tracker, per
// spec §4.2. A Reporter is constructed with an optional total byte
// count, an optional label, and an optional parent. Update reports
// bytes sent so far; if the Reporter has a parent, the update is
// translated into the parent's coordinate space (this Reporter's base
// offset within the parent, plus bytes sent so far) and forwarded
// instead of being rendered directly, so only the root of a nesting
// renders a line.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/mattn/go-isatty"
	"github.com/montanaflynn/stats"

	"charm.land/bubbles/v2/progress"

	"github.com/amescornish/buttersync/internal/util/chainlock"
)

const maxSamples = 8

// Reporter is a scoped acquisition: callers must call Close on every
// exit path, including error paths, the same way the teacher's
// context-managed streams are guaranteed to unwind.
type Reporter struct {
	total *uint64
	label string

	parent     *Reporter
	baseOffset uint64

	out         io.Writer
	interactive bool
	bar         progress.Model
	labelStyle  lipgloss.Style

	mu        chainlock.L
	startedAt time.Time
	lastAt    time.Time
	lastSent  uint64
	samples   []float64 // recent bytes/sec observations, for smoothing
}

// Option configures a new Reporter.
type Option func(*Reporter)

func WithTotal(total uint64) Option {
	return func(r *Reporter) { r.total = &total }
}

func WithLabel(label string) Option {
	return func(r *Reporter) { r.label = label }
}

func WithOutput(w io.Writer) Option {
	return func(r *Reporter) { r.out = w }
}

// New constructs a root Reporter. Use Child to nest one under another.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		out:        os.Stderr,
		bar:        progress.New(progress.WithDefaultGradient()),
		labelStyle: lipgloss.NewStyle().Bold(true),
	}
	for _, opt := range opts {
		opt(r)
	}
	if f, ok := r.out.(*os.File); ok {
		r.interactive = isatty.IsTerminal(f.Fd())
	}
	return r
}

// Child constructs a Reporter nested under r. The child's progress is
// folded into r's coordinate space at the child's offset at creation
// time (the bytes r had already reported as sent).
func (r *Reporter) Child(opts ...Option) *Reporter {
	r.mu.Lock()
	offset := r.lastSent
	r.mu.Unlock()

	c := New(opts...)
	c.parent = r
	c.baseOffset = offset
	c.out = r.out
	c.interactive = r.interactive
	return c
}

// Open records the start time. Must be called before Update.
func (r *Reporter) Open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = time.Now()
	r.lastAt = r.startedAt
}

// Update reports that sent bytes have been transferred so far.
func (r *Reporter) Update(sent uint64) {
	now := time.Now()

	r.mu.Lock()
	if sent > r.lastSent {
		elapsed := now.Sub(r.lastAt).Seconds()
		if elapsed > 0 {
			rate := float64(sent-r.lastSent) / elapsed
			r.samples = append(r.samples, rate)
			if len(r.samples) > maxSamples {
				r.samples = r.samples[len(r.samples)-maxSamples:]
			}
		}
	}
	r.lastSent = sent
	r.lastAt = now
	r.mu.Unlock()

	if r.parent != nil {
		r.parent.Update(r.baseOffset + sent)
		return
	}
	r.render(sent)
}

// Close finalizes the Reporter: a root writes a trailing newline (if
// rendering), a child forwards one last update carrying its final byte
// count to the parent.
func (r *Reporter) Close() {
	r.mu.Lock()
	sent := r.lastSent
	r.mu.Unlock()

	if r.parent != nil {
		r.parent.Update(r.baseOffset + sent)
		return
	}
	if r.interactive {
		fmt.Fprintln(r.out)
	}
}

func (r *Reporter) render(sent uint64) {
	if !r.interactive {
		return
	}

	r.mu.Lock()
	elapsed := time.Since(r.startedAt)
	mbps := meanRate(r.samples) * 8 / 1e6 // bytes/sec -> Mbps
	var etaStr string
	if r.total != nil && *r.total > 0 && sent > 0 && sent < *r.total {
		secs := float64(*r.total-sent) * elapsed.Seconds() / float64(sent)
		etaStr = time.Duration(secs * float64(time.Second)).Round(time.Second).String()
	} else {
		etaStr = "-"
	}
	label := r.label
	total := r.total
	r.mu.Unlock()

	var bar string
	if total != nil && *total > 0 {
		pct := float64(sent) / float64(*total)
		if pct > 1 {
			pct = 1
		}
		bar = r.bar.ViewAs(pct)
	}

	line := fmt.Sprintf("\r%s %s %d/%s bytes %.2f Mbps ETA %s",
		r.labelStyle.Render(label), bar, sent, totalStr(total), mbps, etaStr)
	fmt.Fprint(r.out, line)
}

func totalStr(total *uint64) string {
	if total == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *total)
}

func meanRate(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	m, err := stats.Mean(samples)
	if err != nil {
		return 0
	}
	return m
}
