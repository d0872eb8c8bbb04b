package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/schaermu/treepatch/internal/manifest"
	"github.com/schaermu/treepatch/internal/patch"
	"github.com/schaermu/treepatch/internal/progress"
)

var (
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// progressPrinter writes one line per phase start and per percent step
type progressPrinter struct {
	mu          sync.Mutex
	out         io.Writer
	lastPercent int
	lastTotal   int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, lastPercent: -1, lastTotal: -1}
}

// Report implements progress.Sink
func (p *progressPrinter) Report(s progress.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	phaseStart := s.Processed == 0
	if !phaseStart && s.Percent == p.lastPercent && s.Total == p.lastTotal {
		return
	}
	p.lastPercent = s.Percent
	p.lastTotal = s.Total

	counters := make([]string, 0, len(s.Counters))
	for _, c := range s.Counters {
		counters = append(counters, fmt.Sprintf("%s=%d", c.Label, c.Value))
	}

	line := fmt.Sprintf("[%3d%%] %d/%d", s.Percent, s.Processed, s.Total)
	if phaseStart && s.Message != "" {
		line += " " + s.Message
	}
	_, _ = fmt.Fprintf(p.out, "%s %s\n", cyan(line), gray(strings.Join(counters, " ")))
}

func printSummary(w io.Writer, op string, s *patch.Summary) {
	_, _ = fmt.Fprintf(w, "\n%s %s\n", green(op+" summary"), gray("(run "+s.RunID+")"))
	_, _ = fmt.Fprintf(w, "  modified:  %d\n", s.Modified)
	_, _ = fmt.Fprintf(w, "  added:     %d\n", s.Added)
	_, _ = fmt.Fprintf(w, "  removed:   %d\n", s.Removed)
	if op == "generate" {
		_, _ = fmt.Fprintf(w, "  unchanged: %d\n", s.Unchanged)
	}
	_, _ = fmt.Fprintf(w, "  duration:  %s\n", s.Duration.Round(time.Millisecond))

	if len(s.Failed) > 0 {
		_, _ = fmt.Fprintf(w, "  %s\n", red(fmt.Sprintf("failed:    %d", len(s.Failed))))
		for _, f := range s.Failed {
			_, _ = fmt.Fprintf(w, "    %s %s\n", red(f.Path), gray(f.Error()))
		}
	}
}

func printListing(w io.Writer, l *manifest.Listing) {
	for _, e := range l.Entries {
		_, _ = fmt.Fprintf(w, "%-8s %s\n", kindColor(e.Kind)(e.Kind.Tag()), e.RelPath)
	}
	for _, name := range l.Unknown {
		_, _ = fmt.Fprintf(w, "%-8s %s\n", gray("?"), name)
	}

	_, _ = fmt.Fprintln(w)
	for _, kind := range manifest.Kinds {
		_, _ = fmt.Fprintf(w, "%-9s %d\n", kind.String()+":", l.Count(kind))
	}
	if len(l.Unknown) > 0 {
		_, _ = fmt.Fprintf(w, "%-9s %d\n", "Unknown:", len(l.Unknown))
	}
}

func kindColor(k manifest.Kind) func(a ...interface{}) string {
	switch k {
	case manifest.Modified:
		return yellow
	case manifest.Added:
		return green
	case manifest.Removed:
		return red
	}
	return gray
}
