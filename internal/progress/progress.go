// Package progress tracks per-phase progress and delivers snapshots to a sink.
package progress

import "sync"

// Counter is a labelled running total
type Counter struct {
	Label string
	Value int
}

// Snapshot is the progress state at one point in time
type Snapshot struct {
	Processed int
	Total     int
	Percent   int
	Message   string
	Counters  []Counter
}

// Counter returns the value of the counter with the given label
func (s Snapshot) Counter(label string) (int, bool) {
	for _, c := range s.Counters {
		if c.Label == label {
			return c.Value, true
		}
	}
	return 0, false
}

// Sink receives progress snapshots
type Sink interface {
	Report(Snapshot)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Snapshot)

// Report calls f(s)
func (f SinkFunc) Report(s Snapshot) { f(s) }

// Discard drops every snapshot
var Discard Sink = SinkFunc(func(Snapshot) {})

// ChannelSink delivers snapshots on ch. Sends block while the channel is
// full, so the consumer must keep draining until the run returns.
func ChannelSink(ch chan<- Snapshot) Sink {
	return SinkFunc(func(s Snapshot) { ch <- s })
}

// Percent returns floor(processed*100/total), or 100 when total is zero
func Percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return processed * 100 / total
}

// Tracker holds the progress of the current phase. It is safe for
// concurrent use; snapshots are reported while the tracker lock is held, so
// a sink observes them one at a time.
type Tracker struct {
	mu        sync.Mutex
	sink      Sink
	processed int
	total     int
	message   string
	labels    []string
	values    map[string]int
}

// NewTracker creates a tracker with the given counter labels, in order
func NewTracker(sink Sink, labels ...string) *Tracker {
	if sink == nil {
		sink = Discard
	}
	t := &Tracker{
		sink:   sink,
		labels: labels,
		values: make(map[string]int, len(labels)),
	}
	return t
}

// Reset starts a new phase: processed drops to zero and total and message
// are replaced. Counter values are kept; use Set to seed them. A snapshot is
// reported.
func (t *Tracker) Reset(total int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed = 0
	t.total = total
	t.message = message
	t.reportLocked()
}

// Set assigns a counter without reporting
func (t *Tracker) Set(label string, value int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[label] = value
}

// Step marks one item processed, applies the counter delta and reports a
// snapshot. An empty label leaves counters untouched.
func (t *Tracker) Step(label string, delta int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if label != "" {
		t.values[label] += delta
	}
	t.processed++
	if message != "" {
		t.message = message
	}
	t.reportLocked()
}

// Snapshot returns the current state without reporting it
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Value returns the current value of a counter
func (t *Tracker) Value(label string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values[label]
}

func (t *Tracker) reportLocked() {
	t.sink.Report(t.snapshotLocked())
}

func (t *Tracker) snapshotLocked() Snapshot {
	counters := make([]Counter, len(t.labels))
	for i, label := range t.labels {
		counters[i] = Counter{Label: label, Value: t.values[label]}
	}
	return Snapshot{
		Processed: t.processed,
		Total:     t.total,
		Percent:   Percent(t.processed, t.total),
		Message:   t.message,
		Counters:  counters,
	}
}
