package patch

import (
	"time"

	"github.com/schaermu/treepatch/internal/manifest"
)

const (
	// DefaultWorkers is the bounded parallelism of both engines
	DefaultWorkers = 5
	// DefaultCodecTimeout bounds a single codec invocation
	DefaultCodecTimeout = 10 * time.Minute
)

// Progress counter labels
const (
	LabelModified  = "Modified"
	LabelAdded     = "Added"
	LabelRemoved   = "Removed"
	LabelUnchanged = "Unchanged"
)

// Options controls a Generator or Applier run
type Options struct {
	Workers      int
	CodecTimeout time.Duration
	FailFast     bool     // generation only; apply is always fail-fast
	Exclude      []string // generation only; doublestar globs on relative paths
	DryRun       bool
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.CodecTimeout <= 0 {
		o.CodecTimeout = DefaultCodecTimeout
	}
	return o
}

// Summary is the outcome of a run. Counters reflect completed work only.
type Summary struct {
	RunID     string
	Modified  int
	Added     int
	Removed   int
	Unchanged int
	Failed    []*FileError
	Entries   []manifest.Entry // entries written (generate) or replayed (apply)
	Duration  time.Duration
}

// Total returns the number of files accounted for by the counters
func (s *Summary) Total() int {
	return s.Modified + s.Added + s.Removed + s.Unchanged
}

func label(kind manifest.Kind) string {
	switch kind {
	case manifest.Modified:
		return LabelModified
	case manifest.Added:
		return LabelAdded
	case manifest.Removed:
		return LabelRemoved
	}
	return ""
}
