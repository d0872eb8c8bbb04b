// Package manifest maps patch entries to and from their on-disk artifacts.
//
// A delta root mirrors the relative path tree of the patched files. Each
// artifact is stored at <relative_path>.<tag>, where the tag names the
// operation, so the manifest is self-describing and needs no index file.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/treepatch/internal/tree"
)

// Kind is the operation recorded by a manifest entry
type Kind int

const (
	Modified Kind = iota + 1
	Added
	Removed
)

// Tags are the file suffixes (without the dot) that encode an entry's kind
const (
	TagModified = "delta"
	TagAdded    = "new"
	TagRemoved  = "del"
)

// Kinds lists every kind in reporting order
var Kinds = []Kind{Modified, Added, Removed}

// String returns the display name of the kind
func (k Kind) String() string {
	switch k {
	case Modified:
		return "Modified"
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Tag returns the artifact suffix for the kind
func (k Kind) Tag() string {
	switch k {
	case Modified:
		return TagModified
	case Added:
		return TagAdded
	case Removed:
		return TagRemoved
	default:
		return ""
	}
}

// KindFromTag returns the kind encoded by tag
func KindFromTag(tag string) (Kind, bool) {
	switch tag {
	case TagModified:
		return Modified, true
	case TagAdded:
		return Added, true
	case TagRemoved:
		return Removed, true
	}
	return 0, false
}

// Entry is one recorded change, identified by (RelPath, Kind)
type Entry struct {
	RelPath string // slash-separated path of the patched file
	Kind    Kind
}

// Name returns the slash-separated artifact path relative to the delta root
func (e Entry) Name() string {
	return e.RelPath + "." + e.Kind.Tag()
}

// Path returns the absolute artifact path under deltaRoot
func (e Entry) Path(deltaRoot string) string {
	return tree.Join(deltaRoot, e.Name())
}

// String implements fmt.Stringer
func (e Entry) String() string {
	return e.Kind.String() + "(" + e.RelPath + ")"
}

// Parse recovers an entry from a slash-separated artifact name. It reports
// false when the name carries no known tag.
func Parse(name string) (Entry, bool) {
	dot := strings.LastIndex(name, ".")
	if dot <= 0 || strings.HasSuffix(name[:dot], "/") {
		return Entry{}, false
	}

	kind, ok := KindFromTag(name[dot+1:])
	if !ok {
		return Entry{}, false
	}

	return Entry{RelPath: name[:dot], Kind: kind}, true
}

// Listing is the content of a delta root
type Listing struct {
	Entries []Entry  // sorted by artifact name
	Unknown []string // files whose name carries no known tag
}

// Count returns how many entries have the given kind
func (l *Listing) Count(kind Kind) int {
	n := 0
	for _, e := range l.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Scan enumerates all manifest entries under deltaRoot recursively
func Scan(deltaRoot string) (*Listing, error) {
	info, err := os.Stat(deltaRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", deltaRoot)
	}

	files, err := tree.Discover(deltaRoot, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate delta root: %w", err)
	}

	listing := &Listing{}
	for _, name := range tree.SortedPaths(files) {
		entry, ok := Parse(name)
		if !ok {
			listing.Unknown = append(listing.Unknown, name)
			continue
		}
		listing.Entries = append(listing.Entries, entry)
	}

	return listing, nil
}

// Sort orders entries by relative path, then kind
func Sort(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RelPath != entries[j].RelPath {
			return entries[i].RelPath < entries[j].RelPath
		}
		return entries[i].Kind < entries[j].Kind
	})
}

// EnsureParent creates the parent directory of an artifact path
func EnsureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
