package scanner

import (
	"strings"
	"sync/atomic"
)

// PrefixFilter limits a scan to one subtree. Ancestors of the prefix are
// admitted so the walk can reach it; descendants are admitted so the whole
// subtree is reported. Comparison is case-insensitive and uses "/" as the
// separator.
type PrefixFilter struct {
	prefix string
	found  atomic.Bool
}

// NewPrefixFilter returns a filter selecting prefix and everything below it.
// An empty prefix or "/" selects everything.
func NewPrefixFilter(prefix string) *PrefixFilter {
	p := strings.ToLower(strings.ReplaceAll(prefix, "\\", "/"))
	p = strings.TrimRight(p, "/")
	return &PrefixFilter{prefix: p}
}

// NeedScan reports whether path lies on the way to, at, or below the prefix
func (f *PrefixFilter) NeedScan(path string) bool {
	if f.prefix == "" {
		return true
	}
	p := strings.ToLower(path)
	switch {
	case p == f.prefix:
		return true
	case strings.HasPrefix(p, f.prefix+"/"):
		return true
	case strings.HasPrefix(f.prefix, p+"/"):
		return true
	}
	return false
}

// MarkFound records that a non-empty file was reported under the prefix
func (f *PrefixFilter) MarkFound() {
	f.found.Store(true)
}

// Found reports whether MarkFound was called
func (f *PrefixFilter) Found() bool {
	return f.found.Load()
}
