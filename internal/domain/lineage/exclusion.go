// Package lineage resolves what a build represents: the checkouts it performed,
// the change sets worth showing, the branch it ran against and, across
// promotion hops, the effective change set attributed to it.
//
// Everything here is a read path. Functions never mutate the builds they are
// given and are safe to call concurrently for different builds.
package lineage

import (
	"strings"
)

// DefaultExcludePatterns are the repository URL substrings excluded when no
// patterns are configured.
var DefaultExcludePatterns = []string{
	"/jenkins-project-config",
	"/k8s-scripts",
}

// ExclusionFilter decides whether a repository URL is excluded from change-set
// consideration. It is immutable after construction.
type ExclusionFilter struct {
	patterns []string
}

// NewExclusionFilter creates a filter over the given deny-substrings. Blank
// patterns are ignored; no patterns at all selects DefaultExcludePatterns.
func NewExclusionFilter(patterns ...string) *ExclusionFilter {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultExcludePatterns...)
	}
	return &ExclusionFilter{patterns: cleaned}
}

// IsExcluded reports whether url is excluded. An empty URL is excluded.
func (f *ExclusionFilter) IsExcluded(url string) bool {
	if url == "" {
		return true
	}
	for _, p := range f.patterns {
		if strings.Contains(url, p) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured deny-substrings.
func (f *ExclusionFilter) Patterns() []string {
	out := make([]string, len(f.patterns))
	copy(out, f.patterns)
	return out
}
