// Package branch picks the branch a security scan pipeline should run on.
package branch

import (
	"errors"
	"sort"
	"strings"
)

const (
	// Preferred is the canonical scan branch.
	Preferred = "evergreen/fortify"
	// Fallback is used when no scan branch exists.
	Fallback = "evergreen/main"

	prefix = "evergreen/"
)

// ErrNotFound is returned when a repository has no usable branch.
var ErrNotFound = errors.New("no scan branch found")

// Resolve picks the branch to scan from a repository's branch names.
// The exact canonical branch wins; otherwise the lexicographically smallest
// evergreen branch whose name mentions fortify (any case); otherwise the
// fallback branch. The choice depends only on the set of names, not their
// order.
func Resolve(names []string) (string, error) {
	var candidates []string
	haveFallback := false

	for _, name := range names {
		if name == Preferred {
			return Preferred, nil
		}
		if name == Fallback {
			haveFallback = true
		}
		if strings.HasPrefix(name, prefix) && strings.Contains(strings.ToLower(name), "fortify") {
			candidates = append(candidates, name)
		}
	}

	if len(candidates) > 0 {
		sort.Strings(candidates)
		return candidates[0], nil
	}
	if haveFallback {
		return Fallback, nil
	}
	return "", ErrNotFound
}
