// Package build picks which completed pipeline run to take a report from.
package build

import (
	"strings"

	"github.com/evanmendix/evergreen-fortify/internal/devops"
)

// Select picks the build to download a report from. Builds are expected
// newest first, as the build API returns them.
//
// A non-empty priority lists branches in preference order and wins
// outright. Otherwise the priority is derived from the builds themselves:
// evergreen branches mentioning fortify rank highest, other evergreen
// branches next, each in order of first appearance. The newest build on
// the highest-ranked branch wins; with no build on any ranked branch, the
// newest build is used. Returns nil when builds is empty.
func Select(builds []devops.Build, priority []string) *devops.Build {
	if len(builds) == 0 {
		return nil
	}

	if len(priority) == 0 {
		priority = branchPriority(builds)
	}
	for _, branch := range priority {
		for i := range builds {
			if builds[i].Branch() == branch {
				return &builds[i]
			}
		}
	}
	return &builds[0]
}

// branchPriority lists the evergreen branches seen in builds, fortify
// branches first, preserving first-seen order within each group.
func branchPriority(builds []devops.Build) []string {
	seen := make(map[string]bool)
	var fortify, other []string

	for _, b := range builds {
		branch := b.Branch()
		if seen[branch] || !strings.HasPrefix(branch, "evergreen/") {
			continue
		}
		seen[branch] = true
		if strings.Contains(strings.ToLower(branch), "fortify") {
			fortify = append(fortify, branch)
		} else {
			other = append(other, branch)
		}
	}
	return append(fortify, other...)
}
