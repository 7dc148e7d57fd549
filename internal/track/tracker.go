// Package track remembers which build each project's report was last taken
// from, so repeated fetch runs skip work already done.
package track

import (
	"errors"
	"fmt"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
)

// Tracker persists per-project download state in the cache.
type Tracker struct {
	state *cache.Region[map[string]string]
}

// New creates a Tracker over the shared download-state region.
func New(regions *cache.Regions) *Tracker {
	return &Tracker{state: regions.DownloadState}
}

// ShouldSkip reports whether the report for buildID was already downloaded
// for project. Build ids are compared as opaque strings; an unreadable state
// region never suppresses a download.
func (t *Tracker) ShouldSkip(project, buildID string) bool {
	state, err := t.state.Get()
	if err != nil {
		return false
	}
	last, ok := state[project]
	return ok && last == buildID
}

// Record stores buildID as the last downloaded build for project. State for
// other projects is preserved.
func (t *Tracker) Record(project, buildID string) error {
	err := t.state.Update(func(state map[string]string) map[string]string {
		if state == nil {
			state = make(map[string]string)
		}
		state[project] = buildID
		return state
	})
	if err != nil {
		return fmt.Errorf("recording download state for %s: %w", project, err)
	}
	return nil
}

// LastBuild returns the recorded build id for project, or "" when none.
func (t *Tracker) LastBuild(project string) string {
	state, err := t.state.Get()
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return ""
	}
	return state[project]
}
