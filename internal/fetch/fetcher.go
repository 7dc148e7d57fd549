// Package fetch pulls the latest scan report PDF for each tracked project
// out of its CI pipeline's artifacts.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/evanmendix/evergreen-fortify/internal/build"
	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/devops"
	"github.com/evanmendix/evergreen-fortify/internal/track"
)

// Report PDFs are filed by build outcome: a fully succeeded build means the
// project is clean, a partially succeeded one still carries findings.
const (
	RemediatedDir = "remediated"
	OpenDir       = "open"
)

// artifactName is the artifact the scan stage publishes its PDF under.
const artifactName = "fortify"

// BuildService is the slice of the CI API the fetcher needs.
type BuildService interface {
	FindPipeline(ctx context.Context, name string) (*devops.Pipeline, error)
	ListBuilds(ctx context.Context, definitionID, top int) ([]devops.Build, error)
	ListArtifacts(ctx context.Context, buildID int) ([]devops.Artifact, error)
	ListContainerFiles(ctx context.Context, containerID int64, itemPath string) ([]devops.ContainerFile, error)
	DownloadFile(ctx context.Context, contentLocation, destPath string) error
}

// Action says what FetchOne did for a project.
type Action string

const (
	ActionDownloaded Action = "downloaded"
	ActionSkipped    Action = "skipped"
	ActionNoPipeline Action = "no-pipeline"
	ActionNoBuilds   Action = "no-builds"
	ActionBadResult  Action = "unsupported-result"
	ActionNoReport   Action = "no-report"
	ActionFailed     Action = "failed"
)

// Result is the outcome of fetching one project's report.
type Result struct {
	Project string
	Action  Action
	BuildID string
	Path    string
	Err     error
}

// Fetcher downloads and files report PDFs, remembering which build each
// project's report came from.
type Fetcher struct {
	client       BuildService
	tracker      *track.Tracker
	regions      *cache.Regions
	reportsDir   string
	pipelineName func(project string) string
	logger       *slog.Logger
	now          func() time.Time

	// Delay between projects in a batch, to stay polite to the API.
	Delay time.Duration

	// BranchPriority overrides the dynamic branch-priority derivation
	// when non-empty (configured branch preference order).
	BranchPriority []string
}

// New creates a Fetcher. pipelineName maps a project to its scan pipeline's
// name.
func New(client BuildService, tracker *track.Tracker, regions *cache.Regions, reportsDir string, pipelineName func(string) string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:       client,
		tracker:      tracker,
		regions:      regions,
		reportsDir:   reportsDir,
		pipelineName: pipelineName,
		logger:       logger,
		now:          time.Now,
		Delay:        time.Second,
	}
}

// FetchAll fetches every project's report in turn. One project's failure
// never stops the batch.
func (f *Fetcher) FetchAll(ctx context.Context, projects []string) []Result {
	results := make([]Result, 0, len(projects))
	for i, project := range projects {
		if i > 0 && f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-ctx.Done():
				return results
			}
		}

		res := f.FetchOne(ctx, project)
		if res.Err != nil {
			f.logger.Error("report fetch failed", "project", project, "error", res.Err)
		} else {
			f.logger.Info("report fetch finished", "project", project, "action", res.Action, "build", res.BuildID)
		}
		results = append(results, res)
	}
	return results
}

// FetchOne resolves the project's scan pipeline, picks its newest relevant
// build, and downloads the report PDF unless that build was already
// processed.
func (f *Fetcher) FetchOne(ctx context.Context, project string) Result {
	project = strings.ToLower(project)
	res := Result{Project: project}

	pipeline, err := f.client.FindPipeline(ctx, f.pipelineName(project))
	if err != nil {
		res.Action, res.Err = ActionNoPipeline, err
		return res
	}

	builds, err := f.client.ListBuilds(ctx, pipeline.ID, 20)
	if err != nil {
		res.Action, res.Err = ActionFailed, err
		return res
	}

	selected := build.Select(builds, f.BranchPriority)
	if selected == nil {
		res.Action = ActionNoBuilds
		return res
	}
	res.BuildID = strconv.Itoa(selected.ID)

	if f.tracker.ShouldSkip(project, res.BuildID) {
		res.Action = ActionSkipped
		return res
	}

	var dir string
	switch selected.Result {
	case devops.ResultSucceeded:
		dir = filepath.Join(f.reportsDir, RemediatedDir)
	case devops.ResultPartiallySucceeded:
		dir = filepath.Join(f.reportsDir, OpenDir)
	default:
		res.Action = ActionBadResult
		return res
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.Action, res.Err = ActionFailed, err
		return res
	}

	location, err := f.findReportLocation(ctx, selected.ID, project)
	if err != nil {
		res.Action, res.Err = ActionFailed, err
		return res
	}
	if location == "" {
		res.Action = ActionNoReport
		return res
	}

	fileName := project + "-fortify-result.pdf"
	res.Path = filepath.Join(dir, fileName)

	// The project may have switched category since the last fetch; drop
	// the copy left in the other directory before writing the new one.
	f.cleanupStale(project, dir, fileName)

	if err := f.client.DownloadFile(ctx, location, res.Path); err != nil {
		res.Action, res.Err = ActionFailed, err
		return res
	}

	if err := f.tracker.Record(project, res.BuildID); err != nil {
		res.Action, res.Err = ActionFailed, err
		return res
	}
	f.recordPipeline(project, pipeline.ID, selected)

	res.Action = ActionDownloaded
	return res
}

// findReportLocation locates the report PDF inside the build's scan
// artifact. Returns "" when the artifact or PDF is absent.
func (f *Fetcher) findReportLocation(ctx context.Context, buildID int, project string) (string, error) {
	artifacts, err := f.client.ListArtifacts(ctx, buildID)
	if err != nil {
		return "", err
	}

	for _, artifact := range artifacts {
		if !strings.EqualFold(artifact.Name, artifactName) {
			continue
		}
		containerID, err := artifact.Resource.ContainerID()
		if err != nil {
			return "", fmt.Errorf("artifact %s: %w", artifact.Name, err)
		}

		files, err := f.client.ListContainerFiles(ctx, containerID, artifact.Resource.ItemPath())
		if err != nil {
			return "", err
		}
		marker := "-" + project + "-fortify-result"
		for _, file := range files {
			path := strings.ToLower(file.Path)
			if file.ItemType == "file" && strings.Contains(path, marker) && strings.HasSuffix(path, ".pdf") {
				return file.ContentLocation, nil
			}
		}
	}
	return "", nil
}

// cleanupStale removes the project's PDF from the category directory it is
// not being filed under this time.
func (f *Fetcher) cleanupStale(project, currentDir, fileName string) {
	for _, sub := range []string{RemediatedDir, OpenDir} {
		dir := filepath.Join(f.reportsDir, sub)
		if dir == currentDir {
			continue
		}
		stale := filepath.Join(dir, fileName)
		if err := os.Remove(stale); err == nil {
			f.logger.Info("removed stale report copy", "project", project, "path", stale)
		} else if !os.IsNotExist(err) {
			f.logger.Warn("stale report cleanup failed", "path", stale, "error", err)
		}
	}
}

// recordPipeline updates the project's entry in the pipeline-status region.
func (f *Fetcher) recordPipeline(project string, pipelineID int, b *devops.Build) {
	err := f.regions.Pipelines.Update(func(all map[string]cache.PipelineRecord) map[string]cache.PipelineRecord {
		if all == nil {
			all = make(map[string]cache.PipelineRecord)
		}
		all[project] = cache.PipelineRecord{
			PipelineID:   pipelineID,
			BuildID:      strconv.Itoa(b.ID),
			Result:       b.Result,
			SourceBranch: b.SourceBranch,
			FinishTime:   b.FinishTime,
			LastUpdated:  f.now(),
		}
		return all
	})
	if err != nil {
		f.logger.Warn("pipeline status cache update failed", "project", project, "error", err)
	}
}
