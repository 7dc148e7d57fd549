// Package trigger queues scan pipeline runs on each project's resolved
// scan branch.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/evanmendix/evergreen-fortify/internal/branch"
	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/devops"
)

// pipelineSuffix marks a project's scan pipeline.
const pipelineSuffix = "-evergreen-fortify"

// PipelineService is the slice of the CI API the trigger needs.
type PipelineService interface {
	ListPipelines(ctx context.Context) ([]devops.Pipeline, error)
	ListRepositories(ctx context.Context) ([]devops.Repository, error)
	ListBranches(ctx context.Context, repoID, filter string) ([]string, error)
	RunPipeline(ctx context.Context, pipelineID int, branch string) (*devops.Run, error)
}

// Result is the outcome of triggering one project's scan.
type Result struct {
	Project string
	Branch  string
	RunID   int
	Err     error
}

// Trigger queues scan runs and records each project's resolved branch.
type Trigger struct {
	client  PipelineService
	regions *cache.Regions
	logger  *slog.Logger
	now     func() time.Time

	// Delay between projects in a batch.
	Delay time.Duration
}

// New creates a Trigger.
func New(client PipelineService, regions *cache.Regions, logger *slog.Logger) *Trigger {
	return &Trigger{
		client:  client,
		regions: regions,
		logger:  logger,
		now:     time.Now,
		Delay:   time.Second,
	}
}

// Discover maps each project with a scan pipeline to that pipeline's id.
func (t *Trigger) Discover(ctx context.Context) (map[string]int, error) {
	pipelines, err := t.client.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering scan pipelines: %w", err)
	}

	found := make(map[string]int)
	for _, p := range pipelines {
		if strings.Contains(p.Name, pipelineSuffix) {
			found[strings.Replace(p.Name, pipelineSuffix, "", 1)] = p.ID
		}
	}
	return found, nil
}

// ResolveBranch picks the scan branch for one project's repository.
func (t *Trigger) ResolveBranch(ctx context.Context, project string) (string, error) {
	repos, err := t.client.ListRepositories(ctx)
	if err != nil {
		return "", fmt.Errorf("listing repositories: %w", err)
	}

	var repoID string
	for _, r := range repos {
		if strings.EqualFold(r.Name, project) {
			repoID = r.ID
			break
		}
	}
	if repoID == "" {
		return "", fmt.Errorf("repository %s not found", project)
	}

	branches, err := t.client.ListBranches(ctx, repoID, "heads/evergreen/")
	if err != nil {
		return "", fmt.Errorf("listing branches for %s: %w", project, err)
	}
	return branch.Resolve(branches)
}

// TriggerOne queues a scan run for one project on its resolved branch and
// remembers the branch choice in the cache.
func (t *Trigger) TriggerOne(ctx context.Context, project string) Result {
	res := Result{Project: project}

	pipelines, err := t.Discover(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	pipelineID, ok := pipelines[project]
	if !ok {
		res.Err = fmt.Errorf("%w: %s%s", devops.ErrPipelineNotFound, project, pipelineSuffix)
		return res
	}

	res.Branch, err = t.ResolveBranch(ctx, project)
	if err != nil {
		res.Err = err
		return res
	}

	run, err := t.client.RunPipeline(ctx, pipelineID, res.Branch)
	if err != nil {
		res.Err = fmt.Errorf("triggering %s: %w", project, err)
		return res
	}
	res.RunID = run.ID

	t.recordBranch(project, res.Branch, pipelineID)
	t.logger.Info("scan pipeline triggered", "project", project, "branch", res.Branch, "run", run.ID)
	return res
}

// TriggerAll queues scans for every project in turn. A failed project is
// reported in its Result and does not stop the batch.
func (t *Trigger) TriggerAll(ctx context.Context, projects []string) []Result {
	results := make([]Result, 0, len(projects))
	for i, project := range projects {
		if i > 0 && t.Delay > 0 {
			select {
			case <-time.After(t.Delay):
			case <-ctx.Done():
				return results
			}
		}

		res := t.TriggerOne(ctx, project)
		if res.Err != nil {
			t.logger.Error("scan trigger failed", "project", project, "error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

// recordBranch updates the project's entry in the branch-info region.
func (t *Trigger) recordBranch(project, branchName string, pipelineID int) {
	err := t.regions.Branches.Update(func(all map[string]cache.BranchRecord) map[string]cache.BranchRecord {
		if all == nil {
			all = make(map[string]cache.BranchRecord)
		}
		all[project] = cache.BranchRecord{
			BranchName:  branchName,
			PipelineID:  pipelineID,
			LastUpdated: t.now(),
		}
		return all
	})
	if err != nil {
		t.logger.Warn("branch cache update failed", "project", project, "error", err)
	}
}
