// Package worker drains the background job queue: report fetches, report
// processing and scan triggers queued by the HTTP API.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/fetch"
	"github.com/evanmendix/evergreen-fortify/internal/summary"
	"github.com/evanmendix/evergreen-fortify/internal/trigger"
)

// Job type names.
const (
	JobFetchReports    = "fetch_reports"
	JobProcessReports  = "process_reports"
	JobTriggerPipeline = "trigger_pipeline"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*cache.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// ReportFetcher downloads the latest report PDFs.
type ReportFetcher interface {
	FetchAll(ctx context.Context, projects []string) []fetch.Result
}

// ReportProcessor decomposes downloaded reports.
type ReportProcessor interface {
	ProcessDir(reportsDir string) ([]summary.ProjectReport, error)
}

// ScanTrigger queues scan pipeline runs.
type ScanTrigger interface {
	TriggerAll(ctx context.Context, projects []string) []trigger.Result
}

// Worker processes queued jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	fetcher    ReportFetcher
	processor  ReportProcessor
	trigger    ScanTrigger
	reportsDir string
	poll       time.Duration
	logger     *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func New(store JobStore, fetcher ReportFetcher, processor ReportProcessor, trig ScanTrigger, reportsDir string, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		fetcher:    fetcher,
		processor:  processor,
		trigger:    trig,
		reportsDir: reportsDir,
		poll:       pollInterval,
		logger:     logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobFetchReports, JobProcessReports, JobTriggerPipeline})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// Payload is the JSON body shared by all job types.
type Payload struct {
	Projects []string `json:"projects"`
}

func (w *Worker) processJob(ctx context.Context, job *cache.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	switch job.Type {
	case JobFetchReports:
		return w.runFetch(ctx, payload.Projects)
	case JobProcessReports:
		if _, err := w.processor.ProcessDir(w.reportsDir); err != nil {
			return fmt.Errorf("processing reports: %w", err)
		}
		return nil
	case JobTriggerPipeline:
		return w.runTrigger(ctx, payload.Projects)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// runFetch fetches reports and fails the job only when every project failed
// outright; partial trouble is visible in the per-project cache state.
func (w *Worker) runFetch(ctx context.Context, projects []string) error {
	results := w.fetcher.FetchAll(ctx, projects)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if len(results) > 0 && failed == len(results) {
		return fmt.Errorf("all %d report fetches failed", failed)
	}
	return nil
}

func (w *Worker) runTrigger(ctx context.Context, projects []string) error {
	results := w.trigger.TriggerAll(ctx, projects)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if len(results) > 0 && failed == len(results) {
		return fmt.Errorf("all %d scan triggers failed", failed)
	}
	return nil
}
