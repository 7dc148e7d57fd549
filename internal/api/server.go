// Package api serves the triage state over HTTP and MCP: cached scan
// results, summaries, and endpoints that queue background work.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/summary"
	"github.com/evanmendix/evergreen-fortify/internal/worker"
)

const maxRequestBodySize = 1 << 20 // 1MB

// scanResultsMaxAge is how long cached scan results count as fresh.
const scanResultsMaxAge = 24 * time.Hour

// AppDeps holds the API server's dependencies.
type AppDeps struct {
	Store    *cache.Store
	Regions  *cache.Regions
	Projects []string
	Token    string // empty disables authentication
}

// NewAppHandler builds the HTTP API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(requireBearer(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Get("/projects", handleListProjects(deps))
	r.Get("/summary", handleSummary(deps))
	r.Get("/reports/{project}", handleProjectReport(deps))
	r.Post("/refresh", handleRefresh(deps))
	r.Post("/trigger", handleTrigger(deps))
	r.Delete("/cache/{region}", handleClearCache(deps))

	return r
}

// requireBearer rejects any request whose Authorization header does not
// carry the configured token. The comparison is constant-time.
func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ProjectStatus is one tracked project's cached CI and branch state.
type ProjectStatus struct {
	Project  string                `json:"project"`
	Pipeline *cache.PipelineRecord `json:"pipeline,omitempty"`
	Branch   *cache.BranchRecord   `json:"branch,omitempty"`
}

func handleListProjects(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pipelines, err := deps.Regions.Pipelines.Get()
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "reading pipeline cache: %v", err)
			return
		}
		branches, err := deps.Regions.Branches.Get()
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "reading branch cache: %v", err)
			return
		}

		statuses := make([]ProjectStatus, 0, len(deps.Projects))
		for _, project := range deps.Projects {
			status := ProjectStatus{Project: project}
			if rec, ok := pipelines[project]; ok {
				status.Pipeline = &rec
			}
			if rec, ok := branches[project]; ok {
				status.Branch = &rec
			}
			statuses = append(statuses, status)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statuses)
	}
}

// SummaryResponse carries the cached scan results plus their freshness.
type SummaryResponse struct {
	Fresh    bool                        `json:"fresh"`
	Projects map[string]cache.ScanRecord `json:"projects"`
	Rows     []summary.Row               `json:"rows"`
}

func handleSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scans, err := deps.Regions.ScanResults.Get()
		if errors.Is(err, cache.ErrNotFound) {
			scans = map[string]cache.ScanRecord{}
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading scan results: %v", err)
			return
		}

		resp := SummaryResponse{
			Fresh:    deps.Regions.ScanResults.Fresh(scanResultsMaxAge),
			Projects: scans,
			Rows:     aggregateScans(scans),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// aggregateScans folds the cached per-project records into summary rows.
func aggregateScans(scans map[string]cache.ScanRecord) []summary.Row {
	reports := make([]summary.ProjectReport, 0, len(scans))
	for project, record := range scans {
		rep := summary.ProjectReport{Project: project, FullyRemediated: record.FullyRemediated}
		for title, stat := range record.Issues {
			rep.Issues = append(rep.Issues, summary.IssueOutcome{
				Category: title,
				Status:   statusFromLabel(stat.SolutionStatus),
			})
		}
		reports = append(reports, rep)
	}
	return summary.Aggregate(reports)
}

// statusFromLabel maps a cached status label back onto its ranking.
func statusFromLabel(label string) summary.Status {
	switch {
	case strings.HasPrefix(label, "specific"):
		return summary.Status{Kind: summary.StatusSpecific}
	case strings.HasPrefix(label, "generic"):
		return summary.Status{Kind: summary.StatusGeneric}
	case label == "solution attach failed":
		return summary.Status{Kind: summary.StatusAttachFailed}
	default:
		return summary.Status{Kind: summary.StatusNone}
	}
}

func handleProjectReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := chi.URLParam(r, "project")

		scans, err := deps.Regions.ScanResults.Get()
		if errors.Is(err, cache.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no scan results cached")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading scan results: %v", err)
			return
		}

		record, ok := scans[project]
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no scan results for project %s", project)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(record)
	}
}

// jobRequest selects which projects a queued job covers. An empty list
// means every tracked project.
type jobRequest struct {
	Projects []string `json:"projects"`
}

func (req *jobRequest) resolve(deps AppDeps) []string {
	if len(req.Projects) > 0 {
		return req.Projects
	}
	return deps.Projects
}

func enqueue(deps AppDeps, jobType string, projects []string) (string, error) {
	payload, err := json.Marshal(worker.Payload{Projects: projects})
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}
	job := cache.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(payload),
	}
	if err := deps.Store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueuing %s: %w", jobType, err)
	}
	return job.ID, nil
}

// handleRefresh queues a report fetch followed by a processing pass.
func handleRefresh(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		projects := req.resolve(deps)
		fetchID, err := enqueue(deps, worker.JobFetchReports, projects)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		processID, err := enqueue(deps, worker.JobProcessReports, nil)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "queued",
			"jobs":   []string{fetchID, processID},
		})
	}
}

func handleTrigger(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		jobID, err := enqueue(deps, worker.JobTriggerPipeline, req.resolve(deps))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "queued",
			"job":    jobID,
		})
	}
}

func handleClearCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region := chi.URLParam(r, "region")

		var err error
		if region == "all" {
			err = deps.Store.ClearAll()
		} else {
			err = deps.Store.Clear(region)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing cache: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared", "region": region})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
