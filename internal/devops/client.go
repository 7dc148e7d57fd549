// Package devops is a minimal Azure DevOps REST client covering the build,
// pipeline, git and artifact-container endpoints the report workflow needs.
package devops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const apiVersion = "7.1"

// ErrPipelineNotFound is returned when no pipeline matches the requested name.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Client communicates with one Azure DevOps organization/project over HTTPS.
type Client struct {
	baseURL      string
	organization string
	project      string
	pat          string
	httpClient   *http.Client
}

// New creates a Client for the given organization and project, authenticating
// every request with the personal access token.
func New(organization, project, pat string) (*Client, error) {
	if organization == "" || project == "" {
		return nil, errors.New("organization and project are required")
	}
	if pat == "" {
		return nil, errors.New("personal access token is required (set AZURE_DEVOPS_PAT)")
	}
	return &Client{
		baseURL:      "https://dev.azure.com",
		organization: organization,
		project:      project,
		pat:          pat,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}, nil
}

// projectURL builds a project-scoped API URL with the api-version applied.
func (c *Client) projectURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", apiVersion)
	return fmt.Sprintf("%s/%s/%s/_apis/%s?%s",
		c.baseURL, url.PathEscape(c.organization), url.PathEscape(c.project), path, query.Encode())
}

// orgURL builds an organization-scoped API URL with the api-version applied.
func (c *Client) orgURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", apiVersion)
	return fmt.Sprintf("%s/%s/_apis/%s?%s",
		c.baseURL, url.PathEscape(c.organization), path, query.Encode())
}

// getJSON performs an authenticated GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth("", c.pat)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

// ListPipelines returns all build pipelines in the project.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var resp listResponse[Pipeline]
	if err := c.getJSON(ctx, c.projectURL("pipelines", nil), &resp); err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}
	return resp.Value, nil
}

// FindPipeline returns the pipeline matching name (case-insensitive), or
// ErrPipelineNotFound.
func (c *Client) FindPipeline(ctx context.Context, name string) (*Pipeline, error) {
	pipelines, err := c.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		if strings.EqualFold(p.Name, name) {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
}

// ListBuilds returns the most recent completed builds of one pipeline that
// finished succeeded or partiallySucceeded, newest first, capped at top.
func (c *Client) ListBuilds(ctx context.Context, definitionID, top int) ([]Build, error) {
	q := url.Values{}
	q.Set("definitions", fmt.Sprintf("%d", definitionID))
	q.Set("statusFilter", "completed")
	q.Set("resultFilter", ResultSucceeded+","+ResultPartiallySucceeded)
	q.Set("queryOrder", "finishTimeDescending")
	q.Set("$top", fmt.Sprintf("%d", top))

	var resp listResponse[Build]
	if err := c.getJSON(ctx, c.projectURL("build/builds", q), &resp); err != nil {
		return nil, fmt.Errorf("listing builds for definition %d: %w", definitionID, err)
	}
	return resp.Value, nil
}

// ListArtifacts returns the artifacts published by one build.
func (c *Client) ListArtifacts(ctx context.Context, buildID int) ([]Artifact, error) {
	var resp listResponse[Artifact]
	path := fmt.Sprintf("build/builds/%d/artifacts", buildID)
	if err := c.getJSON(ctx, c.projectURL(path, nil), &resp); err != nil {
		return nil, fmt.Errorf("listing artifacts for build %d: %w", buildID, err)
	}
	return resp.Value, nil
}

// ListContainerFiles returns the files stored under one artifact's path in
// its backing container.
func (c *Client) ListContainerFiles(ctx context.Context, containerID int64, itemPath string) ([]ContainerFile, error) {
	q := url.Values{}
	q.Set("itemPath", itemPath)

	var resp listResponse[ContainerFile]
	path := fmt.Sprintf("resources/Containers/%d", containerID)
	if err := c.getJSON(ctx, c.orgURL(path, q), &resp); err != nil {
		return nil, fmt.Errorf("listing container %d files: %w", containerID, err)
	}
	return resp.Value, nil
}

// DownloadFile streams the file at contentLocation into destPath. The
// download goes to a temporary file first and is renamed into place only
// once the body has been read in full, so an existing copy at destPath is
// never replaced by a truncated one.
func (c *Client) DownloadFile(ctx context.Context, contentLocation, destPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentLocation, nil)
	if err != nil {
		return fmt.Errorf("creating download request: %w", err)
	}
	req.SetBasicAuth("", c.pat)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", destPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %d", destPath, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", destPath, err)
	}

	_, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", destPath, err)
	}

	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("moving %s into place: %w", destPath, err)
	}
	return nil
}

// ListRepositories returns all git repositories in the project.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var resp listResponse[Repository]
	if err := c.getJSON(ctx, c.projectURL("git/repositories", nil), &resp); err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	return resp.Value, nil
}

// ListBranches returns the branch names of one repository matching the given
// heads filter (for example "heads/evergreen/"), without the refs/heads/
// prefix.
func (c *Client) ListBranches(ctx context.Context, repoID, filter string) ([]string, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}

	var resp listResponse[refEntry]
	path := fmt.Sprintf("git/repositories/%s/refs", url.PathEscape(repoID))
	if err := c.getJSON(ctx, c.projectURL(path, q), &resp); err != nil {
		return nil, fmt.Errorf("listing branches for %s: %w", repoID, err)
	}

	names := make([]string, len(resp.Value))
	for i, ref := range resp.Value {
		names[i] = strings.TrimPrefix(ref.Name, "refs/heads/")
	}
	return names, nil
}

// RunPipeline queues a run of the pipeline on the given branch.
func (c *Client) RunPipeline(ctx context.Context, pipelineID int, branch string) (*Run, error) {
	body, err := json.Marshal(runRequest{
		Resources: runResources{
			Repositories: map[string]runRepository{
				"self": {RefName: "refs/heads/" + branch},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rawURL := c.projectURL(fmt.Sprintf("pipelines/%d/runs", pipelineID), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("", c.pat)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queuing pipeline %d: %w", pipelineID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("queuing pipeline %d: unexpected status %d", pipelineID, resp.StatusCode)
	}

	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("decoding run response: %w", err)
	}
	return &run, nil
}
