package devops

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Build result values as Azure DevOps reports them.
const (
	ResultSucceeded          = "succeeded"
	ResultPartiallySucceeded = "partiallySucceeded"
	ResultFailed             = "failed"
	ResultCanceled           = "canceled"
)

// Pipeline is one build definition.
type Pipeline struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Build is one completed pipeline run.
type Build struct {
	ID           int       `json:"id"`
	Result       string    `json:"result"`
	SourceBranch string    `json:"sourceBranch"`
	FinishTime   time.Time `json:"finishTime"`
}

// Branch returns the source branch without the refs/heads/ prefix.
func (b Build) Branch() string {
	return strings.TrimPrefix(b.SourceBranch, "refs/heads/")
}

// Artifact is one published build artifact.
type Artifact struct {
	ID       int              `json:"id"`
	Name     string           `json:"name"`
	Resource ArtifactResource `json:"resource"`
}

// ArtifactResource locates an artifact's backing container.
type ArtifactResource struct {
	// Data is a container locator of the form "#/{containerID}/{name}".
	Data        string `json:"data"`
	DownloadURL string `json:"downloadUrl"`
}

// ContainerID extracts the numeric container id from the resource locator.
func (r ArtifactResource) ContainerID() (int64, error) {
	parts := strings.Split(strings.TrimPrefix(r.Data, "#/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return 0, fmt.Errorf("malformed container locator %q", r.Data)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed container locator %q: %w", r.Data, err)
	}
	return id, nil
}

// ItemPath extracts the folder portion of the resource locator, which is
// the item path files are listed under.
func (r ArtifactResource) ItemPath() string {
	parts := strings.SplitN(strings.TrimPrefix(r.Data, "#/"), "/", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

// ContainerFile is one file inside an artifact container.
type ContainerFile struct {
	Path            string `json:"path"`
	ItemType        string `json:"itemType"`
	ContentLocation string `json:"contentLocation"`
}

// Repository is one git repository in the project.
type Repository struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Run is the state of a queued pipeline run.
type Run struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	Name  string `json:"name"`
}

// listResponse is the envelope Azure DevOps wraps every collection in.
type listResponse[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

// refEntry mirrors one entry of GET git/repositories/{id}/refs.
type refEntry struct {
	Name string `json:"name"`
}

// runRequest is the JSON body for POST pipelines/{id}/runs.
type runRequest struct {
	Resources runResources `json:"resources"`
}

type runResources struct {
	Repositories map[string]runRepository `json:"repositories"`
}

type runRepository struct {
	RefName string `json:"refName"`
}
