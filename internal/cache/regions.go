package cache

import "time"

// Region names and current payload schema versions. Bump a version (and
// register a migration in NewRegions) whenever its record shape changes.
const (
	RegionDownloadState  = "download_state"
	RegionPipelineStatus = "pipeline_status"
	RegionScanResults    = "scan_results"
	RegionBranchInfo     = "branch_info"

	downloadStateVersion  = 1
	pipelineStatusVersion = 1
	scanResultsVersion    = 1
	branchInfoVersion     = 1
)

// PipelineRecord is the cached CI state for one project.
type PipelineRecord struct {
	PipelineID   int       `json:"pipeline_id"`
	BuildID      string    `json:"build_id"`
	Result       string    `json:"result"`
	SourceBranch string    `json:"source_branch"`
	FinishTime   time.Time `json:"finish_time"`
	LastUpdated  time.Time `json:"last_updated"`
}

// BranchRecord is the cached resolved branch for one project.
type BranchRecord struct {
	BranchName  string    `json:"branch_name"`
	PipelineID  int       `json:"pipeline_id"`
	LastUpdated time.Time `json:"last_updated"`
}

// IssueStat is the cached per-category evidence tally for one project.
type IssueStat struct {
	Sources        int    `json:"sources"`
	Sinks          int    `json:"sinks"`
	SolutionStatus string `json:"solution_status"`
}

// ScanRecord is the cached decomposition outcome for one project.
type ScanRecord struct {
	Issues          map[string]IssueStat `json:"issues"`
	TotalIssues     int                  `json:"total_issues"`
	TotalSources    int                  `json:"total_sources"`
	TotalSinks      int                  `json:"total_sinks"`
	FullyRemediated bool                 `json:"fully_remediated"`
	ScanTime        time.Time            `json:"scan_time"`
	Branch          BranchRecord         `json:"branch"`
	LastUpdated     time.Time            `json:"last_updated"`
}

// Regions bundles the typed region handles every component shares.
type Regions struct {
	// DownloadState maps project name to the last build id acted upon.
	DownloadState *Region[map[string]string]
	// Pipelines maps project name to its latest observed CI state.
	Pipelines *Region[map[string]PipelineRecord]
	// ScanResults maps project name to its latest decomposition outcome.
	ScanResults *Region[map[string]ScanRecord]
	// Branches maps project name to its resolved scan branch.
	Branches *Region[map[string]BranchRecord]
}

// NewRegions creates the typed region handles over one store.
func NewRegions(store *Store) *Regions {
	return &Regions{
		DownloadState: NewRegion[map[string]string](store, RegionDownloadState, downloadStateVersion, nil),
		Pipelines:     NewRegion[map[string]PipelineRecord](store, RegionPipelineStatus, pipelineStatusVersion, nil),
		ScanResults:   NewRegion[map[string]ScanRecord](store, RegionScanResults, scanResultsVersion, nil),
		Branches:      NewRegion[map[string]BranchRecord](store, RegionBranchInfo, branchInfoVersion, nil),
	}
}
