// Package pipeline drives the report processing flow: decompose a report,
// write one file per finding, attach solutions, and roll the outcomes up
// into summaries and the cache.
package pipeline

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/report"
	"github.com/evanmendix/evergreen-fortify/internal/solution"
	"github.com/evanmendix/evergreen-fortify/internal/summary"
)

// GlobalSummaryFile is the cross-project overview written after a batch.
const GlobalSummaryFile = "security_findings_summary.md"

// Processor turns raw scan reports into per-finding markdown plus summaries.
type Processor struct {
	outputDir string
	library   *solution.Library
	regions   *cache.Regions
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Processor writing decomposed reports under outputDir.
func New(outputDir string, library *solution.Library, regions *cache.Regions, logger *slog.Logger) *Processor {
	return &Processor{
		outputDir: outputDir,
		library:   library,
		regions:   regions,
		logger:    logger,
		now:       time.Now,
	}
}

// projectFromFile derives the project name from a report filename, for
// example "imc-fortify-result.pdf" becomes "imc".
func projectFromFile(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.TrimSuffix(name, "-fortify-result")
}

// ProcessFile decomposes one PDF report.
func (p *Processor) ProcessFile(pdfPath string) (summary.ProjectReport, error) {
	project := projectFromFile(pdfPath)
	text, err := report.ExtractText(pdfPath)
	if err != nil {
		return summary.ProjectReport{}, fmt.Errorf("processing %s: %w", project, err)
	}
	return p.ProcessText(project, text)
}

// ProcessText decomposes one report's text, writes the per-finding files
// for the project and records the outcome in the scan-results cache. The
// project's previous output is replaced wholesale.
func (p *Processor) ProcessText(project, text string) (summary.ProjectReport, error) {
	dir := filepath.Join(p.outputDir, project)
	if err := os.RemoveAll(dir); err != nil {
		return summary.ProjectReport{}, fmt.Errorf("clearing output for %s: %w", project, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return summary.ProjectReport{}, fmt.Errorf("creating output for %s: %w", project, err)
	}

	rep := report.Decompose(text)
	result := summary.ProjectReport{Project: project, FullyRemediated: rep.FullyRemediated}

	if rep.FullyRemediated {
		p.logger.Info("no findings in report, project fully remediated", "project", project)
		status := report.RenderStatusFile(project, p.now())
		if err := os.WriteFile(filepath.Join(dir, report.StatusFileName), []byte(status), 0o644); err != nil {
			return result, fmt.Errorf("writing status file for %s: %w", project, err)
		}
		if err := p.recordScan(project, rep, result); err != nil {
			p.logger.Warn("scan results cache update failed", "project", project, "error", err)
		}
		return result, nil
	}

	p.logger.Info("decomposed report", "project", project, "issues", len(rep.Issues))

	for _, issue := range rep.Issues {
		path := filepath.Join(dir, report.IssueFileName(issue))
		if err := os.WriteFile(path, []byte(report.RenderIssue(issue)), 0o644); err != nil {
			return result, fmt.Errorf("writing issue file for %s: %w", project, err)
		}

		sol, matched := p.library.Match(issue.Title, issue.HeaderLine)
		attached := false
		if matched {
			if err := appendSolution(path, sol.Content); err != nil {
				p.logger.Warn("solution attach failed", "project", project, "issue", issue.Title, "error", err)
			} else {
				attached = true
			}
		}

		result.Issues = append(result.Issues, summary.IssueOutcome{
			Index:    issue.Index,
			Category: issue.Title,
			Status:   summary.StatusFor(sol, matched, attached),
		})
	}

	projectSummary := summary.RenderProjectSummary(result)
	summaryPath := filepath.Join(dir, project+"_issue_summary.md")
	if err := os.WriteFile(summaryPath, []byte(projectSummary), 0o644); err != nil {
		return result, fmt.Errorf("writing summary for %s: %w", project, err)
	}

	if err := p.recordScan(project, rep, result); err != nil {
		p.logger.Warn("scan results cache update failed", "project", project, "error", err)
	}
	return result, nil
}

// appendSolution appends a matched solution to an issue file.
func appendSolution(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "\n\n---\n# Suggested Remediation\n\n%s", content)
	return err
}

// recordScan updates the project's entry in the scan-results cache region.
func (p *Processor) recordScan(project string, rep report.Report, outcome summary.ProjectReport) error {
	record := cache.ScanRecord{
		Issues:          make(map[string]cache.IssueStat),
		FullyRemediated: rep.FullyRemediated,
		ScanTime:        p.now(),
		LastUpdated:     p.now(),
	}

	statuses := make(map[string]string, len(outcome.Issues))
	for _, issue := range outcome.Issues {
		statuses[issue.Category] = issue.Status.Label()
	}
	for _, issue := range rep.Issues {
		record.Issues[issue.Title] = cache.IssueStat{
			Sources:        issue.SourceCount,
			Sinks:          issue.SinkCount,
			SolutionStatus: statuses[issue.Title],
		}
		record.TotalSources += issue.SourceCount
		record.TotalSinks += issue.SinkCount
	}
	record.TotalIssues = len(rep.Issues)

	// Branch context comes from the freshest fetch, when one exists.
	if pipelines, err := p.regions.Pipelines.Get(); err == nil {
		if info, ok := pipelines[project]; ok {
			record.Branch = cache.BranchRecord{
				BranchName:  strings.TrimPrefix(info.SourceBranch, "refs/heads/"),
				PipelineID:  info.PipelineID,
				LastUpdated: info.LastUpdated,
			}
		}
	}
	if record.Branch.BranchName == "" {
		if branches, err := p.regions.Branches.Get(); err == nil {
			if info, ok := branches[project]; ok {
				record.Branch = info
			}
		}
	}

	return p.regions.ScanResults.Update(func(all map[string]cache.ScanRecord) map[string]cache.ScanRecord {
		if all == nil {
			all = make(map[string]cache.ScanRecord)
		}
		all[project] = record
		return all
	})
}

// ProcessDir processes every PDF under reportsDir (recursively). A failing
// report is logged and skipped so one bad PDF cannot sink the batch. The
// cross-project summary is rewritten afterwards.
func (p *Processor) ProcessDir(reportsDir string) ([]summary.ProjectReport, error) {
	var pdfs []string
	err := filepath.WalkDir(reportsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
			pdfs = append(pdfs, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("reports directory %s does not exist", reportsDir)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", reportsDir, err)
	}

	var results []summary.ProjectReport
	for _, pdf := range pdfs {
		rep, err := p.ProcessFile(pdf)
		if err != nil {
			p.logger.Error("report processing failed", "file", pdf, "error", err)
			continue
		}
		results = append(results, rep)
	}

	if err := p.WriteGlobalSummary(results); err != nil {
		return results, err
	}
	return results, nil
}

// WriteGlobalSummary aggregates the batch outcomes into the overview file.
// Nothing is written for an empty batch.
func (p *Processor) WriteGlobalSummary(results []summary.ProjectReport) error {
	rows := summary.Aggregate(results)
	if len(rows) == 0 {
		return nil
	}

	path := filepath.Join(p.outputDir, GlobalSummaryFile)
	if err := os.WriteFile(path, []byte(summary.RenderGlobalSummary(rows)), 0o644); err != nil {
		return fmt.Errorf("writing global summary: %w", err)
	}
	p.logger.Info("global summary written", "path", path, "categories", len(rows))
	return nil
}
