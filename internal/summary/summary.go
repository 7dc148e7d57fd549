// Package summary builds the per-project and cross-project overviews of
// scan findings and their solution coverage.
package summary

import (
	"fmt"
	"sort"
	"strings"

	"github.com/evanmendix/evergreen-fortify/internal/solution"
)

// StatusKind ranks how well a finding is covered by the solution guides.
// Higher values win when the same category appears in several projects.
type StatusKind int

const (
	// StatusNone means no guide covers the finding.
	StatusNone StatusKind = iota
	// StatusAttachFailed means a solution matched but could not be written.
	// A failed attach still proves a guide exists, so it outranks none.
	StatusAttachFailed
	// StatusGeneric means the severity-wide fallback was attached.
	StatusGeneric
	// StatusSpecific means an issue-specific solution was attached.
	StatusSpecific
)

// Status is the solution coverage of one finding.
type Status struct {
	Kind     StatusKind
	Severity string
}

// StatusFor converts a match result into a Status.
func StatusFor(sol solution.Solution, matched, attached bool) Status {
	if !matched {
		return Status{Kind: StatusNone}
	}
	if !attached {
		return Status{Kind: StatusAttachFailed, Severity: sol.Severity}
	}
	if sol.Kind == solution.KindSpecific {
		return Status{Kind: StatusSpecific, Severity: sol.Severity}
	}
	return Status{Kind: StatusGeneric, Severity: sol.Severity}
}

// Label renders the status for the summary tables.
func (s Status) Label() string {
	switch s.Kind {
	case StatusSpecific:
		return fmt.Sprintf("specific solution (%s)", capitalize(s.Severity))
	case StatusGeneric:
		return fmt.Sprintf("generic solution (%s)", capitalize(s.Severity))
	case StatusAttachFailed:
		return "solution attach failed"
	default:
		return "no matching solution"
	}
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// IssueOutcome is one finding's processing result within a project.
type IssueOutcome struct {
	Index    int
	Category string
	Status   Status
}

// ProjectReport is the processing result for one project.
type ProjectReport struct {
	Project         string
	FullyRemediated bool
	Issues          []IssueOutcome
}

// Row is one line of the cross-project summary.
type Row struct {
	Category string
	Count    int
	Projects []string
	Status   Status
}

// Aggregate folds the per-project outcomes into one row per category.
// Counts add up across projects, the best observed status wins, and rows
// come out ordered by count descending (category name breaking ties) so
// repeated runs produce identical tables.
func Aggregate(reports []ProjectReport) []Row {
	type acc struct {
		count    int
		projects map[string]bool
		status   Status
	}
	byCategory := make(map[string]*acc)

	for _, rep := range reports {
		for _, issue := range rep.Issues {
			a, ok := byCategory[issue.Category]
			if !ok {
				a = &acc{projects: make(map[string]bool), status: Status{Kind: StatusNone}}
				byCategory[issue.Category] = a
			}
			a.count++
			a.projects[rep.Project] = true
			if issue.Status.Kind > a.status.Kind {
				a.status = issue.Status
			}
		}
	}

	rows := make([]Row, 0, len(byCategory))
	for category, a := range byCategory {
		projects := make([]string, 0, len(a.projects))
		for p := range a.projects {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		rows = append(rows, Row{Category: category, Count: a.count, Projects: projects, Status: a.status})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Category < rows[j].Category
	})
	return rows
}

// RenderProjectSummary renders one project's issue table.
func RenderProjectSummary(rep ProjectReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Security Findings Summary\n\n", rep.Project)
	b.WriteString("## Findings and Solution Coverage\n\n")
	b.WriteString("| # | Category | Solution Status |\n")
	b.WriteString("|---|---|---|\n")
	for _, issue := range rep.Issues {
		fmt.Fprintf(&b, "| %d | %s | %s |\n", issue.Index, issue.Category, issue.Status.Label())
	}
	b.WriteString("\n## Notes\n")
	b.WriteString("- **Solution Status** shows whether a remediation guide covers the finding.\n")
	b.WriteString("- A specific solution targets the exact finding; a generic one covers its severity.\n")
	b.WriteString("- Findings without a matching solution need manual triage.\n")
	return b.String()
}

// RenderGlobalSummary renders the cross-project overview table.
func RenderGlobalSummary(rows []Row) string {
	var b strings.Builder
	b.WriteString("# Security Findings Overview\n\n")
	b.WriteString("All analyzed projects folded into one view, highest-frequency findings first.\n\n")
	b.WriteString("## Findings by Category\n\n")
	b.WriteString("| Category | Occurrences | Affected Projects | Solution Status |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "| %s | %d | %s | %s |\n",
			row.Category, row.Count, strings.Join(row.Projects, ", "), row.Status.Label())
	}
	return b.String()
}
