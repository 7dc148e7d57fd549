package report

import (
	"fmt"
	"time"
)

// StatusFileName is the marker document written for a project whose report
// contains no findings. The 00_ prefix sorts it ahead of any issue file.
const StatusFileName = "00_project_status.md"

// IssueFileName builds the output filename for one issue, for example
// "001_Path_Manipulation.md".
func IssueFileName(issue Issue) string {
	return NormalizeTitle(fmt.Sprintf("%03d_%s.md", issue.Index, issue.Title))
}

// RenderIssue renders one issue as markdown. When the issue carries evidence
// locations, a review note summarizing them precedes the content.
func RenderIssue(issue Issue) string {
	if issue.Locations() == 0 {
		return issue.Content
	}
	note := fmt.Sprintf(
		"> [!NOTE]\n> This report identifies **%d** code location(s) for review (%d Source(s), %d Sink(s)).\n\n",
		issue.Locations(), issue.SourceCount, issue.SinkCount,
	)
	return note + issue.Content
}

// RenderStatusFile renders the document for a fully remediated project.
func RenderStatusFile(project string, now time.Time) string {
	return fmt.Sprintf(`# %s - Project Status

## All findings remediated

The latest scan report for this project contains no security findings.

- **Status**: fully remediated
- **Last updated**: %s
- **Note**: the latest report carries no finding categories, meaning every previously reported issue has been resolved.

---

> [!SUCCESS]
> This project meets the security compliance bar; no further remediation work is needed.
`, project, now.Format("2006-01-02 15:04:05"))
}
