// Package report turns the text of a scan report into one markdown document
// per finding category.
package report

import (
	"fmt"
	"regexp"
	"strings"
)

const categoryMarker = "Category: "

// Issue is one finding category cut out of a report.
type Issue struct {
	Index       int
	Title       string
	HeaderLine  string
	Content     string
	SourceCount int
	SinkCount   int
}

// Locations is the number of code locations flagged for review.
func (i Issue) Locations() int {
	return i.SourceCount + i.SinkCount
}

// Report is the decomposition of one project's scan report.
type Report struct {
	// FullyRemediated is set when the report contains no finding
	// categories at all.
	FullyRemediated bool
	Issues          []Issue
}

var (
	issueCountRe  = regexp.MustCompile(`\d+ Issues?`)
	titleRe       = regexp.MustCompile(`Category: (.+?)\s*\(`)
	countSuffixRe = regexp.MustCompile(`\s*\(\d+\s+Issues?.*?\)\s*$`)
	pageRe        = regexp.MustCompile(`^Page \d+ of \d+$`)
	digitRowRe    = regexp.MustCompile(`^(\d+\s*)+$`)
	severityRowRe = regexp.MustCompile(`^(Critical|High|Medium|Low)$`)
	issuesFoundRe = regexp.MustCompile(`Issues\s+Found`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
)

// Decompose splits raw report text into per-category issues. Each category
// span is cleaned of page furniture and its evidence lines are wrapped in
// code fences. A report without any category marker is fully remediated.
func Decompose(text string) Report {
	spans := categorySpans(text)
	if len(spans) == 0 {
		return Report{FullyRemediated: true}
	}

	issues := make([]Issue, 0, len(spans))
	for i, span := range spans {
		span = strings.TrimSpace(span)
		headerLine, _, _ := strings.Cut(span, "\n")

		title := fmt.Sprintf("Unknown_Category_%d", i+1)
		if m := titleRe.FindStringSubmatch(headerLine); m != nil {
			title = strings.TrimSpace(m[1])
		}

		content := fenceEvidence(cleanContent(span))
		issues = append(issues, Issue{
			Index:       i + 1,
			Title:       title,
			HeaderLine:  headerLine,
			Content:     content,
			SourceCount: strings.Count(content, "Source:"),
			SinkCount:   strings.Count(content, "Sink:"),
		})
	}
	return Report{Issues: issues}
}

// categorySpans cuts the text into category spans. A span starts at a
// category marker, must contain an issue count, and runs to the next marker
// past that count. Markers without a count between them and the count are
// absorbed into the preceding span, matching how the reports nest category
// names inside chart labels.
func categorySpans(text string) []string {
	var starts []int
	for i := 0; ; {
		j := strings.Index(text[i:], categoryMarker)
		if j < 0 {
			break
		}
		starts = append(starts, i+j)
		i += j + len(categoryMarker)
	}

	var spans []string
	for k := 0; k < len(starts); {
		start := starts[k]
		loc := issueCountRe.FindStringIndex(text[start+len(categoryMarker):])
		if loc == nil {
			break
		}
		countEnd := start + len(categoryMarker) + loc[1]

		k++
		for k < len(starts) && starts[k] < countEnd {
			k++
		}
		end := len(text)
		if k < len(starts) {
			end = starts[k]
		}
		spans = append(spans, text[start:end])
	}
	return spans
}

// appendixMarkers open the report sections that trail the findings. Anything
// from the first marker on is cut from a category span.
var appendixMarkers = []string{
	"Issue Breakdown by Category",
	"Total Files Scanned",
	"Scanned Files List",
}

// cleanContent strips page furniture, chart artifacts and the appendix from
// one category span, and drops the issue count from the category header.
func cleanContent(text string) string {
	for _, marker := range appendixMarkers {
		if idx := strings.Index(text, marker); idx >= 0 {
			text = text[:idx]
		}
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.Contains(line, "Fortify_Summary_Report") || strings.Contains(line, "Static Code Analysis") {
			continue
		}
		if pageRe.MatchString(trimmed) {
			continue
		}
		if digitRowRe.MatchString(trimmed) || severityRowRe.MatchString(trimmed) || issuesFoundRe.MatchString(trimmed) {
			continue
		}
		if strings.HasPrefix(trimmed, categoryMarker) {
			line = countSuffixRe.ReplaceAllString(line, "")
		}
		kept = append(kept, line)
	}

	cleaned := blankRunsRe.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(cleaned)
}

// fenceEvidence wraps the code lines following Source: and Sink: markers in
// markdown code fences. A marker closes any open fence and opens a new one
// after itself; a blank line closes the open fence.
func fenceEvidence(text string) string {
	var out []string
	inFence := false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Source:") || strings.HasPrefix(trimmed, "Sink:"):
			if inFence {
				out = append(out, "```")
			}
			out = append(out, line, "```")
			inFence = true
		case trimmed == "" && inFence:
			out = append(out, "```", line)
			inFence = false
		default:
			out = append(out, line)
		}
	}
	if inFence {
		out = append(out, "```")
	}
	return strings.Join(out, "\n")
}

var (
	forbiddenCharsRe = regexp.MustCompile(`[\\/*?:"<>|]`)
	whitespaceRe     = regexp.MustCompile(`\s+`)
	underscoreRunsRe = regexp.MustCompile(`_+`)
)

// NormalizeTitle converts an issue title into a form safe for filenames and
// stable for lookups: forbidden characters removed, whitespace collapsed to
// single underscores, capped at 100 characters.
func NormalizeTitle(title string) string {
	s := forbiddenCharsRe.ReplaceAllString(title, "")
	s = whitespaceRe.ReplaceAllString(s, "_")
	s = underscoreRunsRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
