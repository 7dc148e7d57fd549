// Package solution loads remediation guides and matches them to report
// findings.
package solution

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanmendix/evergreen-fortify/internal/report"
)

// Kind distinguishes how a solution was matched to a finding.
type Kind string

const (
	// KindSpecific is a solution written for one exact issue title.
	KindSpecific Kind = "specific"
	// KindGeneric is a severity-wide fallback solution.
	KindGeneric Kind = "generic"
)

// Solution is one matched remediation text.
type Solution struct {
	Content  string
	Kind     Kind
	Severity string
}

// entry is one issue-specific section of a guide.
type entry struct {
	content  string
	severity string
}

// Library holds the parsed remediation guides. Specific solutions are keyed
// by normalized issue title, generic ones by severity.
type Library struct {
	generic  map[string]string
	specific map[string]entry
}

// guideFileRe matches guide filenames like "Fortify Critical Solution.md"
// and captures the severity word.
var guideFileRe = regexp.MustCompile(`(?i)Fortify (\w+) Solution\.md`)

// headingRe matches the section headings that open issue-specific solutions.
var headingRe = regexp.MustCompile(`\n## .+`)

// Load builds a Library from the guide files in dir. Files not matching the
// guide naming pattern are skipped; a missing directory yields an empty
// library.
func Load(dir string) (*Library, error) {
	lib := &Library{
		generic:  make(map[string]string),
		specific: make(map[string]entry),
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return lib, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading solutions directory: %w", err)
	}

	for _, e := range entries {
		m := guideFileRe.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		severity := strings.ToLower(m[1])

		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading guide %s: %w", e.Name(), err)
		}
		lib.addGuide(severity, string(content))
	}
	return lib, nil
}

// NewLibrary builds a Library directly from severity-to-content pairs.
func NewLibrary(guides map[string]string) *Library {
	lib := &Library{
		generic:  make(map[string]string),
		specific: make(map[string]entry),
	}
	for severity, content := range guides {
		lib.addGuide(strings.ToLower(severity), content)
	}
	return lib
}

// addGuide splits one guide into its generic preamble and its per-issue
// sections. Each "## Title" heading opens a specific solution; everything
// before the first heading is the severity's generic solution.
func (l *Library) addGuide(severity, content string) {
	headings := headingRe.FindAllStringIndex(content, -1)

	preambleEnd := len(content)
	if len(headings) > 0 {
		preambleEnd = headings[0][0]
	}
	if preamble := strings.TrimSpace(content[:preambleEnd]); preamble != "" {
		l.generic[severity] = preamble
	}

	for i, loc := range headings {
		header := strings.TrimSpace(content[loc[0]:loc[1]])

		bodyEnd := len(content)
		if i+1 < len(headings) {
			bodyEnd = headings[i+1][0]
		}
		body := strings.TrimSpace(content[loc[1]:bodyEnd])

		title := strings.TrimSpace(strings.TrimLeft(header, "# "))
		l.specific[report.NormalizeTitle(title)] = entry{
			content:  header + "\n\n" + body,
			severity: severity,
		}
	}
}

// severities ordered highest first; the first one named in a header wins.
var severities = []string{"critical", "high", "medium", "low"}

// SeverityFromHeader extracts the severity a category header mentions, for
// example "Category: X (1 Issues, 1 High)" yields "high". Returns "" when
// the header names none.
func SeverityFromHeader(headerLine string) string {
	lower := strings.ToLower(headerLine)
	for _, s := range severities {
		if strings.Contains(lower, " "+s) {
			return s
		}
	}
	return ""
}

// Match finds the solution for a finding, preferring an issue-specific one
// over the severity-wide fallback. The second return is false when neither
// exists.
func (l *Library) Match(title, headerLine string) (Solution, bool) {
	if e, ok := l.specific[report.NormalizeTitle(title)]; ok {
		return Solution{Content: e.content, Kind: KindSpecific, Severity: e.severity}, true
	}
	if severity := SeverityFromHeader(headerLine); severity != "" {
		if content, ok := l.generic[severity]; ok {
			return Solution{Content: content, Kind: KindGeneric, Severity: severity}, true
		}
	}
	return Solution{}, false
}

// Empty reports whether the library holds no solutions at all.
func (l *Library) Empty() bool {
	return len(l.generic) == 0 && len(l.specific) == 0
}
