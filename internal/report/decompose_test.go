package report

import (
	"strings"
	"testing"
)

const sampleReport = `Fortify_Summary_Report
Static Code Analysis Results
Page 1 of 3
Category: Path Manipulation (2 Issues, 1 High)
High
10
Issues Found
Description of the path manipulation weakness.

Source: api/files.go:42
    name := r.URL.Query().Get("name")

Sink: api/files.go:58
    os.Open(filepath.Join(base, name))

Page 2 of 3
Category: SQL Injection (1 Issue, 1 Critical)
Description of the injection weakness.

Sink: store/query.go:17
    db.Query("SELECT * FROM t WHERE id = " + id)

Issue Breakdown by Category
Path Manipulation 2
SQL Injection 1
`

func TestDecompose_SplitsCategories(t *testing.T) {
	rep := Decompose(sampleReport)

	if rep.FullyRemediated {
		t.Fatal("report with findings marked fully remediated")
	}
	if len(rep.Issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(rep.Issues))
	}

	if rep.Issues[0].Title != "Path Manipulation" {
		t.Errorf("issue 1 title = %q", rep.Issues[0].Title)
	}
	if rep.Issues[1].Title != "SQL Injection" {
		t.Errorf("issue 2 title = %q", rep.Issues[1].Title)
	}
	if rep.Issues[0].Index != 1 || rep.Issues[1].Index != 2 {
		t.Errorf("indexes = %d, %d", rep.Issues[0].Index, rep.Issues[1].Index)
	}
}

func TestDecompose_CountsEvidence(t *testing.T) {
	rep := Decompose(sampleReport)

	first := rep.Issues[0]
	if first.SourceCount != 1 || first.SinkCount != 1 {
		t.Errorf("issue 1 counts = %d sources, %d sinks, want 1 and 1", first.SourceCount, first.SinkCount)
	}
	second := rep.Issues[1]
	if second.SourceCount != 0 || second.SinkCount != 1 {
		t.Errorf("issue 2 counts = %d sources, %d sinks, want 0 and 1", second.SourceCount, second.SinkCount)
	}
}

func TestDecompose_StripsNoise(t *testing.T) {
	rep := Decompose(sampleReport)
	content := rep.Issues[0].Content

	for _, gone := range []string{"Page 1 of 3", "Fortify_Summary_Report", "Issues Found", "(2 Issues, 1 High)"} {
		if strings.Contains(content, gone) {
			t.Errorf("content still contains %q:\n%s", gone, content)
		}
	}
	// The bare severity label and the chart digit row are chart artifacts.
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "High" || trimmed == "10" {
			t.Errorf("chart artifact line %q survived", trimmed)
		}
	}
	if !strings.Contains(content, "Category: Path Manipulation") {
		t.Errorf("header line lost its category name:\n%s", content)
	}
}

func TestDecompose_TruncatesAppendix(t *testing.T) {
	rep := Decompose(sampleReport)
	last := rep.Issues[len(rep.Issues)-1].Content

	if strings.Contains(last, "Issue Breakdown by Category") {
		t.Errorf("appendix survived in last issue:\n%s", last)
	}
}

func TestDecompose_NoCategories(t *testing.T) {
	rep := Decompose("Fortify_Summary_Report\nNo findings this time.\n")

	if !rep.FullyRemediated {
		t.Error("empty report not marked fully remediated")
	}
	if len(rep.Issues) != 0 {
		t.Errorf("got %d issues, want 0", len(rep.Issues))
	}
}

func TestDecompose_MarkerWithoutCountAbsorbed(t *testing.T) {
	// A chart label repeats the category name without an issue count; it
	// must not open a span of its own.
	text := "Category: Path Manipulation\nchart label\nCategory: Path Manipulation (3 Issues)\nbody\n"
	rep := Decompose(text)

	if len(rep.Issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(rep.Issues))
	}
	// The span's first line is the bare chart label, which carries no
	// parenthesized count, so the title falls back to a placeholder.
	if rep.Issues[0].Title != "Unknown_Category_1" {
		t.Errorf("title = %q", rep.Issues[0].Title)
	}
}

func TestFenceEvidence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "blank line closes fence",
			in:   "Source: a.go:1\n  code\n\nafter",
			want: "Source: a.go:1\n```\n  code\n```\n\nafter",
		},
		{
			name: "consecutive markers each get a fence",
			in:   "Source: a.go:1\n  s\nSink: b.go:2\n  k",
			want: "Source: a.go:1\n```\n  s\n```\nSink: b.go:2\n```\n  k\n```",
		},
		{
			name: "fence closed at end of input",
			in:   "Sink: b.go:2\n  k",
			want: "Sink: b.go:2\n```\n  k\n```",
		},
		{
			name: "no markers leaves text alone",
			in:   "plain\ntext",
			want: "plain\ntext",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fenceEvidence(tt.in)
			if got != tt.want {
				t.Errorf("fenceEvidence(%q) =\n%q\nwant\n%q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFenceEvidence_BalancedDelimiters(t *testing.T) {
	inputs := []string{
		sampleReport,
		"Source: a\nx\nSink: b\ny\nSource: c\nz",
		"text\n\nSink: only\ncode",
	}
	for _, in := range inputs {
		got := fenceEvidence(in)
		if n := strings.Count(got, "```"); n%2 != 0 {
			t.Errorf("unbalanced fences (%d) in output for %q", n, in)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Cross-Site Scripting: DOM", "Cross-Site_Scripting_DOM"},
		{"Path Manipulation", "Path_Manipulation"},
		{`A/B\C*D?E:F"G<H>I|J`, "ABCDEFGHIJ"},
		{"  spaced   out  ", "spaced_out"},
		{"__already__underscored__", "already_underscored"},
	}
	for _, tt := range tests {
		if got := NormalizeTitle(tt.in); got != tt.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTitle_CapsLength(t *testing.T) {
	long := strings.Repeat("a", 150)
	if got := NormalizeTitle(long); len(got) != 100 {
		t.Errorf("len = %d, want 100", len(got))
	}
}

func TestIssueFileName(t *testing.T) {
	issue := Issue{Index: 3, Title: "Cross-Site Scripting: DOM"}
	if got := IssueFileName(issue); got != "003_Cross-Site_Scripting_DOM.md" {
		t.Errorf("IssueFileName = %q", got)
	}
}

func TestRenderIssue_NotePrefix(t *testing.T) {
	issue := Issue{Title: "X", Content: "Category: X\nbody", SourceCount: 2, SinkCount: 1}
	got := RenderIssue(issue)

	if !strings.Contains(got, "**3** code location(s)") {
		t.Errorf("missing location note:\n%s", got)
	}
	if !strings.Contains(got, "(2 Source(s), 1 Sink(s))") {
		t.Errorf("missing source/sink breakdown:\n%s", got)
	}
	if !strings.HasSuffix(got, "Category: X\nbody") {
		t.Errorf("content not preserved after note:\n%s", got)
	}

	plain := Issue{Title: "Y", Content: "Category: Y\nbody"}
	if got := RenderIssue(plain); got != plain.Content {
		t.Errorf("issue without evidence gained a note:\n%s", got)
	}
}
