package output

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/V3idt/lattice-audit/internal/aggregate"
	"github.com/V3idt/lattice-audit/internal/model"
	"github.com/V3idt/lattice-audit/internal/policy"
)

// renderMarkdown writes a summary suitable for pull request comments.
func renderMarkdown(w io.Writer, report model.Report, verdict policy.Verdict) error {
	s := report.Summary
	var b strings.Builder

	fmt.Fprintf(&b, "# Lattice audit report\n\n")
	fmt.Fprintf(&b, "- Root: `%s`\n", report.RootPath)
	fmt.Fprintf(&b, "- Scan: `%s` at %s\n", report.ScanID, report.ScanTimestamp.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- Risk score: **%.1f/100** (%s)\n\n", s.RiskScore, aggregate.RiskBand(s.RiskScore))

	b.WriteString("| Files | Skipped | Lines | Issues | Critical | High | Medium | Low | Blocked |\n")
	b.WriteString("|---:|---:|---:|---:|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %d | %d | %d | %d |\n\n",
		s.FilesScanned, s.FilesSkipped, s.TotalLines, s.TotalIssues,
		s.BySeverity.Critical, s.BySeverity.High, s.BySeverity.Medium, s.BySeverity.Low,
		verdict.Blocked)

	if len(s.ComplianceSummary) > 0 {
		b.WriteString("## Compliance\n\n")
		tags := make([]string, 0, len(s.ComplianceSummary))
		for tag := range s.ComplianceSummary {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			fmt.Fprintf(&b, "- %s: %d\n", tag, s.ComplianceSummary[tag])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recommendations\n\n")
	for i, rec := range report.Recommendations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rec)
	}

	if len(report.Findings) > 0 {
		b.WriteString("\n## Findings\n\n")
		b.WriteString("| Severity | Action | Pattern | Location | Snippet |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for i, f := range report.Findings {
			fmt.Fprintf(&b, "| %s | %s | %s %s | `%s:%d` | %s |\n",
				f.Severity, actionAt(verdict, i), f.PatternID, f.PatternName,
				f.FilePath, f.Line, markdownCell(truncate(f.Snippet, 80)))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func markdownCell(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "`", "'")
	return "`" + s + "`"
}
