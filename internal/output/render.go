package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/V3idt/lattice-audit/internal/aggregate"
	"github.com/V3idt/lattice-audit/internal/model"
	"github.com/V3idt/lattice-audit/internal/policy"
)

// Formats accepted by Render.
var Formats = []string{"table", "json", "sarif", "csv", "markdown"}

// Render writes report in the requested format. verdict may be the zero
// value, in which case every finding is shown as "warn".
func Render(w io.Writer, report model.Report, verdict policy.Verdict, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return renderJSON(w, report)
	case "sarif":
		return renderSARIF(w, report)
	case "csv":
		return renderCSV(w, report, verdict)
	case "markdown", "md":
		return renderMarkdown(w, report, verdict)
	case "table", "":
		return renderTable(w, report, verdict)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(w io.Writer, report model.Report, verdict policy.Verdict) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEVERITY\tACTION\tPATTERN\tLOCATION\tSNIPPET")
	for i, finding := range report.Findings {
		location := fmt.Sprintf("%s:%d", finding.FilePath, finding.Line)
		_, _ = fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%s\t%s\n",
			finding.Severity,
			actionAt(verdict, i),
			finding.PatternID+" "+finding.PatternName,
			location,
			truncate(finding.Snippet, 80),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := report.Summary
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(
		w,
		"Summary: files=%d skipped=%d lines=%d total=%d critical=%d high=%d medium=%d low=%d blocked=%d warnings=%d\n",
		s.FilesScanned,
		s.FilesSkipped,
		s.TotalLines,
		s.TotalIssues,
		s.BySeverity.Critical,
		s.BySeverity.High,
		s.BySeverity.Medium,
		s.BySeverity.Low,
		verdict.Blocked,
		verdict.Warned,
	)
	_, err := fmt.Fprintf(w, "Risk score: %.1f/100 (%s)\n", s.RiskScore, aggregate.RiskBand(s.RiskScore))
	return err
}

type sarifRoot struct {
	Version string     `json:"version"`
	Schema  string     `json:"$schema"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Rules   []sarifRule `json:"rules,omitempty"`
}

type sarifRule struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name,omitempty"`
	ShortDescription sarifMultiformatMessage `json:"shortDescription,omitempty"`
	Help             sarifMultiformatMessage `json:"help,omitempty"`
	Properties       map[string]any          `json:"properties,omitempty"`
}

type sarifResult struct {
	RuleID              string                  `json:"ruleId"`
	Level               string                  `json:"level"`
	Message             sarifMultiformatMessage `json:"message"`
	Locations           []sarifLocation         `json:"locations"`
	PartialFingerprints map[string]string       `json:"partialFingerprints,omitempty"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           sarifRegion           `json:"region"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine int           `json:"startLine"`
	Snippet   *sarifSnippet `json:"snippet,omitempty"`
}

type sarifSnippet struct {
	Text string `json:"text"`
}

type sarifMultiformatMessage struct {
	Text string `json:"text"`
}

func renderSARIF(w io.Writer, report model.Report) error {
	rulesByID := map[string]sarifRule{}
	sarifResults := make([]sarifResult, 0, len(report.Findings))

	for _, finding := range report.Findings {
		if _, ok := rulesByID[finding.PatternID]; !ok {
			props := map[string]any{
				"category": string(finding.Category),
				"severity": string(finding.Severity),
			}
			tags := []string{string(finding.Category)}
			if finding.CWE != "" {
				props["cwe"] = finding.CWE
				tags = append(tags, "external/cwe/"+strings.ToLower(finding.CWE))
			}
			if finding.OWASP != "" {
				props["owasp"] = finding.OWASP
			}
			tags = append(tags, finding.Compliance...)
			props["tags"] = tags

			rulesByID[finding.PatternID] = sarifRule{
				ID:               finding.PatternID,
				Name:             finding.PatternName,
				ShortDescription: sarifMultiformatMessage{Text: finding.PatternName},
				Help:             sarifMultiformatMessage{Text: finding.Recommendation},
				Properties:       props,
			}
		}

		region := sarifRegion{StartLine: finding.Line}
		if finding.Snippet != "" {
			region.Snippet = &sarifSnippet{Text: finding.Snippet}
		}
		sarifResults = append(sarifResults, sarifResult{
			RuleID:  finding.PatternID,
			Level:   sarifLevel(finding.Severity),
			Message: sarifMultiformatMessage{Text: finding.PatternName + ": " + finding.Recommendation},
			Locations: []sarifLocation{{
				PhysicalLocation: sarifPhysicalLocation{
					ArtifactLocation: sarifArtifactLocation{URI: finding.FilePath},
					Region:           region,
				},
			}},
			PartialFingerprints: map[string]string{"latticeFingerprint/v1": finding.Fingerprint},
		})
	}

	rules := make([]sarifRule, 0, len(rulesByID))
	for _, rule := range rulesByID {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	doc := sarifRoot{
		Version: "2.1.0",
		Schema:  "https://json.schemastore.org/sarif-2.1.0.json",
		Runs: []sarifRun{{
			Tool:    sarifTool{Driver: sarifDriver{Name: "lattice", Version: report.ToolVersion, Rules: rules}},
			Results: sarifResults,
		}},
	}
	return renderJSON(w, doc)
}

func sarifLevel(severity model.Severity) string {
	switch severity {
	case model.SeverityCritical, model.SeverityHigh:
		return "error"
	case model.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}

func actionAt(verdict policy.Verdict, i int) model.Action {
	if i < len(verdict.Actions) {
		return verdict.Actions[i]
	}
	return model.ActionWarn
}

func truncate(value string, limit int) string {
	r := []rune(value)
	if len(r) <= limit {
		return value
	}
	if limit < 4 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
