package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/V3idt/lattice-audit/internal/catalog"
)

type patternView struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Category       string   `json:"category"`
	Severity       string   `json:"severity"`
	Scope          string   `json:"scope"`
	CWE            string   `json:"cwe,omitempty"`
	OWASP          string   `json:"owasp,omitempty"`
	Compliance     []string `json:"compliance_tags,omitempty"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
}

// RenderPatterns lists catalog entries as a table or JSON, security rules
// first, each group in definition order.
func RenderPatterns(w io.Writer, cat *catalog.Catalog, format string) error {
	security, quality := cat.Security(), cat.Quality()
	patterns := append(security, quality...)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		views := make([]patternView, 0, len(patterns))
		for _, p := range patterns {
			views = append(views, patternView{
				ID:             p.ID,
				Name:           p.Name,
				Category:       string(p.Category),
				Severity:       string(p.Severity),
				Scope:          string(p.Scope),
				CWE:            p.CWE,
				OWASP:          p.OWASP,
				Compliance:     p.Compliance,
				Description:    p.Description,
				Recommendation: p.Recommendation,
			})
		}
		return renderJSON(w, map[string]any{"version": cat.Version(), "patterns": views})
	case "table", "":
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tSEVERITY\tSCOPE\tCWE")
		for _, p := range patterns {
			cwe := p.CWE
			if cwe == "" {
				cwe = "-"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Category, p.Severity, p.Scope, cwe)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\n%d patterns (%d security, %d quality; catalog %s)\n",
			len(patterns), len(security), len(quality), cat.Version())
		return err
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
