package output

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/V3idt/lattice-audit/internal/model"
	"github.com/V3idt/lattice-audit/internal/policy"
)

var csvHeader = []string{
	"category", "file", "line", "pattern_id", "pattern", "severity", "action", "cwe", "compliance", "snippet", "recommendation",
}

func renderCSV(w io.Writer, report model.Report, verdict policy.Verdict) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i, f := range report.Findings {
		record := []string{
			string(f.Category),
			f.FilePath,
			strconv.Itoa(f.Line),
			f.PatternID,
			f.PatternName,
			string(f.Severity),
			string(actionAt(verdict, i)),
			f.CWE,
			strings.Join(f.Compliance, ";"),
			f.Snippet,
			f.Recommendation,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
