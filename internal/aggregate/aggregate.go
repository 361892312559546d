// Package aggregate folds per-file match results into a Report.
package aggregate

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/V3idt/lattice-audit/internal/model"
)

const SchemaVersion = "1.0"

// Recommendation texts, emitted in this order.
const (
	recUrgentFormat   = "URGENT: Address %d high-severity security vulnerabilities immediately"
	recSecurityReview = "Implement security code review process"
	recSecurityCI     = "Add automated security scanning to CI/CD pipeline"
	recRefactor       = "Refactor code to improve maintainability"
	recStandards      = "Establish coding standards and enforcement"
	recUnitTests      = "Add unit tests for complex functions"
	recAllGood        = "Code quality is good - maintain current standards"
)

// File is the outcome of matching one walked file.
type File struct {
	Rel      string
	Ext      string
	Lines    int
	Skipped  bool
	Findings []model.Finding
}

type Input struct {
	RootPath    string
	ScanID      string // generated when empty
	ToolVersion string
	Started     time.Time
	Elapsed     time.Duration
	// Files in walk order. Findings keep this order.
	Files []File
}

// Build produces the Report for one scan. It never fails: an empty input
// yields a zero-risk report with the all-clear recommendation.
func Build(in Input) model.Report {
	scanID := in.ScanID
	if scanID == "" {
		scanID = model.NewScanID()
	}
	started := in.Started
	if started.IsZero() {
		started = time.Now()
	}

	summary := model.ScanSummary{
		ComplianceSummary: map[string]int{},
		DurationSeconds:   math.Round(in.Elapsed.Seconds()*1000) / 1000,
	}
	findings := make([]model.Finding, 0)
	byType := make(map[string]int)

	for _, f := range in.Files {
		summary.FilesScanned++
		if f.Ext != "" {
			byType[f.Ext]++
		}
		if f.Skipped {
			summary.FilesSkipped++
			continue
		}
		summary.TotalLines += f.Lines
		findings = append(findings, f.Findings...)
	}

	for _, f := range findings {
		countSeverity(&summary.BySeverity, f.Severity)
		switch f.Category {
		case model.CategorySecurity:
			summary.ByCategory.Security++
		case model.CategoryQuality:
			summary.ByCategory.Quality++
		}
		for _, tag := range f.Compliance {
			summary.ComplianceSummary[tag]++
		}
	}
	summary.TotalIssues = len(findings)
	summary.RiskScore = RiskScore(findings, summary.TotalLines)

	return model.Report{
		SchemaVersion:   SchemaVersion,
		ScanID:          scanID,
		ToolVersion:     in.ToolVersion,
		RootPath:        in.RootPath,
		ScanTimestamp:   started.UTC(),
		Summary:         summary,
		Findings:        findings,
		Recommendations: Recommendations(findings),
		FilesByType:     byType,
	}
}

func countSeverity(c *model.SeverityCounts, s model.Severity) {
	switch s {
	case model.SeverityCritical:
		c.Critical++
	case model.SeverityHigh:
		c.High++
	case model.SeverityMedium:
		c.Medium++
	case model.SeverityLow:
		c.Low++
	}
}

// RiskScore weighs findings by severity and normalizes by code size:
// min(100, sum/(lines/200+1)*5), rounded to one decimal. Zero lines score 0.
func RiskScore(findings []model.Finding, totalLines int) float64 {
	if totalLines <= 0 || len(findings) == 0 {
		return 0
	}
	weight := 0
	for _, f := range findings {
		weight += f.Severity.Weight()
	}
	score := float64(weight) / (float64(totalLines)/200 + 1) * 5
	return roundHalfEven(math.Min(100, score), 1)
}

// roundHalfEven rounds the exact binary value of v to the given number of
// decimals, ties to even.
func roundHalfEven(v float64, decimals int) float64 {
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', decimals, 64), 64)
	if err != nil {
		return v
	}
	return rounded
}

// RiskBand buckets a risk score: high from 70, medium from 40, low below.
func RiskBand(score float64) string {
	switch {
	case score >= 70:
		return "high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}

func Recommendations(findings []model.Finding) []string {
	var security, urgent, quality int
	for _, f := range findings {
		switch f.Category {
		case model.CategorySecurity:
			security++
			if f.Severity.Rank() >= model.SeverityHigh.Rank() {
				urgent++
			}
		case model.CategoryQuality:
			quality++
		}
	}

	recs := make([]string, 0, 6)
	if urgent > 0 {
		recs = append(recs, fmt.Sprintf(recUrgentFormat, urgent))
	}
	if security > 0 {
		recs = append(recs, recSecurityReview, recSecurityCI)
	}
	if quality > 0 {
		recs = append(recs, recRefactor, recStandards, recUnitTests)
	}
	if len(recs) == 0 {
		recs = append(recs, recAllGood)
	}
	return recs
}
