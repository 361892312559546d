package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Weight is the contribution of one finding to the risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 25
	case SeverityHigh:
		return 15
	case SeverityMedium:
		return 7
	case SeverityLow:
		return 3
	default:
		return 0
	}
}

// Rank orders severities from LOW (1) to CRITICAL (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

type Category string

const (
	CategorySecurity Category = "security"
	CategoryQuality  Category = "quality"
)

func (c Category) Valid() bool {
	return c == CategorySecurity || c == CategoryQuality
}

type Action string

const (
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionIgnore Action = "ignore"
)

type Finding struct {
	PatternID      string   `json:"pattern_id"`
	PatternName    string   `json:"pattern_name"`
	Category       Category `json:"category"`
	Severity       Severity `json:"severity"`
	FilePath       string   `json:"file_path"`
	Line           int      `json:"line_number"`
	Snippet        string   `json:"snippet"`
	Recommendation string   `json:"recommendation"`
	CWE            string   `json:"cwe,omitempty"`
	OWASP          string   `json:"owasp,omitempty"`
	Compliance     []string `json:"compliance_tags,omitempty"`
	Fingerprint    string   `json:"fingerprint"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

type CategoryCounts struct {
	Security int `json:"security"`
	Quality  int `json:"quality"`
}

type ScanSummary struct {
	FilesScanned      int            `json:"files_scanned"`
	FilesSkipped      int            `json:"files_skipped"`
	TotalLines        int            `json:"total_lines"`
	TotalIssues       int            `json:"total_issues"`
	RiskScore         float64        `json:"risk_score"`
	DurationSeconds   float64        `json:"duration_seconds"`
	ComplianceSummary map[string]int `json:"compliance_summary"`
	BySeverity        SeverityCounts `json:"by_severity"`
	ByCategory        CategoryCounts `json:"by_category"`
}

type Report struct {
	SchemaVersion   string         `json:"schema_version"`
	ScanID          string         `json:"scan_id"`
	ToolVersion     string         `json:"tool_version"`
	RootPath        string         `json:"root_path"`
	ScanTimestamp   time.Time      `json:"scan_timestamp"`
	Summary         ScanSummary    `json:"summary"`
	Findings        []Finding      `json:"findings"`
	Recommendations []string       `json:"recommendations"`
	FilesByType     map[string]int `json:"files_by_type"`
}

func NewScanID() string {
	return "scan-" + uuid.NewString()
}

var wsPattern = regexp.MustCompile(`\s+`)

func Fingerprint(patternID, file string, line int, snippet string) string {
	normalizedSnippet := wsPattern.ReplaceAllString(strings.TrimSpace(snippet), " ")
	if len(normalizedSnippet) > 240 {
		normalizedSnippet = normalizedSnippet[:240]
	}
	raw := fmt.Sprintf("%s|%s|%d|%s", patternID, file, line, normalizedSnippet)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func NormalizeSeverity(raw string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return SeverityCritical, true
	case "high", "error":
		return SeverityHigh, true
	case "medium", "warning", "warn":
		return SeverityMedium, true
	case "low", "info", "note":
		return SeverityLow, true
	default:
		return "", false
	}
}

func NormalizeCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	return c, c.Valid()
}
