package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V3idt/lattice-audit/internal/model"
)

// ScanMetrics records scan progress on its own registry. It satisfies
// scan.Observer.
type ScanMetrics struct {
	registry *prometheus.Registry

	filesScanned   *prometheus.CounterVec
	filesSkipped   *prometheus.CounterVec
	linesScanned   prometheus.Counter
	patternFailure *prometheus.CounterVec
	findings       *prometheus.CounterVec
	riskScore      prometheus.Gauge
	duration       prometheus.Histogram
	scansCompleted prometheus.Counter
}

func New() *ScanMetrics {
	m := &ScanMetrics{
		registry: prometheus.NewRegistry(),
		filesScanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "files_scanned_total",
				Help:      "Files matched against the catalog, by language",
			},
			[]string{"language"},
		),
		filesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "files_skipped_total",
				Help:      "Files skipped before matching, by reason",
			},
			[]string{"reason"},
		),
		linesScanned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "lines_scanned_total",
				Help:      "Source lines matched against the catalog",
			},
		),
		patternFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "pattern_failures_total",
				Help:      "Patterns abandoned for a file, by pattern and reason",
			},
			[]string{"pattern", "reason"},
		),
		findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "findings_total",
				Help:      "Findings reported, by severity and category",
			},
			[]string{"severity", "category"},
		),
		riskScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "risk_score",
				Help:      "Risk score of the most recent scan",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of directory scans",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		scansCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Subsystem: "scan",
				Name:      "completed_total",
				Help:      "Directory scans completed",
			},
		),
	}

	m.registry.MustRegister(
		m.filesScanned,
		m.filesSkipped,
		m.linesScanned,
		m.patternFailure,
		m.findings,
		m.riskScore,
		m.duration,
		m.scansCompleted,
	)
	return m
}

func (m *ScanMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *ScanMetrics) FileScanned(language string, lines int) {
	if language == "" {
		language = "unknown"
	}
	m.filesScanned.WithLabelValues(language).Inc()
	m.linesScanned.Add(float64(lines))
}

func (m *ScanMetrics) FileSkipped(reason string) {
	m.filesSkipped.WithLabelValues(reason).Inc()
}

func (m *ScanMetrics) PatternFailed(patternID, reason string) {
	m.patternFailure.WithLabelValues(patternID, reason).Inc()
}

func (m *ScanMetrics) ScanCompleted(report model.Report) {
	for _, f := range report.Findings {
		m.findings.WithLabelValues(string(f.Severity), string(f.Category)).Inc()
	}
	m.riskScore.Set(report.Summary.RiskScore)
	m.duration.Observe(report.Summary.DurationSeconds)
	m.scansCompleted.Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *ScanMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
