package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/V3idt/lattice-audit/internal/aggregate"
	"github.com/V3idt/lattice-audit/internal/catalog"
	"github.com/V3idt/lattice-audit/internal/matcher"
	"github.com/V3idt/lattice-audit/internal/model"
	"github.com/V3idt/lattice-audit/internal/walker"
)

const ToolVersion = "0.2.0"

// Observer receives scan progress. Implementations must be safe for
// concurrent use; file callbacks arrive from worker goroutines.
type Observer interface {
	FileScanned(language string, lines int)
	FileSkipped(reason string)
	PatternFailed(patternID, reason string)
	ScanCompleted(report model.Report)
}

type Options struct {
	// Workers bounds concurrent file matching. Zero means runtime.NumCPU().
	Workers  int
	Matcher  matcher.Options
	Walker   walker.Options
	Observer Observer
}

type Scanner struct {
	catalog  *catalog.Catalog
	matcher  *matcher.Matcher
	walkOpts walker.Options
	workers  int
	observer Observer
}

func New(cat *catalog.Catalog, opts Options) *Scanner {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Scanner{
		catalog:  cat,
		matcher:  matcher.New(cat, opts.Matcher),
		walkOpts: opts.Walker,
		workers:  workers,
		observer: observer,
	}
}

func (s *Scanner) Catalog() *catalog.Catalog {
	return s.catalog
}

// ScanFile matches a single file outside any directory walk. Findings carry
// the file's base name as their path. Unreadable files yield no findings.
func (s *Scanner) ScanFile(path string) []model.Finding {
	res := s.matcher.ScanFile(path, filepath.Base(path))
	s.observeResult(languageOf(path), res)
	if res.Findings == nil {
		return []model.Finding{}
	}
	return res.Findings
}

// FileReport scans one file and aggregates it as a single-file tree rooted
// at the file's directory.
func (s *Scanner) FileReport(path string) (model.Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Report{}, fmt.Errorf("scan file: %w", err)
	}
	if info.IsDir() {
		return model.Report{}, fmt.Errorf("scan file: %s is a directory", path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return model.Report{}, fmt.Errorf("resolve file path: %w", err)
	}

	started := time.Now()
	rel := filepath.Base(absPath)
	res := s.matcher.ScanFile(absPath, rel)
	s.observeResult(languageOf(absPath), res)

	report := aggregate.Build(aggregate.Input{
		RootPath:    filepath.Dir(absPath),
		ToolVersion: ToolVersion,
		Started:     started,
		Elapsed:     time.Since(started),
		Files: []aggregate.File{{
			Rel:      rel,
			Ext:      strings.ToLower(filepath.Ext(rel)),
			Lines:    res.Lines,
			Skipped:  res.Skipped,
			Findings: res.Findings,
		}},
	})
	s.observer.ScanCompleted(report)
	return report, nil
}

// ScanDirectory walks root, matches every candidate file and aggregates the
// outcome. The only error is an invalid root (*walker.InvalidRootError).
func (s *Scanner) ScanDirectory(root string) (model.Report, error) {
	return s.ScanDirectoryContext(context.Background(), root)
}

// ScanDirectoryContext is ScanDirectory with cancellation: once ctx is done
// no further files are dispatched and ctx's error is returned.
func (s *Scanner) ScanDirectoryContext(ctx context.Context, root string) (model.Report, error) {
	started := time.Now()

	files, err := walker.Walk(root, s.walkOpts)
	if err != nil {
		return model.Report{}, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return model.Report{}, fmt.Errorf("resolve scan root: %w", err)
	}

	log.Info().
		Str("root", absRoot).
		Int("patterns", s.catalog.Len()).
		Int("workers", s.workers).
		Msg("Starting scan")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	// One slot per walked file, in walk order. Workers fill their own slot,
	// so merging slots in order is deterministic.
	var slots []*aggregate.File
	for f := range files {
		if gctx.Err() != nil {
			break
		}
		slot := &aggregate.File{Rel: f.Rel, Ext: f.Ext}
		slots = append(slots, slot)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := s.matcher.ScanFile(f.Path, f.Rel)
			slot.Lines = res.Lines
			slot.Skipped = res.Skipped
			slot.Findings = res.Findings
			s.observeResult(f.Language, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Report{}, fmt.Errorf("scan %s: %w", absRoot, err)
	}
	if err := ctx.Err(); err != nil {
		return model.Report{}, fmt.Errorf("scan %s: %w", absRoot, err)
	}

	in := aggregate.Input{
		RootPath:    absRoot,
		ToolVersion: ToolVersion,
		Started:     started,
		Elapsed:     time.Since(started),
		Files:       make([]aggregate.File, 0, len(slots)),
	}
	for _, slot := range slots {
		in.Files = append(in.Files, *slot)
	}
	report := aggregate.Build(in)

	log.Info().
		Str("root", absRoot).
		Str("scan_id", report.ScanID).
		Int("files", report.Summary.FilesScanned).
		Int("skipped", report.Summary.FilesSkipped).
		Int("findings", report.Summary.TotalIssues).
		Float64("risk_score", report.Summary.RiskScore).
		Dur("elapsed", in.Elapsed).
		Msg("Scan completed")
	s.observer.ScanCompleted(report)
	return report, nil
}

func (s *Scanner) observeResult(language string, res matcher.Result) {
	if res.Skipped {
		s.observer.FileSkipped(res.SkipReason)
		return
	}
	s.observer.FileScanned(language, res.Lines)
	for _, failure := range res.Failures {
		s.observer.PatternFailed(failure.PatternID, failure.Reason)
	}
}

func languageOf(path string) string {
	if lang, ok := walker.Languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "other"
}

type nopObserver struct{}

func (nopObserver) FileScanned(string, int)      {}
func (nopObserver) FileSkipped(string)           {}
func (nopObserver) PatternFailed(string, string) {}
func (nopObserver) ScanCompleted(model.Report)   {}
