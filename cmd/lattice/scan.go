package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/V3idt/lattice-audit/internal/catalog"
	"github.com/V3idt/lattice-audit/internal/config"
	"github.com/V3idt/lattice-audit/internal/logging"
	"github.com/V3idt/lattice-audit/internal/matcher"
	"github.com/V3idt/lattice-audit/internal/metrics"
	"github.com/V3idt/lattice-audit/internal/model"
	"github.com/V3idt/lattice-audit/internal/output"
	"github.com/V3idt/lattice-audit/internal/policy"
	"github.com/V3idt/lattice-audit/internal/scan"
	"github.com/V3idt/lattice-audit/internal/walker"
)

// scanFlags are shared by scan, file and watch.
type scanFlags struct {
	format         string
	output         string
	configPath     string
	policyPath     string
	workers        int
	patternTimeout time.Duration
	timeout        time.Duration
	categories     []string
	minSeverity    string
	exclude        []string
	noDedupe       bool
	metricsFile    string
	logLevel       string
	logFormat      string
}

func (f *scanFlags) register(fs *pflag.FlagSet, withTimeout bool) {
	fs.StringVarP(&f.format, "format", "f", "table", "Output format: "+strings.Join(output.Formats, "|"))
	fs.StringVarP(&f.output, "output", "o", "", "Write the report to this file instead of stdout")
	fs.StringVar(&f.configPath, "config", "", "Path to config yaml (default: ./"+config.DefaultFile+" if present)")
	fs.StringVar(&f.policyPath, "policy", "", "Path to policy yaml (default: from config, then policy.yml)")
	fs.IntVar(&f.workers, "workers", 0, "Concurrent file workers (default: number of CPUs)")
	fs.DurationVar(&f.patternTimeout, "pattern-timeout", 0, "Per-pattern match timeout (default 2s)")
	if withTimeout {
		fs.DurationVar(&f.timeout, "timeout", 0, "Abort the scan after this long; exit code 3 (0 disables)")
	}
	fs.StringSliceVar(&f.categories, "category", nil, "Only run patterns in these categories: security,quality")
	fs.StringVar(&f.minSeverity, "min-severity", "", "Only run patterns at or above this severity")
	fs.StringArrayVar(&f.exclude, "exclude", nil, "Glob of root-relative paths to skip (repeatable)")
	fs.BoolVar(&f.noDedupe, "no-dedupe", false, "Report repeated matches of a pattern on the same line")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format to this path")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: auto|json|console")
}

// session is everything a command needs after flags and config are merged.
type session struct {
	cfg      config.Config
	flags    *scanFlags
	scanner  *scan.Scanner
	walkOpts walker.Options
	policy   policy.Policy
	metrics  *metrics.ScanMetrics
}

func newSession(fs *pflag.FlagSet, f *scanFlags, stderr io.Writer) (*session, error) {
	cfg, err := config.Load(config.Source{Path: f.configPath})
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	applyFlagOverrides(fs, f, &cfg)
	if err := cfg.Validate(); err != nil {
		return nil, withCode(exitUsage, err)
	}

	logging.Init(logging.Config{
		Format:    cfg.Logging.Format,
		Level:     cfg.Logging.Level,
		Component: "lattice",
		Output:    stderr,
	})

	cat, err := loadCatalog(cfg.Scan.PatternTimeout, f.categories, f.minSeverity)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}

	s := &session{cfg: cfg, flags: f, policy: pol}
	opts := scan.Options{
		Workers: cfg.Scan.Workers,
		Matcher: matcher.Options{
			SnippetMax:     cfg.Scan.SnippetMax,
			MaxFileBytes:   cfg.Scan.MaxFileBytes,
			KeepDuplicates: !cfg.Scan.Dedupe,
		},
		Walker: walker.Options{
			Extensions: cfg.Scan.Extensions,
			IgnoreDirs: cfg.Scan.IgnoreDirs,
			Exclude:    cfg.Scan.Exclude,
		},
	}
	if f.metricsFile != "" {
		s.metrics = metrics.New()
		opts.Observer = s.metrics
	}
	s.walkOpts = opts.Walker
	s.scanner = scan.New(cat, opts)

	log.Debug().
		Str("config", cfg.File).
		Str("policy", cfg.PolicyPath).
		Int("patterns", cat.Len()).
		Msg("Session ready")
	return s, nil
}

func applyFlagOverrides(fs *pflag.FlagSet, f *scanFlags, cfg *config.Config) {
	if fs.Changed("workers") {
		cfg.Scan.Workers = f.workers
	}
	if fs.Changed("pattern-timeout") {
		cfg.Scan.PatternTimeout = f.patternTimeout
	}
	if fs.Changed("exclude") {
		cfg.Scan.Exclude = append(cfg.Scan.Exclude, f.exclude...)
	}
	if fs.Changed("no-dedupe") {
		cfg.Scan.Dedupe = !f.noDedupe
	}
	if fs.Changed("policy") {
		cfg.PolicyPath = f.policyPath
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
}

func loadCatalog(timeout time.Duration, categories []string, minSeverity string) (*catalog.Catalog, error) {
	cat, err := catalog.Load(catalog.Options{MatchTimeout: timeout})
	if err != nil {
		return nil, err
	}

	var keep []model.Category
	for _, raw := range categories {
		c, ok := model.NormalizeCategory(raw)
		if !ok {
			return nil, fmt.Errorf("unknown category %q (want security or quality)", raw)
		}
		keep = append(keep, c)
	}
	floor := model.SeverityLow
	if strings.TrimSpace(minSeverity) != "" {
		sev, ok := model.NormalizeSeverity(minSeverity)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", minSeverity)
		}
		floor = sev
	}

	if len(keep) == 0 && floor == model.SeverityLow {
		return cat, nil
	}
	byCategory, bySeverity := catalog.InCategories(keep...), catalog.AtLeast(floor)
	return cat.Select(func(p catalog.Pattern) bool {
		return byCategory(p) && bySeverity(p)
	}), nil
}

// emit renders the report, writes metrics and maps the policy verdict to an
// exit code.
func (s *session) emit(stdout io.Writer, report model.Report) error {
	verdict := s.policy.Evaluate(report.Findings)

	if err := s.writeReport(stdout, report, verdict); err != nil {
		return withCode(exitUsage, err)
	}
	if s.metrics != nil {
		if err := s.metrics.WriteTextfile(s.flags.metricsFile); err != nil {
			log.Warn().Err(err).Str("file", s.flags.metricsFile).Msg("Failed to write metrics file")
		}
	}

	log.Info().
		Int("blocked", verdict.Blocked).
		Int("warnings", verdict.Warned).
		Int("ignored", verdict.Ignored).
		Msg("Policy evaluated")
	if verdict.Blocked > 0 {
		return withCode(exitBlocked, nil)
	}
	return nil
}

func (s *session) writeReport(stdout io.Writer, report model.Report, verdict policy.Verdict) error {
	if s.flags.output == "" {
		return output.Render(stdout, report, verdict, s.flags.format)
	}

	file, err := os.Create(s.flags.output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := output.Render(file, report, verdict, s.flags.format); err != nil {
		_ = file.Close()
		return fmt.Errorf("render output: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	log.Info().Str("file", s.flags.output).Str("format", s.flags.format).Msg("Report written")
	return nil
}

func validFormat(format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "md" {
		return nil
	}
	for _, f := range output.Formats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("unsupported format: %s", format)
}

func newScanCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Scan a directory tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(flags.format); err != nil {
				return withCode(exitUsage, err)
			}
			root := "."
			if len(args) == 1 {
				root = args[0]
			}

			s, err := newSession(cmd.Flags(), flags, stderr)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if flags.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flags.timeout)
				defer cancel()
			}

			report, err := s.scanner.ScanDirectoryContext(ctx, root)
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				log.Warn().Dur("timeout", flags.timeout).Str("root", root).Msg("Scan timed out; retry with a larger --timeout")
				return withCode(exitTimeout, nil)
			default:
				return withCode(exitUsage, err)
			}
			return s.emit(stdout, report)
		},
	}
	flags.register(cmd.Flags(), true)
	return cmd
}

func newFileCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "file <path>",
		Short: "Scan a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(flags.format); err != nil {
				return withCode(exitUsage, err)
			}
			s, err := newSession(cmd.Flags(), flags, stderr)
			if err != nil {
				return err
			}
			report, err := s.scanner.FileReport(args[0])
			if err != nil {
				return withCode(exitUsage, err)
			}
			return s.emit(stdout, report)
		},
	}
	flags.register(cmd.Flags(), false)
	return cmd
}

func newPatternsCmd(stdout io.Writer) *cobra.Command {
	var (
		format      string
		categories  []string
		minSeverity string
		ids         []string
	)
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List the built-in pattern catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(0, categories, minSeverity)
			if err != nil {
				return withCode(exitUsage, err)
			}
			if len(ids) > 0 {
				if cat, err = selectIDs(cat, ids); err != nil {
					return withCode(exitUsage, err)
				}
			}
			if err := output.RenderPatterns(stdout, cat, format); err != nil {
				return withCode(exitUsage, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table|json")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Only list patterns in these categories")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only list patterns at or above this severity")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "Only list these pattern IDs (e.g. SEC001,QUAL006)")
	return cmd
}

// selectIDs narrows cat to the given pattern IDs. An ID the catalog (after
// any category or severity filter) does not hold is an error.
func selectIDs(cat *catalog.Catalog, ids []string) (*catalog.Catalog, error) {
	keep := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id := strings.ToUpper(strings.TrimSpace(raw))
		if _, ok := cat.Lookup(id); !ok {
			return nil, fmt.Errorf("unknown pattern id %q", raw)
		}
		keep[id] = true
	}
	return cat.Select(func(p catalog.Pattern) bool { return keep[p.ID] }), nil
}
