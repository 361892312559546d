// Package matcher applies a pattern catalog to the text of a single file.
package matcher

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/V3idt/lattice-audit/internal/catalog"
	"github.com/V3idt/lattice-audit/internal/model"
)

const (
	DefaultSnippetMax   = 200
	DefaultMaxFileBytes = 5 << 20
)

// Skip reasons reported in Result.SkipReason.
const (
	SkipUnreadable  = "unreadable"
	SkipTooLarge    = "too_large"
	SkipBinary      = "binary"
	SkipUndecodable = "undecodable"
)

// Failure reasons reported in PatternFailure.Reason.
const (
	FailTimeout = "timeout"
	FailError   = "error"
	FailPanic   = "panic"
)

type Options struct {
	// SnippetMax caps snippet length in runes. Zero means DefaultSnippetMax.
	SnippetMax int
	// MaxFileBytes skips larger files. Zero means DefaultMaxFileBytes; negative disables the cap.
	MaxFileBytes int64
	// KeepDuplicates disables collapsing of repeated matches of one pattern on one line.
	KeepDuplicates bool
}

// PatternFailure records a pattern that was abandoned for one file.
type PatternFailure struct {
	PatternID string
	Reason    string
	Err       error
}

type Result struct {
	Findings   []model.Finding
	Lines      int
	Skipped    bool
	SkipReason string
	Failures   []PatternFailure
}

// Matcher is safe for concurrent use; it holds only the read-only catalog
// and its options.
type Matcher struct {
	patterns []catalog.Pattern
	opts     Options
}

func New(cat *catalog.Catalog, opts Options) *Matcher {
	if opts.SnippetMax <= 0 {
		opts.SnippetMax = DefaultSnippetMax
	}
	if opts.MaxFileBytes == 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Matcher{patterns: cat.All(), opts: opts}
}

// ScanFile reads and matches one file. rel is the slash-separated path
// recorded on findings. Read and decode problems produce a skipped Result,
// never an error.
func (m *Matcher) ScanFile(path, rel string) Result {
	info, err := os.Stat(path)
	if err != nil {
		return skipped(rel, SkipUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return skipped(rel, SkipUnreadable, fmt.Errorf("not a regular file"))
	}
	if m.opts.MaxFileBytes > 0 && info.Size() > m.opts.MaxFileBytes {
		return skipped(rel, SkipTooLarge, fmt.Errorf("size %d exceeds limit %d", info.Size(), m.opts.MaxFileBytes))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return skipped(rel, SkipUnreadable, err)
	}
	content, err := decode(data)
	if err != nil {
		reason := SkipUndecodable
		if errors.Is(err, errBinary) {
			reason = SkipBinary
		}
		return skipped(rel, reason, err)
	}
	return m.ScanContent(rel, content)
}

func skipped(rel, reason string, err error) Result {
	log.Debug().Str("file", rel).Str("reason", reason).Err(err).Msg("Skipping file")
	return Result{Skipped: true, SkipReason: reason}
}

// ScanContent matches already-decoded text. Findings are ordered by pattern
// then by line.
func (m *Matcher) ScanContent(rel, content string) Result {
	src := newSource(content)
	res := Result{Lines: countLines(content)}

	for _, p := range m.patterns {
		found, err := m.run(p, rel, src)
		if err != nil {
			failure := PatternFailure{PatternID: p.ID, Reason: failureReason(err), Err: err}
			res.Failures = append(res.Failures, failure)
			evt := log.Warn().Str("file", rel).Str("pattern", p.ID).Str("reason", failure.Reason)
			if failure.Reason == FailTimeout {
				// regexp2 timeout errors embed the whole input.
				evt.Dur("timeout", p.Regexp().MatchTimeout)
			} else {
				evt.Err(err)
			}
			evt.Msg("Pattern evaluation failed; skipping pattern for file")
			continue
		}
		res.Findings = append(res.Findings, found...)
	}
	return res
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("pattern evaluation panicked: %v", e.value)
}

func failureReason(err error) string {
	var pe panicError
	switch {
	case errors.As(err, &pe):
		return FailPanic
	case strings.Contains(err.Error(), "match timeout"):
		return FailTimeout
	default:
		return FailError
	}
}

func (m *Matcher) run(p catalog.Pattern, rel string, src *source) (found []model.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = nil, panicError{value: r}
		}
	}()
	if p.Scope == catalog.ScopeContent {
		return m.matchContent(p, rel, src)
	}
	return m.matchLines(p, rel, src)
}

func (m *Matcher) matchLines(p catalog.Pattern, rel string, src *source) ([]model.Finding, error) {
	re := p.Regexp()
	var out []model.Finding
	for i, line := range src.lines {
		if i == len(src.lines)-1 && line == "" {
			break
		}
		ok, err := re.MatchString(strings.TrimSuffix(line, "\r"))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m.finding(p, rel, i+1, line))
		}
	}
	return out, nil
}

func (m *Matcher) matchContent(p catalog.Pattern, rel string, src *source) ([]model.Finding, error) {
	re := p.Regexp()
	var out []model.Finding
	seen := make(map[int]bool)

	match, err := re.FindRunesMatch(src.runes)
	for err == nil && match != nil {
		line := src.lineAt(match.Index)
		if m.opts.KeepDuplicates || !seen[line] {
			seen[line] = true
			out = append(out, m.finding(p, rel, line, src.lines[line-1]))
		}
		match, err = re.FindNextMatch(match)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Matcher) finding(p catalog.Pattern, rel string, line int, text string) model.Finding {
	snippet := truncate(strings.TrimSpace(text), m.opts.SnippetMax)
	return model.Finding{
		PatternID:      p.ID,
		PatternName:    p.Name,
		Category:       p.Category,
		Severity:       p.Severity,
		FilePath:       rel,
		Line:           line,
		Snippet:        snippet,
		Recommendation: p.Recommendation,
		CWE:            p.CWE,
		OWASP:          p.OWASP,
		Compliance:     append([]string(nil), p.Compliance...),
		Fingerprint:    model.Fingerprint(p.ID, rel, line, snippet),
	}
}

// source is the decoded file in the shapes the two scopes need. Offsets
// reported by regexp2 are rune indexes.
type source struct {
	runes    []rune
	lines    []string
	newlines []int
}

func newSource(content string) *source {
	s := &source{
		runes: []rune(content),
		lines: strings.Split(content, "\n"),
	}
	for i, r := range s.runes {
		if r == '\n' {
			s.newlines = append(s.newlines, i)
		}
	}
	return s
}

// lineAt maps a rune offset to a 1-based line. A newline located at the
// offset itself counts as preceding it.
func (s *source) lineAt(offset int) int {
	return sort.SearchInts(s.newlines, offset+1) + 1
}

func countLines(content string) int {
	n := strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
