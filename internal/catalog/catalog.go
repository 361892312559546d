// Package catalog holds the built-in detection rules. The rule set is
// embedded in the binary, validated and compiled once, and never mutated
// afterwards; scans share a *Catalog by reference.
package catalog

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"

	"github.com/V3idt/lattice-audit/internal/model"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

// DefaultMatchTimeout bounds a single expression evaluation.
const DefaultMatchTimeout = 2 * time.Second

type Scope string

const (
	// ScopeLine evaluates the expression against each physical line.
	ScopeLine Scope = "line"
	// ScopeContent evaluates the expression against the whole file.
	ScopeContent Scope = "content"
)

type Pattern struct {
	ID             string
	Name           string
	Category       model.Category
	Severity       model.Severity
	Scope          Scope
	Description    string
	Recommendation string
	CWE            string
	OWASP          string
	Compliance     []string
	Expr           string

	re *regexp2.Regexp
}

// Regexp returns the compiled expression. It is safe for concurrent use.
func (p Pattern) Regexp() *regexp2.Regexp {
	return p.re
}

type Options struct {
	// MatchTimeout bounds each evaluation of a pattern. Zero means DefaultMatchTimeout.
	MatchTimeout time.Duration
}

type Catalog struct {
	version  string
	patterns []Pattern
	index    map[string]int
}

type rawCatalog struct {
	Version  string       `yaml:"version"`
	Patterns []rawPattern `yaml:"patterns"`
}

type rawPattern struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Category       string   `yaml:"category"`
	Severity       string   `yaml:"severity"`
	Scope          string   `yaml:"scope"`
	IgnoreCase     bool     `yaml:"ignore_case"`
	Multiline      bool     `yaml:"multiline"`
	CWE            string   `yaml:"cwe"`
	OWASP          string   `yaml:"owasp"`
	Compliance     []string `yaml:"compliance"`
	Description    string   `yaml:"description"`
	Recommendation string   `yaml:"recommendation"`
	Match          string   `yaml:"match"`
}

// Load compiles the embedded rule set.
func Load(opts Options) (*Catalog, error) {
	return Parse(embeddedPatterns, opts)
}

// Parse validates and compiles a YAML rule set. Any invalid rule fails the
// whole catalog with a *ConfigError.
func Parse(data []byte, opts Options) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("parse catalog yaml: %w", err)}
	}
	if len(raw.Patterns) == 0 {
		return nil, &ConfigError{Err: fmt.Errorf("catalog defines no patterns")}
	}

	timeout := opts.MatchTimeout
	if timeout <= 0 {
		timeout = DefaultMatchTimeout
	}

	c := &Catalog{
		version:  strings.TrimSpace(raw.Version),
		patterns: make([]Pattern, 0, len(raw.Patterns)),
		index:    make(map[string]int, len(raw.Patterns)),
	}
	for _, rp := range raw.Patterns {
		p, err := compile(rp, timeout)
		if err != nil {
			return nil, err
		}
		if _, dup := c.index[p.ID]; dup {
			return nil, &ConfigError{PatternID: p.ID, Err: fmt.Errorf("duplicate pattern id")}
		}
		c.index[p.ID] = len(c.patterns)
		c.patterns = append(c.patterns, p)
	}
	return c, nil
}

func compile(rp rawPattern, timeout time.Duration) (Pattern, error) {
	id := strings.TrimSpace(rp.ID)
	if id == "" {
		return Pattern{}, &ConfigError{Err: fmt.Errorf("pattern %q has no id", rp.Name)}
	}
	category, ok := model.NormalizeCategory(rp.Category)
	if !ok {
		return Pattern{}, &ConfigError{PatternID: id, Err: fmt.Errorf("unknown category %q", rp.Category)}
	}
	severity, ok := model.NormalizeSeverity(rp.Severity)
	if !ok {
		return Pattern{}, &ConfigError{PatternID: id, Err: fmt.Errorf("unknown severity %q", rp.Severity)}
	}

	scope := Scope(strings.ToLower(strings.TrimSpace(rp.Scope)))
	switch scope {
	case ScopeLine, ScopeContent:
	case "":
		scope = ScopeLine
		if category == model.CategoryQuality {
			scope = ScopeContent
		}
	default:
		return Pattern{}, &ConfigError{PatternID: id, Err: fmt.Errorf("unknown scope %q", rp.Scope)}
	}

	expr := strings.TrimSpace(rp.Match)
	if expr == "" {
		return Pattern{}, &ConfigError{PatternID: id, Err: fmt.Errorf("empty match expression")}
	}

	flags := regexp2.None
	if rp.IgnoreCase {
		flags |= regexp2.IgnoreCase
	}
	if rp.Multiline {
		flags |= regexp2.Multiline
	}
	re, err := regexp2.Compile(expr, flags)
	if err != nil {
		return Pattern{}, &ConfigError{PatternID: id, Err: fmt.Errorf("compile expression: %w", err)}
	}
	re.MatchTimeout = timeout

	cwe := strings.TrimSpace(rp.CWE)
	if category != model.CategorySecurity {
		cwe = ""
	}

	return Pattern{
		ID:             id,
		Name:           strings.TrimSpace(rp.Name),
		Category:       category,
		Severity:       severity,
		Scope:          scope,
		Description:    strings.TrimSpace(rp.Description),
		Recommendation: strings.TrimSpace(rp.Recommendation),
		CWE:            cwe,
		OWASP:          strings.TrimSpace(rp.OWASP),
		Compliance:     slices.Clone(rp.Compliance),
		Expr:           expr,
		re:             re,
	}, nil
}

func (c *Catalog) Version() string {
	return c.version
}

func (c *Catalog) Len() int {
	return len(c.patterns)
}

// All returns the patterns in definition order.
func (c *Catalog) All() []Pattern {
	return slices.Clone(c.patterns)
}

func (c *Catalog) Lookup(id string) (Pattern, bool) {
	i, ok := c.index[id]
	if !ok {
		return Pattern{}, false
	}
	return c.patterns[i], true
}

func (c *Catalog) Security() []Pattern {
	return c.byCategory(model.CategorySecurity)
}

func (c *Catalog) Quality() []Pattern {
	return c.byCategory(model.CategoryQuality)
}

func (c *Catalog) byCategory(category model.Category) []Pattern {
	out := make([]Pattern, 0, len(c.patterns))
	for _, p := range c.patterns {
		if p.Category == category {
			out = append(out, p)
		}
	}
	return out
}

// Select returns a new catalog holding the patterns accepted by keep, in
// their original order. The receiver is left untouched.
func (c *Catalog) Select(keep func(Pattern) bool) *Catalog {
	out := &Catalog{
		version: c.version,
		index:   make(map[string]int),
	}
	for _, p := range c.patterns {
		if !keep(p) {
			continue
		}
		out.index[p.ID] = len(out.patterns)
		out.patterns = append(out.patterns, p)
	}
	return out
}

// AtLeast keeps patterns whose severity is min or higher.
func AtLeast(min model.Severity) func(Pattern) bool {
	return func(p Pattern) bool {
		return p.Severity.Rank() >= min.Rank()
	}
}

// InCategories keeps patterns in any of the given categories. An empty list keeps everything.
func InCategories(categories ...model.Category) func(Pattern) bool {
	return func(p Pattern) bool {
		return len(categories) == 0 || slices.Contains(categories, p.Category)
	}
}
