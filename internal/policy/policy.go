package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/V3idt/lattice-audit/internal/model"
	"gopkg.in/yaml.v3"
)

type rawPolicy struct {
	Version    string                       `yaml:"version"`
	Defaults   map[string]string            `yaml:"defaults"`
	Rules      map[string]string            `yaml:"rules"`
	Categories map[string]map[string]string `yaml:"categories"`
}

type Policy struct {
	Version    string
	Defaults   map[model.Severity]model.Action
	Rules      map[string]model.Action
	Categories map[model.Category]map[string]model.Action
}

func Default() Policy {
	return Policy{
		Version: "0.2",
		Defaults: map[model.Severity]model.Action{
			model.SeverityCritical: model.ActionBlock,
			model.SeverityHigh:     model.ActionBlock,
			model.SeverityMedium:   model.ActionWarn,
			model.SeverityLow:      model.ActionWarn,
		},
		Rules:      map[string]model.Action{},
		Categories: map[model.Category]map[string]model.Action{},
	}
}

func Load(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		p := Default()
		return p, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		p := Default()
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Policy, error) {
	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}

	p := Default()
	if raw.Version != "" {
		p.Version = raw.Version
	}
	for sev, action := range raw.Defaults {
		severity, ok := model.NormalizeSeverity(sev)
		if !ok {
			return Policy{}, fmt.Errorf("policy defaults: unknown severity %q", sev)
		}
		p.Defaults[severity] = normalizeAction(action)
	}
	for rule, action := range raw.Rules {
		p.Rules[strings.TrimSpace(rule)] = normalizeAction(action)
	}
	for cat, rules := range raw.Categories {
		category, ok := model.NormalizeCategory(cat)
		if !ok {
			return Policy{}, fmt.Errorf("policy categories: unknown category %q", cat)
		}
		if _, ok := p.Categories[category]; !ok {
			p.Categories[category] = map[string]model.Action{}
		}
		for rule, action := range rules {
			p.Categories[category][strings.TrimSpace(rule)] = normalizeAction(action)
		}
	}
	return p, nil
}

func normalizeAction(raw string) model.Action {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(model.ActionBlock):
		return model.ActionBlock
	case string(model.ActionIgnore):
		return model.ActionIgnore
	default:
		return model.ActionWarn
	}
}

// ActionForFinding resolves the most specific entry: pattern ID, then the
// category's pattern map and its "*" wildcard, then the severity default.
func (p Policy) ActionForFinding(f model.Finding) model.Action {
	if action, ok := p.Rules[f.PatternID]; ok {
		return action
	}

	if categoryRules, ok := p.Categories[f.Category]; ok {
		if action, ok := categoryRules[f.PatternID]; ok {
			return action
		}
		if action, ok := categoryRules["*"]; ok {
			return action
		}
	}

	if action, ok := p.Defaults[f.Severity]; ok {
		return action
	}
	return model.ActionWarn
}

// Verdict is the policy outcome for a report. Actions is index-aligned
// with the report's findings.
type Verdict struct {
	Actions []model.Action
	Blocked int
	Warned  int
	Ignored int
}

func (p Policy) Evaluate(findings []model.Finding) Verdict {
	v := Verdict{Actions: make([]model.Action, len(findings))}
	for i, f := range findings {
		action := p.ActionForFinding(f)
		v.Actions[i] = action
		switch action {
		case model.ActionBlock:
			v.Blocked++
		case model.ActionWarn:
			v.Warned++
		case model.ActionIgnore:
			v.Ignored++
		}
	}
	return v
}
