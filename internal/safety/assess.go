package safety

import (
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// Validator scores operations against an ordered rule set.
type Validator struct {
	rules []Rule
}

type Options struct {
	// RulesFile optionally appends site rules after the built-ins.
	RulesFile string
}

// Assessment is the outcome of scoring one command.
type Assessment struct {
	Level   Level
	Matched []RuleMatch
	Reason  string
}

type RuleMatch struct {
	ID          string
	Level       Level
	Description string
}

// Override is an explicit, attributable decision to run a blocked
// operation anyway.
type Override struct {
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
}

func NewValidator(opts Options) (*Validator, error) {
	rules := DefaultRules()
	if opts.RulesFile != "" {
		extra, err := LoadRulesFile(opts.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, extra...)
	}

	for i := range rules {
		if err := rules[i].compile(); err != nil {
			return nil, err
		}
	}
	return &Validator{rules: rules}, nil
}

// Rules returns the active rule set in evaluation order.
func (v *Validator) Rules() []Rule {
	return v.rules
}

// Assess scores a command. Pure function: same command against the
// same rule set always yields the same assessment. The first critical
// match returns immediately; otherwise the highest severity among all
// matches wins; a command no rule matches is low risk.
func (v *Validator) Assess(command string) Assessment {
	raw := strings.TrimSpace(command)

	base := ""
	if tokens, err := shlex.Split(raw); err == nil && len(tokens) > 0 {
		base = filepath.Base(tokens[0])
	}

	out := Assessment{Level: LevelLow, Reason: "no rule matched"}
	for i := range v.rules {
		rule := &v.rules[i]
		if rule.Command != "" && rule.Command != base {
			continue
		}
		if rule.re != nil && !rule.re.MatchString(raw) {
			continue
		}

		out.Matched = append(out.Matched, RuleMatch{ID: rule.ID, Level: rule.level, Description: rule.Description})
		if rule.level > out.Level {
			out.Level = rule.level
			out.Reason = rule.Description
		}
		if rule.level == LevelCritical {
			return out
		}
	}
	return out
}

// MatchedIDs flattens the matched rules for audit entries.
func (a Assessment) MatchedIDs() []string {
	ids := make([]string, 0, len(a.Matched))
	for _, m := range a.Matched {
		ids = append(ids, m.ID)
	}
	return ids
}
