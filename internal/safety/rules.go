package safety

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/kekkai/internal/errors"
)

// Rule is one risk pattern. Command, when set, restricts the rule to
// command lines whose first token resolves to that program name, which
// keeps `echo "rm -rf /"` from tripping the rm rules. Pattern is a
// regex over the raw command line; an empty Pattern means matching the
// Command alone is enough.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Command     string `yaml:"command,omitempty" json:"command,omitempty"`
	Pattern     string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Level       string `yaml:"level" json:"level"`

	re    *regexp.Regexp
	level Level
}

// DefaultRules is the built-in rule set, evaluated in order. Loaded
// rule files append to it.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "rm-recursive-root", Command: "rm", Pattern: `(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\b.*\s+(/|/\*)\s*$`, Level: "critical",
			Description: "recursive deletion of the filesystem root"},
		{ID: "mkfs", Pattern: `(^|\s|/)mkfs(\.[a-z0-9]+)?\b`, Level: "critical",
			Description: "filesystem format destroys all data on the target device"},
		{ID: "dd-device-write", Command: "dd", Pattern: `of=/dev/`, Level: "critical",
			Description: "raw write to a block device"},
		{ID: "fork-bomb", Pattern: `:\(\)\s*\{.*\|.*&.*\}`, Level: "critical",
			Description: "fork bomb exhausts host processes"},
		{ID: "system-power", Pattern: `(^|\s|/)(shutdown|reboot|poweroff|halt)\b`, Level: "critical",
			Description: "host shutdown or reboot"},
		{ID: "redirect-device-write", Pattern: `>\s*/dev/(sd|nvme|hd|vd)`, Level: "critical",
			Description: "shell redirection onto a block device"},
		{ID: "passwd-write", Pattern: `>{1,2}\s*/etc/(passwd|shadow)`, Level: "critical",
			Description: "overwrite of system account files"},
		{ID: "rm-recursive", Command: "rm", Pattern: `(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\b`, Level: "high",
			Description: "recursive file deletion"},
		{ID: "sudo", Command: "sudo", Level: "high",
			Description: "privilege escalation"},
		{ID: "kill-init", Command: "kill", Pattern: `\b1\b`, Level: "high",
			Description: "signal aimed at pid 1"},
		{ID: "curl-pipe-shell", Pattern: `(curl|wget)\b.*\|\s*(ba|z|da)?sh\b`, Level: "high",
			Description: "piping a download straight into a shell"},
		{ID: "chmod-open-root", Command: "chmod", Pattern: `777\s+/\s*$`, Level: "high",
			Description: "world-writable permissions on the filesystem root"},
		{ID: "pkg-install", Pattern: `(^|\s)(apt|apt-get|yum|dnf|apk|pacman)\s+(install|add|-S)\b`, Level: "medium",
			Description: "package installation alters the environment"},
		{ID: "git-force-push", Command: "git", Pattern: `push\s.*(-f|--force)\b`, Level: "medium",
			Description: "force push rewrites remote history"},
	}
}

// LoadRulesFile reads additional rules from a YAML file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Config(fmt.Sprintf("read rules file %s: %v", path, err))
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, errors.Config(fmt.Sprintf("parse rules file %s: %v", path, err))
	}
	return rules, nil
}

// compile validates a rule and prepares it for matching.
func (r *Rule) compile() error {
	if r.ID == "" {
		return errors.Config("rule has no id")
	}
	if r.Command == "" && r.Pattern == "" {
		return errors.Config(fmt.Sprintf("rule %s has neither command nor pattern", r.ID))
	}

	level, err := ParseLevel(r.Level)
	if err != nil {
		return errors.Config(fmt.Sprintf("rule %s: %v", r.ID, err))
	}
	r.level = level

	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return errors.Config(fmt.Sprintf("rule %s: compile pattern: %v", r.ID, err))
		}
		r.re = re
	}
	return nil
}
