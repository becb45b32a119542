package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"pilot/internal/fsutil"
)

// Rule is the always-allow entry for one tool: every invocation, or only
// commands matching Patterns. It serializes as `true` or `["pattern", ...]`.
type Rule struct {
	All      bool
	Patterns []string
}

// MarshalJSON implements json.Marshaler.
func (r Rule) MarshalJSON() ([]byte, error) {
	if r.All {
		return []byte("true"), nil
	}
	if r.Patterns == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Patterns)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var all bool
	if err := json.Unmarshal(data, &all); err == nil {
		*r = Rule{All: all}
		return nil
	}
	var patterns []string
	if err := json.Unmarshal(data, &patterns); err != nil {
		return fmt.Errorf("rule must be true or a list of patterns: %w", err)
	}
	*r = Rule{Patterns: patterns}
	return nil
}

// Rules maps tool names to their always-allow rule.
type Rules map[string]Rule

// Allows reports whether a request for toolName with input is pre-approved.
func (rs Rules) Allows(toolName string, input json.RawMessage) bool {
	rule, ok := rs[toolName]
	if !ok {
		return false
	}
	if rule.All {
		return true
	}
	if toolName != ShellTool {
		return false
	}
	command := commandOf(input)
	if command == "" {
		return false
	}
	for _, p := range rule.Patterns {
		if MatchCommand(p, command) {
			return true
		}
	}
	return false
}

type rulesFile struct {
	AlwaysAllow Rules `json:"alwaysAllow"`
}

// RuleStore persists Rules in a single JSON file. All writes are
// read-merge-write under one mutex, so concurrent always-allow decisions
// never lose updates.
type RuleStore struct {
	path string
	mu   sync.Mutex
}

// NewRuleStore returns a store backed by path. The file is created on the
// first write.
func NewRuleStore(path string) *RuleStore {
	return &RuleStore{path: path}
}

// Path returns the backing file.
func (s *RuleStore) Path() string {
	return s.path
}

// Load reads the current rules. A missing file yields empty rules.
func (s *RuleStore) Load() (Rules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Allows loads the rules and checks a request against them.
func (s *RuleStore) Allows(toolName string, input json.RawMessage) (bool, error) {
	rules, err := s.Load()
	if err != nil {
		return false, err
	}
	return rules.Allows(toolName, input), nil
}

// Add records an always-allow rule for the request. Shell commands are
// reduced with CommandPattern; any other tool is allowed entirely.
func (s *RuleStore) Add(toolName string, input json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.load()
	if err != nil {
		return err
	}

	rule := rules[toolName]
	command := commandOf(input)
	switch {
	case rule.All:
		return nil
	case toolName == ShellTool && command != "":
		pattern := CommandPattern(command)
		if slices.Contains(rule.Patterns, pattern) {
			return nil
		}
		rule.Patterns = append(rule.Patterns, pattern)
	default:
		rule = Rule{All: true}
	}
	rules[toolName] = rule
	return s.save(rules)
}

// Remove deletes pattern from toolName's rule, or the whole rule when
// pattern is empty.
func (s *RuleStore) Remove(toolName, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.load()
	if err != nil {
		return err
	}
	rule, ok := rules[toolName]
	if !ok {
		return nil
	}
	if pattern == "" || rule.All {
		delete(rules, toolName)
	} else {
		rule.Patterns = slices.DeleteFunc(rule.Patterns, func(p string) bool { return p == pattern })
		if len(rule.Patterns) == 0 {
			delete(rules, toolName)
		} else {
			rules[toolName] = rule
		}
	}
	return s.save(rules)
}

func (s *RuleStore) load() (Rules, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Rules{}, nil
		}
		return nil, fmt.Errorf("read rules %s: %w", s.path, err)
	}
	var f rulesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", s.path, err)
	}
	if f.AlwaysAllow == nil {
		f.AlwaysAllow = Rules{}
	}
	return f.AlwaysAllow, nil
}

func (s *RuleStore) save(rules Rules) error {
	data, err := json.MarshalIndent(rulesFile{AlwaysAllow: rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o600)
}
