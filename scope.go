package apishim

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

const (
	matchHost = "host"
	matchURL  = "url"
)

// Rule is a single journal filter: a compiled pattern and what it is matched against.
type Rule struct {
	Pattern   *regexp.Regexp // Compiled regular expression pattern
	MatchType string         // "host" or "url"
}

// Scope decides which exchanges are journaled. Out of scope exchanges are still
// rewritten and forwarded, they just leave no trace. Exclusions win over inclusions,
// anything matching no rule falls back to DefaultAllow.
type Scope struct {
	mu           sync.RWMutex
	includeRules map[string]Rule // key format: "pattern|matchType"
	excludeRules map[string]Rule
	DefaultAllow bool
}

// NewScope creates a Scope without rules
func NewScope(defaultAllow bool) *Scope {
	return &Scope{
		includeRules: make(map[string]Rule),
		excludeRules: make(map[string]Rule),
		DefaultAllow: defaultAllow,
	}
}

func compileRule(pattern string) (*regexp.Regexp, error) {
	compiled, err := regexp.Compile(strings.TrimPrefix(pattern, "-"))
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return compiled, nil
}

func ruleKey(pattern, matchType string) string {
	return fmt.Sprintf("%s|%s", strings.TrimPrefix(pattern, "-"), matchType)
}

// AddRule compiles pattern and adds it to the include or exclude list.
// A leading "-" on the pattern is ignored.
func (s *Scope) AddRule(pattern, matchType string, exclude bool) error {
	matchType = strings.ToLower(matchType)
	if matchType != matchHost && matchType != matchURL {
		return fmt.Errorf("%w : %q", ErrInvalidMatchType, matchType)
	}

	compiled, err := compileRule(pattern)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.includeRules
	if exclude {
		rules = s.excludeRules
	}
	key := ruleKey(pattern, matchType)
	if _, exists := rules[key]; exists {
		return fmt.Errorf("rule %s already exists", key)
	}
	rules[key] = Rule{Pattern: compiled, MatchType: matchType}
	return nil
}

// RemoveRule removes a rule from the include or exclude list
func (s *Scope) RemoveRule(pattern, matchType string, exclude bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.includeRules
	if exclude {
		rules = s.excludeRules
	}
	key := ruleKey(pattern, strings.ToLower(matchType))
	if _, exists := rules[key]; !exists {
		return fmt.Errorf("rule %s not found", key)
	}
	delete(rules, key)
	return nil
}

// ClearRules drops every rule
func (s *Scope) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.includeRules = make(map[string]Rule)
	s.excludeRules = make(map[string]Rule)
}

// Matches reports whether req is in scope. Host rules see the host (with port when the
// request carries one), URL rules see the full URL.
func (s *Scope) Matches(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return s.DefaultAllow
	}
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	return s.match(map[string]string{
		matchHost: host,
		matchURL:  req.URL.String(),
	})
}

// MatchesString reports whether input is in scope for the given match type
func (s *Scope) MatchesString(input string, matchType string) bool {
	matchType = strings.ToLower(matchType)
	if matchType != matchHost && matchType != matchURL {
		return s.DefaultAllow
	}
	return s.match(map[string]string{matchType: input})
}

func (s *Scope) match(targets map[string]string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.excludeRules {
		if target, ok := targets[rule.MatchType]; ok && rule.Pattern.MatchString(target) {
			return false
		}
	}
	for _, rule := range s.includeRules {
		if target, ok := targets[rule.MatchType]; ok && rule.Pattern.MatchString(target) {
			return true
		}
	}
	return s.DefaultAllow
}
