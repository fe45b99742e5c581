// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"axonflow/gateway/shared/logger"
)

// ScreenMode selects how the deny-rule screen treats inbound statements.
type ScreenMode string

const (
	// ScreenOff disables the screen.
	ScreenOff ScreenMode = "off"

	// ScreenBasic refuses statements matching the deny rules.
	ScreenBasic ScreenMode = "basic"
)

// DefaultScreenMode is security-first.
const DefaultScreenMode = ScreenBasic

func (m ScreenMode) IsValid() bool {
	return m == ScreenOff || m == ScreenBasic
}

// ParseScreenMode validates a configured mode string.
func ParseScreenMode(s string) (ScreenMode, error) {
	mode := ScreenMode(s)
	if !mode.IsValid() {
		return "", NewConfigError(fmt.Sprintf("screen mode %q is not recognized (off, basic)", s))
	}
	return mode, nil
}

// RuleCategory classifies what a deny rule refuses.
type RuleCategory string

const (
	CategoryStacked         RuleCategory = "stacked_queries"
	CategoryTautology       RuleCategory = "tautology"
	CategoryCommentEvasion  RuleCategory = "comment_evasion"
	CategoryUnionExfil      RuleCategory = "union_exfiltration"
	CategoryBlockedTable    RuleCategory = "blocked_table"
	CategoryBlockedFunction RuleCategory = "blocked_function"
)

// DenyRule is one pattern the screen refuses.
type DenyRule struct {
	Name     string
	Category RuleCategory
	Pattern  *regexp.Regexp

	// Severity ranks the rule 1-10 for audit triage.
	Severity int
}

// builtinRules are the injection shapes screened in basic mode. The
// statement inspector independently refuses multi-statement text at
// parse time; the stacked rules here fire earlier so an obvious attack
// reports as blocked rather than as a parse failure.
func builtinRules() []*DenyRule {
	return []*DenyRule{
		{
			Name:     "stacked_statement",
			Category: CategoryStacked,
			Pattern:  regexp.MustCompile(`(?i);\s*(drop|delete|update|insert|alter|truncate|grant|revoke|create)\b`),
			Severity: 10,
		},
		{
			Name:     "or_numeric_tautology",
			Category: CategoryTautology,
			Pattern:  regexp.MustCompile(`(?i)\bor\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`),
			Severity: 8,
		},
		{
			Name:     "or_string_tautology",
			Category: CategoryTautology,
			Pattern:  regexp.MustCompile(`(?i)\bor\s+['"][^'"]*['"]\s*=\s*['"][^'"]*['"]`),
			Severity: 8,
		},
		{
			Name:     "comment_before_keyword",
			Category: CategoryCommentEvasion,
			Pattern:  regexp.MustCompile(`(?i)/\*.*?\*/\s*(union|select|insert|update|delete|drop)\b`),
			Severity: 8,
		},
		{
			Name:     "quote_then_comment",
			Category: CategoryCommentEvasion,
			Pattern:  regexp.MustCompile(`['"]\s*(--|#)`),
			Severity: 9,
		},
		{
			Name:     "union_after_termination",
			Category: CategoryUnionExfil,
			Pattern:  regexp.MustCompile(`(?i)['")]\s*union\s+(all\s+)?select\b`),
			Severity: 10,
		},
		{
			Name:     "document_eval_operator",
			Category: CategoryBlockedFunction,
			Pattern:  regexp.MustCompile(`"\$(where|function|accumulator)"`),
			Severity: 9,
		},
	}
}

// RuleScreenOptions configure NewRuleScreen.
type RuleScreenOptions struct {
	// Mode is the default for agents without an override. Empty means
	// DefaultScreenMode.
	Mode ScreenMode

	// AgentModes override the default per agent.
	AgentModes map[string]ScreenMode

	// BlockedTables and BlockedFunctions compile into additional rules.
	// Table names match anywhere in the statement; function names only
	// in call position.
	BlockedTables    []string
	BlockedFunctions []string

	Logger *logger.Logger
}

// RuleScreen refuses statements matching deny rules before they reach
// the parser. It runs on raw inbound SQL and on document query text.
type RuleScreen struct {
	defaultMode ScreenMode
	rules       []*DenyRule
	log         *logger.Logger

	mu        sync.RWMutex
	overrides map[string]ScreenMode
}

func NewRuleScreen(opts RuleScreenOptions) (*RuleScreen, error) {
	mode := opts.Mode
	if mode == "" {
		mode = DefaultScreenMode
	}
	if !mode.IsValid() {
		return nil, NewConfigError(fmt.Sprintf("screen mode %q is not recognized (off, basic)", mode))
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("rules")
	}

	rules := builtinRules()
	for _, table := range opts.BlockedTables {
		rule, err := blockedNameRule(table, CategoryBlockedTable)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	for _, fn := range opts.BlockedFunctions {
		rule, err := blockedNameRule(fn, CategoryBlockedFunction)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	overrides := make(map[string]ScreenMode, len(opts.AgentModes))
	for agent, m := range opts.AgentModes {
		if !m.IsValid() {
			return nil, NewConfigError(fmt.Sprintf("screen mode %q for agent %q is not recognized (off, basic)", m, agent))
		}
		overrides[agent] = m
	}

	return &RuleScreen{
		defaultMode: mode,
		rules:       rules,
		log:         log,
		overrides:   overrides,
	}, nil
}

// blockedNameRule compiles a configured table or function name into a
// deny rule. Function names match only when followed by an opening
// paren, so a column that shares the name stays usable.
func blockedNameRule(name string, category RuleCategory) (*DenyRule, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, NewConfigError(fmt.Sprintf("%s entry is empty", category))
	}

	expr := `(?i)\b` + regexp.QuoteMeta(trimmed) + `\b`
	if category == CategoryBlockedFunction {
		expr = `(?i)\b` + regexp.QuoteMeta(trimmed) + `\s*\(`
	}
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, NewConfigError(fmt.Sprintf("%s entry %q does not compile: %v", category, trimmed, err))
	}

	return &DenyRule{
		Name:     string(category) + ":" + strings.ToLower(trimmed),
		Category: category,
		Pattern:  pattern,
		Severity: 9,
	}, nil
}

// Screen checks one statement against the agent's effective mode.
// A nil return means the statement passed.
func (s *RuleScreen) Screen(agentID, statement string) *Error {
	if s.ModeFor(agentID) == ScreenOff {
		return nil
	}

	for _, rule := range s.rules {
		if !rule.Pattern.MatchString(statement) {
			continue
		}
		s.log.Warn(agentID, "", "statement matched deny rule", map[string]interface{}{
			"rule":     rule.Name,
			"category": string(rule.Category),
			"severity": rule.Severity,
			"snippet":  screenSnippet(statement),
		})
		e := NewBlockedError(fmt.Sprintf("statement matched deny rule %q", rule.Name))
		e.Details = map[string]interface{}{
			"rule":     rule.Name,
			"category": string(rule.Category),
			"severity": rule.Severity,
		}
		return e
	}
	return nil
}

// ModeFor returns the agent's effective screen mode.
func (s *RuleScreen) ModeFor(agentID string) ScreenMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mode, ok := s.overrides[agentID]; ok {
		return mode
	}
	return s.defaultMode
}

// SetAgentMode installs or replaces a per-agent override.
func (s *RuleScreen) SetAgentMode(agentID string, mode ScreenMode) error {
	if !mode.IsValid() {
		return NewConfigError(fmt.Sprintf("screen mode %q is not recognized (off, basic)", mode))
	}
	s.mu.Lock()
	s.overrides[agentID] = mode
	s.mu.Unlock()
	return nil
}

// ClearAgentMode removes an override, returning the agent to the
// default mode. Clearing an absent override is a no-op.
func (s *RuleScreen) ClearAgentMode(agentID string) {
	s.mu.Lock()
	delete(s.overrides, agentID)
	s.mu.Unlock()
}

// Rules returns the active rule set, for the admin surface.
func (s *RuleScreen) Rules() []*DenyRule {
	out := make([]*DenyRule, len(s.rules))
	copy(out, s.rules)
	return out
}

const screenSnippetLen = 100

var (
	passwordMaskPattern = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	keyMaskPattern      = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	tokenMaskPattern    = regexp.MustCompile(`(?i)(token|bearer)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
)

// screenSnippet produces a log-safe fragment of the refused statement.
// Values that look like credentials are masked before logging.
func screenSnippet(statement string) string {
	snippet := strings.ReplaceAll(statement, "\n", " ")
	truncated := false
	if len(snippet) > screenSnippetLen {
		snippet = snippet[:screenSnippetLen]
		truncated = true
	}
	snippet = passwordMaskPattern.ReplaceAllString(snippet, "${1}=[MASKED]")
	snippet = keyMaskPattern.ReplaceAllString(snippet, "${1}=[MASKED]")
	snippet = tokenMaskPattern.ReplaceAllString(snippet, "${1}=[MASKED]")
	if truncated {
		snippet += "..."
	}
	return snippet
}
