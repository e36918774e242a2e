package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vburojevic/replaykit/internal/domain"
)

// WhereClause represents a parsed breadcrumb condition
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // Compiled regex for ~ and !~ operators
}

// ParseWhereClause parses a clause like "category=console" or "message~timeout"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// Try operators in order of length (longest first to avoid partial matches)
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx > 0 {
			field := strings.TrimSpace(clause[:idx])
			value := strings.TrimSpace(clause[idx+len(op):])

			if field == "" || value == "" {
				return nil, fmt.Errorf("invalid where clause: %s", clause)
			}

			wc := &WhereClause{
				Field:    strings.ToLower(field),
				Operator: op,
				Value:    value,
			}

			if op == "~" || op == "!~" {
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
				}
				wc.regex = re
			}

			return wc, nil
		}
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

// Match checks if a breadcrumb matches this clause
func (wc *WhereClause) Match(b domain.Breadcrumb) bool {
	fieldValue := wc.fieldValue(b)

	switch wc.Operator {
	case "=":
		return fieldValue == wc.Value
	case "!=":
		return fieldValue != wc.Value
	case "~":
		return wc.regex.MatchString(fieldValue)
	case "!~":
		return !wc.regex.MatchString(fieldValue)
	case "^":
		return strings.HasPrefix(fieldValue, wc.Value)
	case "$":
		return strings.HasSuffix(fieldValue, wc.Value)
	case ">=":
		return wc.compareLevel(b, true)
	case "<=":
		return wc.compareLevel(b, false)
	}

	return false
}

func (wc *WhereClause) fieldValue(b domain.Breadcrumb) string {
	switch wc.Field {
	case "category":
		return b.Category
	case "message":
		return b.Message
	case "type":
		return b.Type
	case "level":
		return b.Level
	default:
		return ""
	}
}

// levelPriority orders breadcrumb severities; unknown levels rank as info
func levelPriority(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "", "info", "log":
		return 1
	case "warning", "warn":
		return 2
	case "error":
		return 3
	case "fatal", "critical":
		return 4
	default:
		return 1
	}
}

// compareLevel handles >= and <= comparisons for levels
func (wc *WhereClause) compareLevel(b domain.Breadcrumb, greaterOrEqual bool) bool {
	if wc.Field != "level" {
		return false
	}
	entry := levelPriority(b.Level)
	target := levelPriority(wc.Value)
	if greaterOrEqual {
		return entry >= target
	}
	return entry <= target
}

func parseClauses(clauses []string) ([]*WhereClause, error) {
	out := make([]*WhereClause, 0, len(clauses))
	for _, clause := range clauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		out = append(out, wc)
	}
	return out, nil
}

// WhereFilter keeps breadcrumbs matching ALL clauses
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter creates a filter from clause strings. No clauses yields nil.
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}
	clauses, err := parseClauses(whereClauses)
	if err != nil {
		return nil, err
	}
	return &WhereFilter{clauses: clauses}, nil
}

// Match returns true if the breadcrumb matches ALL clauses
func (f *WhereFilter) Match(b domain.Breadcrumb) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(b) {
			return false
		}
	}
	return true
}

// DefaultExcludes drops breadcrumbs that are recorded through other paths:
// network requests become performance spans, DOM events arrive via
// HandleDOMEvent and the uploader's own events are never replayed.
var DefaultExcludes = []string{
	"category=fetch",
	"category=xhr",
	"category=replay.event",
	"category^ui.",
}

// ExcludeFilter drops breadcrumbs matching ANY clause
type ExcludeFilter struct {
	clauses []*WhereClause
}

// NewExcludeFilter creates an exclude filter. No clauses yields nil.
func NewExcludeFilter(clauses []string) (*ExcludeFilter, error) {
	if len(clauses) == 0 {
		return nil, nil
	}
	parsed, err := parseClauses(clauses)
	if err != nil {
		return nil, err
	}
	return &ExcludeFilter{clauses: parsed}, nil
}

// Excluded reports whether any clause matches b
func (f *ExcludeFilter) Excluded(b domain.Breadcrumb) bool {
	if f == nil {
		return false
	}
	for _, clause := range f.clauses {
		if clause.Match(b) {
			return true
		}
	}
	return false
}
