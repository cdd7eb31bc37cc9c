// ABOUTME: Small expression language for edge guards, e.g. "outcome = success && context.mode = prod".
// ABOUTME: A condition is an AND of equality/inequality clauses against Outcome and pipeline Context.
package attractor

import (
	"strings"
)

// conditionOp is an equality operator a clause can use.
type conditionOp int

const (
	opEquals conditionOp = iota
	opNotEquals
)

// clause is one parsed "key op literal" term of a condition.
type clause struct {
	key     string
	op      conditionOp
	literal string
}

// EvaluateCondition reports whether condition holds against outcome and
// ctx. condition is a possibly-empty "&&"-joined list of clauses; an
// empty or whitespace-only condition always evaluates true, matching an
// edge with no guard at all.
func EvaluateCondition(condition string, outcome *Outcome, ctx *Context) bool {
	for _, c := range splitClauses(condition) {
		parsed, ok := parseClause(c)
		if !ok {
			return false
		}
		if !parsed.holds(outcome, ctx) {
			return false
		}
	}
	return true
}

// splitClauses trims condition and splits it on "&&", discarding nothing
// (each resulting piece is still raw and may be empty).
func splitClauses(condition string) []string {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "&&")
}

// parseClause splits raw on the first "!=" or, failing that, the first
// "=", and reports ok=false for anything without a recognized operator.
func parseClause(raw string) (clause, bool) {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "!="); idx >= 0 {
		return clause{
			key:     strings.TrimSpace(text[:idx]),
			op:      opNotEquals,
			literal: strings.TrimSpace(text[idx+2:]),
		}, true
	}
	if idx := strings.Index(text, "="); idx >= 0 {
		return clause{
			key:     strings.TrimSpace(text[:idx]),
			op:      opEquals,
			literal: strings.TrimSpace(text[idx+1:]),
		}, true
	}
	return clause{}, false
}

// holds resolves c.key against outcome/ctx and applies c.op to the result,
// comparing case-insensitively.
func (c clause) holds(outcome *Outcome, ctx *Context) bool {
	resolved := resolveKey(c.key, outcome, ctx)
	if c.op == opNotEquals {
		return !strings.EqualFold(resolved, c.literal)
	}
	return strings.EqualFold(resolved, c.literal)
}

// resolveKey maps a clause key to its current string value:
//
//	"outcome"          -> outcome.Status
//	"preferred_label"  -> outcome.PreferredLabel
//	"context.<name>"   -> ctx.GetString("context.<name>"), falling back to
//	                      ctx.GetString("<name>") if the prefixed form is unset
//	anything else      -> ctx.GetString(key)
//
// A key with no match anywhere resolves to "", so conditions can compare
// against absent context entries without a separate existence check.
func resolveKey(key string, outcome *Outcome, ctx *Context) string {
	switch key {
	case "outcome":
		return string(outcome.Status)
	case "preferred_label":
		return outcome.PreferredLabel
	}
	if rest, isContext := strings.CutPrefix(key, "context."); isContext {
		if val := ctx.GetString(key, ""); val != "" {
			return val
		}
		return ctx.GetString(rest, "")
	}
	return ctx.GetString(key, "")
}

// ValidateConditionSyntax reports whether condition parses as a valid
// clause list without evaluating it against any outcome/context.
func ValidateConditionSyntax(condition string) bool {
	clauses := splitClauses(condition)
	if clauses == nil && strings.TrimSpace(condition) == "" {
		return true
	}
	for _, raw := range clauses {
		if strings.TrimSpace(raw) == "" {
			return false
		}
		parsed, ok := parseClause(raw)
		if !ok || parsed.key == "" {
			return false
		}
	}
	return true
}
