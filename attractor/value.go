// ABOUTME: Typed attribute value union for DOT node/edge/graph attributes.
// ABOUTME: Tags each attribute as String, Int, Float, Bool, or Duration at parse time.
package attractor

import (
	"regexp"
	"strconv"
	"time"
)

// ValueKind identifies which variant of Value is populated.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindDuration
)

// Value is a tagged union over the attribute types the DOT subset supports.
// The zero Value is the empty string, which is what a missing attribute
// resolves to throughout the engine.
type Value struct {
	Kind ValueKind
	str  string
	num  float64
	b    bool
	dur  time.Duration
}

// NewStringValue wraps a plain string.
func NewStringValue(s string) Value { return Value{Kind: KindString, str: s} }

// NewIntValue wraps an integer.
func NewIntValue(i int64) Value { return Value{Kind: KindInt, num: float64(i)} }

// NewFloatValue wraps a floating point number.
func NewFloatValue(f float64) Value { return Value{Kind: KindFloat, num: f} }

// NewBoolValue wraps a boolean.
func NewBoolValue(b bool) Value { return Value{Kind: KindBool, b: b} }

// NewDurationValue wraps a duration.
func NewDurationValue(d time.Duration) Value { return Value{Kind: KindDuration, dur: d} }

// durationSuffixPattern matches a number followed by one of the supported
// duration suffixes: ms, s, m, h, d. "ms" is ordered first so it is not
// shadowed by the single-letter "m" alternative.
var durationSuffixPattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)(ms|s|m|h|d)$`)

// parseDurationSuffix parses a string like "900s" or "1.5h" into a duration.
// Returns ok=false if the string does not match the suffixed-literal pattern.
func parseDurationSuffix(s string) (time.Duration, bool) {
	m := durationSuffixPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	var unit time.Duration
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n * float64(unit)), true
}

// valueFromToken types a parsed attribute value according to its source
// token. Numbers and the boolean keywords are typed directly from their
// lexical category; any other token (string or bareword identifier) is
// checked against the duration-suffix pattern before falling back to a
// plain string. This is why a quoted "900s" still types as Duration while
// a quoted "42" stays String: only the content decides duration-ness, but
// only the lexer's NUMBER/BOOLEAN categories decide Int/Float/Bool.
func valueFromToken(tok Token) Value {
	switch tok.Type {
	case TokenBoolean:
		return NewBoolValue(tok.Value == "true")
	case TokenNumber:
		if containsDot(tok.Value) {
			f, err := strconv.ParseFloat(tok.Value, 64)
			if err != nil {
				return NewStringValue(tok.Value)
			}
			return NewFloatValue(f)
		}
		i, err := strconv.ParseInt(tok.Value, 10, 64)
		if err != nil {
			return NewStringValue(tok.Value)
		}
		return NewIntValue(i)
	default:
		if d, ok := parseDurationSuffix(tok.Value); ok {
			return NewDurationValue(d)
		}
		return NewStringValue(tok.Value)
	}
}

func containsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}
	return false
}

// String renders the value's canonical string form, used throughout the
// engine for attribute comparisons, label matching, and condition evaluation.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(int64(v.num), 10)
	case KindFloat:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDuration:
		return v.dur.String()
	default:
		return ""
	}
}

// Int returns the value as an integer. Non-numeric values parse their
// string form as a best effort; unparseable values return 0.
func (v Value) Int() int64 {
	switch v.Kind {
	case KindInt:
		return int64(v.num)
	case KindFloat:
		return int64(v.num)
	default:
		i, _ := strconv.ParseInt(v.String(), 10, 64)
		return i
	}
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindInt, KindFloat:
		return v.num
	default:
		f, _ := strconv.ParseFloat(v.String(), 64)
		return f
	}
}

// Bool returns the value as a boolean. A string value parses "true" as
// true and anything else as false.
func (v Value) Bool() bool {
	switch v.Kind {
	case KindBool:
		return v.b
	default:
		return v.String() == "true"
	}
}

// Duration returns the value as a time.Duration. A bare numeric or string
// value that isn't itself duration-typed falls back to time.ParseDuration
// on its string form so that node.timeout="5m" styled as a plain string
// attribute (e.g. via an external template) still resolves correctly.
func (v Value) Duration() time.Duration {
	if v.Kind == KindDuration {
		return v.dur
	}
	d, _ := time.ParseDuration(v.String())
	return d
}

// IsZero reports whether the value is the empty/missing sentinel.
func (v Value) IsZero() bool {
	return v.Kind == KindString && v.str == ""
}

// stringAttrs renders a typed attribute map down to its string forms, for
// handlers that need to iterate every attribute rather than look up one key
// at a time (e.g. scanning for an "env_"-prefixed family of attributes).
func stringAttrs(attrs map[string]Value) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v.String()
	}
	return out
}
