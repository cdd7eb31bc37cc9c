// ABOUTME: Context-shrinking transforms applied at a fidelity boundary between pipeline nodes.
// ABOUTME: Each mode trades off how much prior context an LLM-backed node downstream actually sees.
package attractor

import (
	"fmt"
	"sort"
	"strings"
)

// FidelityOptions tunes the thresholds the fidelity transforms use; the
// zero value falls back to each mode's own default.
type FidelityOptions struct {
	MaxKeys        int
	MaxValueLength int
	MaxLogs        int
	Whitelist      []string
}

var defaultSummaryLowWhitelist = []string{"last_stage", "outcome", "goal", "error"}

var summaryMediumPatterns = []string{"result", "output", "status"}

const (
	defaultMaxKeys        = 50
	defaultCompactValue   = 1024
	defaultCompactLogs    = 20
	defaultSummaryHighLen = 500
)

// ApplyFidelity transforms pctx according to mode and returns the new
// context plus a human-readable preamble describing what changed.
// FidelityFull is a no-op: the same context is handed back untouched.
func ApplyFidelity(pctx *Context, mode FidelityMode, opts FidelityOptions) (*Context, string) {
	switch mode {
	case FidelityFull:
		return pctx, ""
	case FidelityTruncate:
		return truncateByKeyLimit(pctx, opts)
	case FidelitySummaryLow:
		return summarizeWithWhitelist(pctx, opts, false)
	case FidelitySummaryMedium:
		return summarizeWithWhitelist(pctx, opts, true)
	case FidelitySummaryHigh:
		return clampValueLengths(pctx, opts)
	default: // FidelityCompact and any unrecognized mode
		return dropInternalKeys(pctx, opts)
	}
}

// GeneratePreamble describes, in prose, what fidelity transform ran when
// handing context from prevNode to the next stage.
func GeneratePreamble(prevNode string, mode FidelityMode, removedKeys int) string {
	source := prevNode
	if source == "" {
		source = "previous node"
	}

	descriptions := map[FidelityMode]string{
		FidelityFull:          "passed in full fidelity mode (all keys preserved)",
		FidelityTruncate:      fmt.Sprintf("truncated to limit keys; %d keys removed", removedKeys),
		FidelityCompact:       fmt.Sprintf("compacted; %d keys removed", removedKeys),
		FidelitySummaryLow:    fmt.Sprintf("summarized at low detail; %d keys removed", removedKeys),
		FidelitySummaryMedium: fmt.Sprintf("summarized at medium detail; %d keys removed", removedKeys),
		FidelitySummaryHigh:   fmt.Sprintf("summarized at high detail; %d keys removed", removedKeys),
	}

	desc, ok := descriptions[mode]
	if !ok {
		desc = fmt.Sprintf("transformed; %d keys removed", removedKeys)
	}
	return fmt.Sprintf("Context from %s was %s.", source, desc)
}

// truncateByKeyLimit keeps the first opts.MaxKeys keys in sorted order and
// drops everything past that cutoff.
func truncateByKeyLimit(pctx *Context, opts FidelityOptions) (*Context, string) {
	limit := opts.MaxKeys
	if limit == 0 {
		limit = defaultMaxKeys
	}

	snap := pctx.Snapshot()
	sortedKeys := sortedKeysOf(snap)

	result := NewContext()
	for i, k := range sortedKeys {
		if i >= limit {
			break
		}
		result.Set(k, snap[k])
	}

	removed := len(snap) - min(limit, len(snap))
	return result, fmt.Sprintf("Context was truncated to %d keys; %d keys removed.", limit, removed)
}

// dropInternalKeys strips keys prefixed "_", caps long string values, and
// keeps only the most recent opts.MaxLogs log entries.
func dropInternalKeys(pctx *Context, opts FidelityOptions) (*Context, string) {
	maxValueLen := opts.MaxValueLength
	if maxValueLen == 0 {
		maxValueLen = defaultCompactValue
	}
	maxLogs := opts.MaxLogs
	if maxLogs == 0 {
		maxLogs = defaultCompactLogs
	}

	snap := pctx.Snapshot()
	result := NewContext()
	removed := 0
	for k, v := range snap {
		if strings.HasPrefix(k, "_") {
			removed++
			continue
		}
		result.Set(k, capString(v, maxValueLen, "[truncated]"))
	}

	for _, l := range recentLogs(pctx.Logs(), maxLogs) {
		result.AppendLog(l)
	}

	return result, fmt.Sprintf("Context was compacted; %d keys removed.", removed)
}

// summarizeWithWhitelist keeps whitelisted keys, and when includePatterns
// is set also keeps any non-internal key matching summaryMediumPatterns.
func summarizeWithWhitelist(pctx *Context, opts FidelityOptions, includePatterns bool) (*Context, string) {
	whitelist := opts.Whitelist
	if whitelist == nil {
		whitelist = defaultSummaryLowWhitelist
	}
	wl := toSet(whitelist)

	snap := pctx.Snapshot()
	result := NewContext()
	kept := 0
	for k, v := range snap {
		keep := wl[k] || (includePatterns && matchesPatterns(k) && !strings.HasPrefix(k, "_"))
		if !keep {
			continue
		}
		result.Set(k, v)
		kept++
	}

	removed := len(snap) - kept
	detail := "low"
	if includePatterns {
		detail = "medium"
	}
	return result, fmt.Sprintf("Context was summarized at %s detail; %d keys removed.", detail, removed)
}

// clampValueLengths keeps every key but truncates string values past
// opts.MaxValueLength; nothing is ever dropped in this mode.
func clampValueLengths(pctx *Context, opts FidelityOptions) (*Context, string) {
	maxValueLen := opts.MaxValueLength
	if maxValueLen == 0 {
		maxValueLen = defaultSummaryHighLen
	}

	snap := pctx.Snapshot()
	result := NewContext()
	for k, v := range snap {
		result.Set(k, clipString(v, maxValueLen))
	}
	return result, "Context was summarized at high detail; 0 keys removed."
}

func matchesPatterns(key string) bool {
	lower := strings.ToLower(key)
	for _, p := range summaryMediumPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func sortedKeysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func recentLogs(logs []string, max int) []string {
	if len(logs) <= max {
		return logs
	}
	return logs[len(logs)-max:]
}

// capString replaces v with replacement when it's a string longer than
// maxLen; any other value (or a short string) passes through unchanged.
func capString(v any, maxLen int, replacement string) any {
	s, ok := v.(string)
	if !ok || len(s) <= maxLen {
		return v
	}
	return replacement
}

// clipString truncates v to maxLen when it's a string longer than that;
// any other value passes through unchanged.
func clipString(v any, maxLen int) any {
	s, ok := v.(string)
	if !ok || len(s) <= maxLen {
		return v
	}
	return s[:maxLen]
}
