// Package builtin holds the bots shipped with the journal.
package builtin

import (
	"encoding/json"
	"strconv"

	"github.com/jimdaga/colloquium/internal/bots"
)

// All returns every shipped bot definition
func All() []bots.Definition {
	return []bots.Definition{
		Editorial(),
		Plagiarism(),
		ReviewerWelcome(),
	}
}

func say(content string) *bots.Result {
	return &bots.Result{Messages: []bots.OutgoingMessage{{Content: content}}}
}

// payloadUint reads a numeric id from an event payload, which arrives as
// float64 after a JSON round trip
func payloadUint(payload map[string]any, key string) (uint, bool) {
	switch v := payload[key].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case uint:
		return v, true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return uint(n), err == nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return uint(n), err == nil
	}
	return 0, false
}

func configFloat(cfg map[string]any, key string, fallback float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
