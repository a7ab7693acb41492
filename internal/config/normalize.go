package config

import (
	"regexp"
	"strings"
)

const defaultBotName = "main"

var (
	validNameRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)
	edgeDashes   = regexp.MustCompile(`^-+|-+$`)
)

// NormalizeBotName converts a user-provided bot name into a value safe to use
// as a store directory and database key:
//   - lowercase, max 64 chars, only [a-z0-9_-]
//   - invalid chars replaced with "-", edge dashes stripped
//   - empty result defaults to "main"
func NormalizeBotName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultBotName
	}

	lower := strings.ToLower(trimmed)
	if validNameRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = edgeDashes.ReplaceAllString(result, "")
	if len(result) > 64 {
		result = result[:64]
	}
	if result == "" {
		return defaultBotName
	}
	return result
}
