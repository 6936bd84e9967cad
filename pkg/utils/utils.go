// Package utils provides helpers for token display, environment lookups and
// the plugin's file locations.
package utils

import (
	"os"
	"strings"
)

// GetEnvWithDefault retrieves an environment variable or returns a default value if not set.
func GetEnvWithDefault(name, defaultValue string) string {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	return value
}

// MaskToken masks a token for display by showing only the first and last few characters.
// OpenAI keys keep their "sk-" style prefix visible.
func MaskToken(token string) string {
	if len(token) < 10 {
		return "***" // Too short to safely show anything
	}

	if i := strings.LastIndex(token[:8], "-"); i > 0 {
		return token[:i+1] + "..." + token[len(token)-4:]
	}
	return token[:4] + "..." + token[len(token)-4:]
}
