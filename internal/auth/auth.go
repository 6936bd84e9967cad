// Package auth validates the OpenAI API token and renders it as a bearer credential.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// MinTokenLength is the shortest string accepted as an API token.
const MinTokenLength = 10

var (
	// ErrMissingToken is returned when no API token is configured
	ErrMissingToken = errors.New("no API token provided, set the OpenAI token in the settings")

	// ErrMalformedToken is returned for tokens that cannot be a valid API key
	ErrMalformedToken = errors.New("malformed API token")
)

// ValidateToken checks that token looks like an API key before any request is made.
func ValidateToken(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if strings.TrimSpace(token) != token || strings.ContainsAny(token, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrMalformedToken)
	}
	if len(token) < MinTokenLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrMissingToken, MinTokenLength)
	}
	return nil
}

// BearerHeader returns the Authorization header value for token.
func BearerHeader(token string) string {
	return "Bearer " + token
}
