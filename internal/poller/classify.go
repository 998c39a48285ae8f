package poller

import (
	"errors"
	"strings"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/session"
)

// authMarkers are matched case-insensitively against failure messages.
var authMarkers = []string{"unauthorized", "auth"}

// Classify maps a failed call onto the outcome taxonomy. Rejected
// credentials yield AuthError so the next round re-authenticates. An
// unreachable service and anything else is an ApiError.
func Classify(err error) model.Outcome {
	if err == nil {
		return model.OutcomeSuccess
	}
	if errors.Is(err, session.ErrUnauthorized) || errors.Is(err, session.ErrAuth) {
		return model.OutcomeAuthError
	}
	// Gateway paths contain "auth", so this must win over the message check.
	if errors.Is(err, session.ErrUnavailable) {
		return model.OutcomeAPIError
	}
	if IsAuthMessage(err.Error()) {
		return model.OutcomeAuthError
	}
	return model.OutcomeAPIError
}

// IsAuthMessage reports whether msg reads like an authentication failure.
func IsAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range authMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
