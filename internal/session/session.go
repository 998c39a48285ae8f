// Package session owns the authenticated session with the location service:
// restoring it from disk, validating it, running the interactive login flow
// when it is missing or stale, and writing it back after use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized is returned by collaborators when the service rejects
	// the presented credentials or session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuth marks a failed interactive login attempt.
	ErrAuth = errors.New("authentication failed")

	// ErrNoSession is returned by Restore when no session file exists.
	ErrNoSession = errors.New("no stored session")

	// ErrUnavailable is returned by Restore when the service could not be
	// reached to validate a stored session. The session is kept.
	ErrUnavailable = errors.New("session service unavailable")

	// ErrInvalidSelection is returned when the operator picks a second
	// factor method that was not offered.
	ErrInvalidSelection = errors.New("invalid second factor selection")
)

// Session is the authenticated context presented to the location service.
// Context carries opaque material (cookies, device state) that only the
// service adapter interprets.
type Session struct {
	Account   string          `json:"account"`
	Token     string          `json:"token"`
	Context   json.RawMessage `json:"context,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Expired reports whether the session carries an expiry that has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Refresh replaces the bearer token after the service rotated it.
func (s *Session) Refresh(token string, now time.Time) {
	if token == "" || token == s.Token {
		return
	}
	s.Token = token
	s.UpdatedAt = now
}

func (s *Session) validate() error {
	if s.Token == "" {
		return errors.New("session has no token")
	}
	return nil
}

// MethodKind tags a second factor method.
type MethodKind int

const (
	MethodTrustedDevice MethodKind = iota + 1
	MethodSMS
)

func (k MethodKind) String() string {
	switch k {
	case MethodTrustedDevice:
		return "trusted_device"
	case MethodSMS:
		return "sms"
	default:
		return "unknown"
	}
}

// ChallengeMethod is one second factor option offered by the service.
// PhoneNumberHint is only set for MethodSMS.
type ChallengeMethod struct {
	ID              string
	Kind            MethodKind
	PhoneNumberHint string
}

// Label is the text shown to the operator when listing methods.
func (m ChallengeMethod) Label() string {
	switch m.Kind {
	case MethodTrustedDevice:
		return "Trusted Device"
	case MethodSMS:
		return fmt.Sprintf("SMS (%s)", m.PhoneNumberHint)
	default:
		return fmt.Sprintf("Unknown method %q", m.ID)
	}
}

// Challenge is a pending second factor step.
type Challenge struct {
	Handle  string
	Methods []ChallengeMethod
}

// LoginResult is either an authenticated session or a pending challenge.
type LoginResult struct {
	Session   *Session
	Challenge *Challenge
}

// Authenticator is the credential exchange with the location service.
type Authenticator interface {
	Login(ctx context.Context, account string, password []byte) (LoginResult, error)
	RequestChallenge(ctx context.Context, challenge *Challenge, method ChallengeMethod) error
	SubmitChallenge(ctx context.Context, challenge *Challenge, method ChallengeMethod, code string) (*Session, error)
	Validate(ctx context.Context, s *Session) error
}

// Prompter is the operator console used during interactive login.
type Prompter interface {
	ReadLine(ctx context.Context, prompt string) (string, error)
	ReadSecret(ctx context.Context, prompt string) ([]byte, error)
	Printf(format string, args ...any)
}
