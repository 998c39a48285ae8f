package findmy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"podlocator/go-poller/internal/session"
)

const (
	stateAuthenticated = "authenticated"
	stateRequire2FA    = "require_2fa"

	methodTrustedDevice = "trusted_device"
	methodSMS           = "sms"
)

type sessionPayload struct {
	Token     string          `json:"token"`
	Context   json.RawMessage `json:"context,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

type methodPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type authResponse struct {
	State     string          `json:"state"`
	Session   *sessionPayload `json:"session,omitempty"`
	Challenge *struct {
		Handle  string          `json:"handle"`
		Methods []methodPayload `json:"methods"`
	} `json:"challenge,omitempty"`
}

func (p *sessionPayload) toSession(account string, now time.Time) *session.Session {
	s := &session.Session{
		Account:   account,
		Token:     p.Token,
		Context:   p.Context,
		UpdatedAt: now,
	}
	if p.ExpiresAt != nil {
		s.ExpiresAt = p.ExpiresAt.UTC()
	}
	return s
}

func methodKind(t string) session.MethodKind {
	switch t {
	case methodTrustedDevice:
		return session.MethodTrustedDevice
	case methodSMS:
		return session.MethodSMS
	default:
		return 0
	}
}

// Login submits the account credentials.
func (c *Client) Login(ctx context.Context, account string, password []byte) (session.LoginResult, error) {
	req := struct {
		Account  string `json:"account"`
		Password string `json:"password"`
	}{Account: account, Password: string(password)}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, req, &resp); err != nil {
		return session.LoginResult{}, err
	}

	switch resp.State {
	case stateAuthenticated:
		if resp.Session == nil || resp.Session.Token == "" {
			return session.LoginResult{}, fmt.Errorf("login response: authenticated without a session token")
		}
		return session.LoginResult{Session: resp.Session.toSession(account, c.now())}, nil

	case stateRequire2FA:
		if resp.Challenge == nil {
			return session.LoginResult{}, fmt.Errorf("login response: second factor required without a challenge")
		}
		ch := &session.Challenge{Handle: resp.Challenge.Handle}
		for _, m := range resp.Challenge.Methods {
			method := session.ChallengeMethod{ID: m.ID, Kind: methodKind(m.Type)}
			if method.Kind == session.MethodSMS {
				method.PhoneNumberHint = m.PhoneNumber
			}
			ch.Methods = append(ch.Methods, method)
		}
		return session.LoginResult{Challenge: ch}, nil

	default:
		return session.LoginResult{}, fmt.Errorf("login response: unknown state %q", resp.State)
	}
}

// RequestChallenge asks the gateway to deliver a second factor code.
func (c *Client) RequestChallenge(ctx context.Context, challenge *session.Challenge, method session.ChallengeMethod) error {
	req := struct {
		Handle   string `json:"handle"`
		MethodID string `json:"method_id"`
	}{Handle: challenge.Handle, MethodID: method.ID}

	return c.do(ctx, http.MethodPost, "/v1/auth/2fa/request", nil, req, nil)
}

// SubmitChallenge completes the second factor step.
func (c *Client) SubmitChallenge(ctx context.Context, challenge *session.Challenge, method session.ChallengeMethod, code string) (*session.Session, error) {
	req := struct {
		Handle   string `json:"handle"`
		MethodID string `json:"method_id"`
		Code     string `json:"code"`
	}{Handle: challenge.Handle, MethodID: method.ID, Code: code}

	var resp authResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/2fa/submit", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil || resp.Session.Token == "" {
		return nil, fmt.Errorf("2fa submit response: no session token")
	}
	return resp.Session.toSession("", c.now()), nil
}

// Validate checks that the gateway still accepts the session.
func (c *Client) Validate(ctx context.Context, s *session.Session) error {
	return c.do(ctx, http.MethodGet, "/v1/auth/session", s, nil, nil)
}
