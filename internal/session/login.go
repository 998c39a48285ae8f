package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type loginState int

const (
	stateCollectCredentials loginState = iota
	stateAwaitingSelection
	stateChallengeRequested
	stateAwaitingCode
	stateAuthenticated
)

func (s loginState) String() string {
	switch s {
	case stateCollectCredentials:
		return "collect_credentials"
	case stateAwaitingSelection:
		return "awaiting_challenge_selection"
	case stateChallengeRequested:
		return "challenge_requested"
	case stateAwaitingCode:
		return "awaiting_code"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// loginFlow walks the interactive login state machine once. Any error ends
// the attempt; the caller starts over from stateCollectCredentials.
type loginFlow struct {
	manager *Manager

	state     loginState
	account   string
	challenge *Challenge
	method    ChallengeMethod
	session   *Session
}

func (f *loginFlow) run(ctx context.Context) (*Session, error) {
	logger := f.manager.logger
	f.state = stateCollectCredentials

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Info("login state", "state", f.state.String())

		var err error
		switch f.state {
		case stateCollectCredentials:
			err = f.collectCredentials(ctx)
		case stateAwaitingSelection:
			err = f.selectMethod(ctx)
		case stateChallengeRequested:
			err = f.requestChallenge(ctx)
		case stateAwaitingCode:
			err = f.submitCode(ctx)
		case stateAuthenticated:
			return f.session, nil
		default:
			err = fmt.Errorf("%w: unknown login state %d", ErrAuth, f.state)
		}
		if err != nil {
			logger.Warn("login attempt failed", "state", f.state.String(), "error", err)
			return nil, err
		}
	}
}

func (f *loginFlow) collectCredentials(ctx context.Context) error {
	m := f.manager

	account := m.cfg.Account
	if account == "" {
		line, err := m.prompt.ReadLine(ctx, "Apple ID Email: ")
		if err != nil {
			return fmt.Errorf("read account: %w", err)
		}
		account = strings.TrimSpace(line)
	}
	if account == "" {
		return fmt.Errorf("%w: account is required", ErrAuth)
	}
	f.account = account

	password, err := m.readPassword(ctx)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer clear(password)

	result, err := m.auth.Login(ctx, account, password)
	if err != nil {
		return fmt.Errorf("%w: login: %w", ErrAuth, err)
	}

	switch {
	case result.Session != nil:
		if result.Session.Account == "" {
			result.Session.Account = f.account
		}
		f.session = result.Session
		f.state = stateAuthenticated
	case result.Challenge != nil && len(result.Challenge.Methods) > 0:
		f.challenge = result.Challenge
		f.state = stateAwaitingSelection
	default:
		return fmt.Errorf("%w: service returned neither a session nor a second factor challenge", ErrAuth)
	}
	return nil
}

func (f *loginFlow) selectMethod(ctx context.Context) error {
	m := f.manager

	for i, method := range f.challenge.Methods {
		m.prompt.Printf("%d - %s\n", i, method.Label())
	}

	line, err := m.prompt.ReadLine(ctx, "Select method index > ")
	if err != nil {
		return fmt.Errorf("read selection: %w", err)
	}

	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 0 || idx >= len(f.challenge.Methods) {
		return fmt.Errorf("%w: %q (expected 0-%d)", ErrInvalidSelection, strings.TrimSpace(line), len(f.challenge.Methods)-1)
	}

	f.method = f.challenge.Methods[idx]
	f.state = stateChallengeRequested
	return nil
}

func (f *loginFlow) requestChallenge(ctx context.Context) error {
	m := f.manager

	if err := m.auth.RequestChallenge(ctx, f.challenge, f.method); err != nil {
		return fmt.Errorf("%w: request %s challenge: %w", ErrAuth, f.method.Kind, err)
	}

	switch f.method.Kind {
	case MethodTrustedDevice:
		m.prompt.Printf("A code was sent to your trusted devices.\n")
	case MethodSMS:
		m.prompt.Printf("A code was sent by SMS to %s.\n", f.method.PhoneNumberHint)
	}

	f.state = stateAwaitingCode
	return nil
}

func (f *loginFlow) submitCode(ctx context.Context) error {
	m := f.manager

	line, err := m.prompt.ReadLine(ctx, "Enter 2FA Code > ")
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return fmt.Errorf("%w: empty code", ErrAuth)
	}

	s, err := m.auth.SubmitChallenge(ctx, f.challenge, f.method, code)
	if err != nil {
		return fmt.Errorf("%w: submit code: %w", ErrAuth, err)
	}
	if s == nil {
		return fmt.Errorf("%w: service accepted the code but returned no session", ErrAuth)
	}

	if s.Account == "" {
		s.Account = f.account
	}
	f.session = s
	f.state = stateAuthenticated
	return nil
}
