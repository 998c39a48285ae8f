package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeAuth struct {
	loginResult LoginResult
	loginErr    error
	validateErr error
	submitErr   error

	logins     int
	requested  []ChallengeMethod
	submitted  []string
	validated  int
	gotAccount string
	gotPass    string
}

func (f *fakeAuth) Login(_ context.Context, account string, password []byte) (LoginResult, error) {
	f.logins++
	f.gotAccount = account
	f.gotPass = string(password)
	return f.loginResult, f.loginErr
}

func (f *fakeAuth) RequestChallenge(_ context.Context, _ *Challenge, method ChallengeMethod) error {
	f.requested = append(f.requested, method)
	return nil
}

func (f *fakeAuth) SubmitChallenge(_ context.Context, _ *Challenge, _ ChallengeMethod, code string) (*Session, error) {
	f.submitted = append(f.submitted, code)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &Session{Account: f.gotAccount, Token: "tok-" + code}, nil
}

func (f *fakeAuth) Validate(context.Context, *Session) error {
	f.validated++
	return f.validateErr
}

type scriptedPrompter struct {
	lines   []string
	secrets []string
	out     bytes.Buffer
	prompts []string
}

func (p *scriptedPrompter) ReadLine(_ context.Context, prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if len(p.lines) == 0 {
		return "", fmt.Errorf("unexpected prompt %q", prompt)
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	return line, nil
}

func (p *scriptedPrompter) ReadSecret(_ context.Context, prompt string) ([]byte, error) {
	p.prompts = append(p.prompts, prompt)
	if len(p.secrets) == 0 {
		return nil, fmt.Errorf("unexpected secret prompt %q", prompt)
	}
	s := p.secrets[0]
	p.secrets = p.secrets[1:]
	return []byte(s), nil
}

func (p *scriptedPrompter) Printf(format string, args ...any) {
	fmt.Fprintf(&p.out, format, args...)
}

func twoFactorChallenge() *Challenge {
	return &Challenge{
		Handle: "h1",
		Methods: []ChallengeMethod{
			{ID: "td", Kind: MethodTrustedDevice},
			{ID: "sms-1", Kind: MethodSMS, PhoneNumberHint: "(•••) •••-••12"},
		},
	}
}

func TestRestoreValidSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	auth := &fakeAuth{}
	m := NewManager(Config{Path: path}, auth, nil, nil)

	if err := m.Persist(&Session{Account: "a@example.com", Token: "abc"}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	s, err := m.RestoreOrAuthenticate(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s.Token != "abc" {
		t.Fatalf("token = %q, want abc", s.Token)
	}
	if auth.validated != 1 {
		t.Fatalf("validate called %d times, want 1", auth.validated)
	}
	if auth.logins != 0 {
		t.Fatalf("unexpected login")
	}
}

func TestRestoreMissingFile(t *testing.T) {
	m := NewManager(Config{Path: filepath.Join(t.TempDir(), "missing.json")}, &fakeAuth{}, nil, nil)

	_, err := m.Restore(context.Background())
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRestoreExpiredSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	auth := &fakeAuth{}
	m := NewManager(Config{Path: path}, auth, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if err := m.Persist(&Session{Token: "abc", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := m.Restore(context.Background()); err == nil {
		t.Fatalf("expected expired session to fail")
	}
	if auth.validated != 0 {
		t.Fatalf("expired session should not reach the service")
	}
}

func TestRestoreKeepsSessionWhenServiceUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	auth := &fakeAuth{validateErr: errors.New("GET /v1/auth/session: dial tcp 127.0.0.1:6176: connect: connection refused")}
	prompt := &scriptedPrompter{}
	m := NewManager(Config{Path: path}, auth, prompt, nil)

	if err := m.Persist(&Session{Account: "a@example.com", Token: "abc"}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	_, err = m.RestoreOrAuthenticate(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("network failure must not read as unauthorized: %v", err)
	}
	if len(prompt.prompts) != 0 || auth.logins != 0 {
		t.Fatalf("unexpected interactive login, prompts=%q", prompt.prompts)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("session file changed")
	}

	// Once the service answers with a rejection, login runs.
	auth.validateErr = fmt.Errorf("GET /v1/auth/session: %w", ErrUnauthorized)
	auth.loginResult = LoginResult{Session: &Session{Token: "fresh"}}
	prompt.lines = []string{"a@example.com"}
	prompt.secrets = []string{"hunter2"}
	s, err := m.RestoreOrAuthenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.Token != "fresh" {
		t.Fatalf("token = %q", s.Token)
	}
}

func TestRestoreOrAuthenticateFallsBackOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	auth := &fakeAuth{loginResult: LoginResult{Session: &Session{Token: "fresh"}}}
	prompt := &scriptedPrompter{lines: []string{"a@example.com"}, secrets: []string{"hunter2"}}
	m := NewManager(Config{Path: path}, auth, prompt, nil)

	s, err := m.RestoreOrAuthenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.Token != "fresh" || s.Account != "a@example.com" {
		t.Fatalf("unexpected session %+v", s)
	}
	if auth.gotPass != "hunter2" {
		t.Fatalf("password = %q", auth.gotPass)
	}

	restored, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore after login: %v", err)
	}
	if restored.Token != "fresh" {
		t.Fatalf("persisted token = %q", restored.Token)
	}
}

func TestAuthenticateWithSMSChallenge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	auth := &fakeAuth{loginResult: LoginResult{Challenge: twoFactorChallenge()}}
	prompt := &scriptedPrompter{lines: []string{"1", "123456"}, secrets: []string{"pw"}}
	m := NewManager(Config{Path: path, Account: "a@example.com"}, auth, prompt, nil)

	s, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.Token != "tok-123456" {
		t.Fatalf("token = %q", s.Token)
	}
	if len(auth.requested) != 1 || auth.requested[0].Kind != MethodSMS {
		t.Fatalf("requested methods = %+v", auth.requested)
	}
	out := prompt.out.String()
	if !strings.Contains(out, "0 - Trusted Device") || !strings.Contains(out, "1 - SMS") {
		t.Fatalf("method listing missing from output:\n%s", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
}

func TestAuthenticateInvalidSelection(t *testing.T) {
	for _, input := range []string{"5", "-1", "sms"} {
		t.Run(input, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "account.json")
			auth := &fakeAuth{loginResult: LoginResult{Challenge: twoFactorChallenge()}}
			prompt := &scriptedPrompter{lines: []string{input}, secrets: []string{"pw"}}
			m := NewManager(Config{Path: path, Account: "a@example.com"}, auth, prompt, nil)

			_, err := m.Authenticate(context.Background())
			if !errors.Is(err, ErrInvalidSelection) {
				t.Fatalf("expected ErrInvalidSelection, got %v", err)
			}
			if len(auth.requested) != 0 {
				t.Fatalf("challenge should not be requested")
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Fatalf("session file should not exist, stat err = %v", err)
			}
		})
	}
}

func TestAuthenticateRejectedCode(t *testing.T) {
	auth := &fakeAuth{
		loginResult: LoginResult{Challenge: twoFactorChallenge()},
		submitErr:   errors.New("bad code"),
	}
	prompt := &scriptedPrompter{lines: []string{"0", "000000"}, secrets: []string{"pw"}}
	m := NewManager(Config{Path: filepath.Join(t.TempDir(), "a.json"), Account: "a@example.com"}, auth, prompt, nil)

	_, err := m.Authenticate(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestAuthenticateUsesPasswordFile(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "password")
	if err := os.WriteFile(pwFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	auth := &fakeAuth{loginResult: LoginResult{Session: &Session{Token: "t"}}}
	prompt := &scriptedPrompter{}
	m := NewManager(Config{Path: filepath.Join(dir, "a.json"), Account: "a@example.com", PasswordFile: pwFile}, auth, prompt, nil)

	if _, err := m.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if auth.gotPass != "s3cret" {
		t.Fatalf("password = %q, want s3cret", auth.gotPass)
	}
}

func TestPersistPermissionsAndHook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "account.json")
	m := NewManager(Config{Path: path}, &fakeAuth{}, nil, nil)

	var hookCalls int
	var hookErr error
	m.OnPersist = func(err error) {
		hookCalls++
		hookErr = err
	}

	if err := m.Persist(&Session{Token: "abc"}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
	if hookCalls != 1 || hookErr != nil {
		t.Fatalf("hook calls = %d err = %v", hookCalls, hookErr)
	}

	if err := m.Persist(nil); err == nil {
		t.Fatalf("expected error persisting nil session")
	}
	if hookCalls != 2 || hookErr == nil {
		t.Fatalf("hook should observe the failure")
	}
}

func TestSealedSessionRoundTrip(t *testing.T) {
	old := sealWorkFactor
	sealWorkFactor = 10
	t.Cleanup(func() { sealWorkFactor = old })

	path := filepath.Join(t.TempDir(), "account.json")
	m := NewManager(Config{Path: path, Passphrase: "correct horse"}, &fakeAuth{}, nil, nil)

	if err := m.Persist(&Session{Account: "a@example.com", Token: "sealed-token"}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !isSealed(raw) {
		t.Fatalf("file is not sealed")
	}
	if bytes.Contains(raw, []byte("sealed-token")) {
		t.Fatalf("token leaked into sealed file")
	}

	s, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s.Token != "sealed-token" {
		t.Fatalf("token = %q", s.Token)
	}

	wrong := NewManager(Config{Path: path, Passphrase: "wrong"}, &fakeAuth{}, nil, nil)
	if _, err := wrong.Restore(context.Background()); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}

	none := NewManager(Config{Path: path}, &fakeAuth{}, nil, nil)
	if _, err := none.Restore(context.Background()); err == nil {
		t.Fatalf("expected sealed file without passphrase to fail")
	}
}
