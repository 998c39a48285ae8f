package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config controls where and how the session is stored.
type Config struct {
	// Path is the session file location.
	Path string
	// Passphrase, when set, seals the file with age.
	Passphrase string
	// Account pre-fills the login identifier.
	Account string
	// PasswordFile supplies the password instead of prompting.
	PasswordFile string
}

// Manager restores, validates, creates and persists the session.
type Manager struct {
	cfg    Config
	auth   Authenticator
	prompt Prompter
	logger *slog.Logger
	now    func() time.Time

	// OnPersist, if set, observes the result of every Persist call.
	OnPersist func(err error)
}

// NewManager constructs a Manager.
func NewManager(cfg Config, auth Authenticator, prompt Prompter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:    cfg,
		auth:   auth,
		prompt: prompt,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
}

// RestoreOrAuthenticate returns the stored session if it loads and
// validates, and otherwise runs the interactive login flow. A service that
// cannot be reached is reported as ErrUnavailable without prompting.
func (m *Manager) RestoreOrAuthenticate(ctx context.Context) (*Session, error) {
	s, err := m.Restore(ctx)
	if err == nil {
		m.logger.Info("session restored", "path", m.cfg.Path, "account", s.Account)
		return s, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrUnavailable) {
		m.logger.Warn("session service unreachable, keeping stored session", "path", m.cfg.Path, "error", err)
		return nil, err
	}

	if errors.Is(err, ErrNoSession) {
		m.logger.Info("no stored session, starting interactive login", "path", m.cfg.Path)
	} else {
		m.logger.Warn("session restoration failed, starting interactive login", "path", m.cfg.Path, "error", err)
	}

	return m.Authenticate(ctx)
}

// Restore loads the session file and validates it with the service.
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	s, err := m.load()
	if err != nil {
		return nil, err
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", m.cfg.Path, err)
	}
	if s.Expired(m.now()) {
		return nil, fmt.Errorf("session expired at %s", s.ExpiresAt.Format(time.RFC3339))
	}
	if err := m.auth.Validate(ctx, s); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, fmt.Errorf("validate session: %w", err)
		}
		return nil, fmt.Errorf("%w: validate session: %w", ErrUnavailable, err)
	}

	return s, nil
}

// Authenticate runs the interactive login flow and persists the result
// before returning it.
func (m *Manager) Authenticate(ctx context.Context) (*Session, error) {
	if m.prompt == nil {
		return nil, fmt.Errorf("%w: interactive login unavailable", ErrAuth)
	}

	m.prompt.Printf("--- Session expired or missing: starting interactive login ---\n")

	flow := &loginFlow{manager: m}
	s, err := flow.run(ctx)
	if err != nil {
		return nil, err
	}

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}

	if err := m.Persist(s); err != nil {
		// The session is still usable; the next successful round retries the write.
		m.logger.Error("failed to save new session", "path", m.cfg.Path, "error", err)
	} else {
		m.prompt.Printf("Login successful. Session saved to %s.\n", m.cfg.Path)
	}

	return s, nil
}

// Persist writes the session to the configured path atomically with
// owner-only permissions.
func (m *Manager) Persist(s *Session) error {
	err := m.persist(s)
	if m.OnPersist != nil {
		m.OnPersist(err)
	}
	if err != nil {
		return err
	}
	m.logger.Debug("session persisted", "path", m.cfg.Path)
	return nil
}

func (m *Manager) persist(s *Session) error {
	if s == nil {
		return errors.New("persist session: nil session")
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	data = append(data, '\n')

	if m.cfg.Passphrase != "" {
		data, err = seal(data, m.cfg.Passphrase)
		if err != nil {
			return err
		}
	}

	return writeFileAtomic(m.cfg.Path, data, 0o600)
}

func (m *Manager) load() (*Session, error) {
	data, err := os.ReadFile(m.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("read session %s: %w", m.cfg.Path, err)
	}

	if isSealed(data) {
		if m.cfg.Passphrase == "" {
			return nil, fmt.Errorf("session %s is sealed but no passphrase is configured", m.cfg.Path)
		}
		data, err = unseal(data, m.cfg.Passphrase)
		if err != nil {
			return nil, err
		}
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", m.cfg.Path, err)
	}
	return &s, nil
}

func (m *Manager) readPassword(ctx context.Context) ([]byte, error) {
	if m.cfg.PasswordFile != "" {
		data, err := os.ReadFile(m.cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("password file %s is empty", m.cfg.PasswordFile)
		}
		return data, nil
	}
	return m.prompt.ReadSecret(ctx, "Password: ")
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}
