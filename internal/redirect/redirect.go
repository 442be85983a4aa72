// Package redirect owns the one truly shared OS resource snag mutates: the
// default screenshot save location. It is a scoped resource — every acquire
// is paired with a release, and a write-ahead token on disk lets the next
// startup restore the original value if the process died mid-session.
package redirect

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	snagerrors "github.com/snagtools/snag/internal/errors"
)

// Backend reads and writes the OS default capture-save location.
// An empty value means "OS default" (the setting is unset).
type Backend interface {
	Read() (string, error)
	Write(dir string) error
}

// Token records an engaged redirect. It is persisted before the OS value is
// touched so a crash can never orphan the redirect.
type Token struct {
	Original    string    `yaml:"original"`
	OriginalSet bool      `yaml:"original_set"`
	Override    string    `yaml:"override"`
	AcquiredAt  time.Time `yaml:"acquired_at"`
}

// Manager guards acquisition and release of the redirect.
type Manager struct {
	mu        sync.Mutex
	backend   Backend
	tokenPath string
}

// NewManager returns a Manager persisting its write-ahead token at tokenPath.
func NewManager(backend Backend, tokenPath string) *Manager {
	return &Manager{backend: backend, tokenPath: tokenPath}
}

// Engaged reports whether a token is currently persisted.
func (m *Manager) Engaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := os.Stat(m.tokenPath)
	return err == nil
}

// Acquire repoints the OS capture-save location at targetDir and returns a
// token for the original value. The token is written to disk before the OS
// value changes.
func (m *Manager) Acquire(targetDir string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.tokenPath); err == nil {
		return nil, fmt.Errorf("redirect already engaged (token at %s); release or recover it first", m.tokenPath)
	}

	original, err := m.backend.Read()
	if err != nil {
		return nil, snagerrors.NewRedirectUnavailable(err)
	}

	tok := &Token{
		Original:    original,
		OriginalSet: original != "",
		Override:    targetDir,
		AcquiredAt:  time.Now().UTC(),
	}
	if err := m.writeToken(tok); err != nil {
		return nil, err
	}

	if err := m.backend.Write(targetDir); err != nil {
		// The OS value never changed; drop the token again.
		_ = os.Remove(m.tokenPath)
		return nil, snagerrors.NewRedirectUnavailable(err)
	}
	return tok, nil
}

// Release restores the original OS value and deletes the persisted token.
// The persisted record is authoritative, so Release survives a Manager that
// was rebuilt after the acquire. Releasing an unengaged redirect is a no-op.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *Manager) releaseLocked() error {
	tok, err := m.readToken()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	restore := ""
	if tok.OriginalSet {
		restore = tok.Original
	}
	if err := m.backend.Write(restore); err != nil {
		return fmt.Errorf("failed to restore capture location: %w", err)
	}
	if err := os.Remove(m.tokenPath); err != nil {
		return fmt.Errorf("failed to remove redirect token: %w", err)
	}
	return nil
}

// RecoverStale performs the crash-recovery path: if a token survived the
// previous process, restore the original value and clear it. Returns the
// stale token when one was found.
func (m *Manager) RecoverStale() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.readToken()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := m.releaseLocked(); err != nil {
		return tok, err
	}
	return tok, nil
}

func (m *Manager) writeToken(tok *Token) error {
	data, err := yaml.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect token: %w", err)
	}
	if err := os.WriteFile(m.tokenPath, data, 0644); err != nil {
		return fmt.Errorf("failed to persist redirect token: %w", err)
	}
	return nil
}

func (m *Manager) readToken() (*Token, error) {
	data, err := os.ReadFile(m.tokenPath)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := yaml.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("invalid redirect token: %w", err)
	}
	return &tok, nil
}
