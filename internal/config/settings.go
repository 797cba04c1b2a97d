package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const (
	keyAPIBase  = "api_base"
	keyAPIToken = "api_token"
)

// SettingsStore persists runtime settings.
type SettingsStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Settings holds the service address and token. Both can change while the
// process runs; readers always see the latest values.
type Settings struct {
	mu    sync.RWMutex
	base  string
	token string
	store SettingsStore
}

// View is a printable snapshot of Settings with the token masked.
type View struct {
	Base     string `json:"api_base"`
	Token    string `json:"api_token"`
	TokenSet bool   `json:"token_set"`
}

// NewSettings seeds settings from cfg and overrides them with any persisted
// values. store may be nil.
func NewSettings(ctx context.Context, cfg *Config, store SettingsStore) (*Settings, error) {
	s := &Settings{base: cfg.APIBase, token: cfg.APIToken, store: store}
	if store == nil {
		return s, nil
	}
	if v, ok, err := store.Setting(ctx, keyAPIBase); err != nil {
		return nil, err
	} else if ok {
		s.base = v
	}
	if v, ok, err := store.Setting(ctx, keyAPIToken); err != nil {
		return nil, err
	} else if ok {
		s.token = v
	}
	return s, nil
}

func (s *Settings) Base() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

func (s *Settings) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetBase validates, normalizes and persists a new service address.
func (s *Settings) SetBase(ctx context.Context, base string) error {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if err := ValidateBase(base); err != nil {
		return fmt.Errorf("api base: %w", err)
	}
	if err := s.persist(ctx, keyAPIBase, base); err != nil {
		return err
	}
	s.mu.Lock()
	s.base = base
	s.mu.Unlock()
	return nil
}

// SetToken persists a new bearer token.
func (s *Settings) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if err := s.persist(ctx, keyAPIToken, token); err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// View returns a snapshot safe to print.
func (s *Settings) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{Base: s.base, Token: mask(s.token), TokenSet: s.token != ""}
}

func (s *Settings) persist(ctx context.Context, key, value string) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// mask keeps the last four characters of longer tokens.
func mask(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}
