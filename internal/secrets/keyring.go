// Package secrets keeps the seed master secret in the OS keyring, with a
// JSON file fallback for hosts that have no keyring (containers, CI).
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const keyMaster = "seed-master"

// ErrNotFound is returned when no secret is stored under a name.
var ErrNotFound = keyring.ErrNotFound

// Store wraps the OS keychain with an optional file fallback.
type Store struct {
	service      string
	fallbackPath string
	mu           sync.Mutex
}

func New(service, fallbackPath string) *Store {
	if strings.TrimSpace(service) == "" {
		service = "pf-roundclock"
	}
	return &Store{service: service, fallbackPath: fallbackPath}
}

// MasterSecret returns the seed master secret, creating and storing a fresh
// 32-byte one on first use.
func (s *Store) MasterSecret() ([]byte, error) {
	val, err := s.Get(keyMaster)
	if err == nil {
		secret, derr := hex.DecodeString(val)
		if derr != nil || len(secret) == 0 {
			return nil, fmt.Errorf("secrets: stored master secret is not hex")
		}
		return secret, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("secrets: generate master secret: %w", err)
	}
	if err := s.Set(keyMaster, hex.EncodeToString(secret)); err != nil {
		return nil, err
	}
	return secret, nil
}

// SetMasterSecret replaces the master secret. Seeds already issued for the
// current period change with it.
func (s *Store) SetMasterSecret(secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("secrets: empty master secret")
	}
	return s.Set(keyMaster, hex.EncodeToString(secret))
}

func (s *Store) Set(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("secrets: name is required")
	}
	err := keyring.Set(s.service, name, value)
	if err == nil {
		return nil
	}
	if !isKeyringUnavailable(err) {
		return fmt.Errorf("secrets: keyring set %s: %w", name, err)
	}
	return s.setFallback(name, value)
}

func (s *Store) Get(name string) (string, error) {
	val, err := keyring.Get(s.service, name)
	if err == nil {
		return val, nil
	}
	if !isKeyringUnavailable(err) && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("secrets: keyring get %s: %w", name, err)
	}
	return s.getFallback(name)
}

// Delete removes name from the keyring and the fallback file.
func (s *Store) Delete(name string) error {
	err := keyring.Delete(s.service, name)
	ferr := s.deleteFallback(name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) && !isKeyringUnavailable(err) {
		return fmt.Errorf("secrets: keyring delete %s: %w", name, err)
	}
	return ferr
}

func isKeyringUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "secret service") ||
		strings.Contains(msg, "dbus") ||
		strings.Contains(msg, "no keychain") ||
		strings.Contains(msg, "keyring backend not available")
}

func (s *Store) setFallback(name, value string) error {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return fmt.Errorf("secrets: keyring unavailable and no fallback path configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallback()
	if err != nil {
		return err
	}
	data[name] = value
	return s.writeFallback(data)
}

func (s *Store) getFallback(name string) (string, error) {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return "", ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallback()
	if err != nil {
		return "", err
	}
	val, ok := data[name]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *Store) deleteFallback(name string) error {
	if strings.TrimSpace(s.fallbackPath) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.readFallback()
	if err != nil {
		return err
	}
	if _, ok := data[name]; !ok {
		return nil
	}
	delete(data, name)
	return s.writeFallback(data)
}

func (s *Store) readFallback() (map[string]string, error) {
	out := map[string]string{}
	raw, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("secrets: read fallback: %w", err)
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("secrets: decode fallback: %w", err)
	}
	return out, nil
}

func (s *Store) writeFallback(data map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.fallbackPath), 0o700); err != nil {
		return fmt.Errorf("secrets: mkdir fallback dir: %w", err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("secrets: encode fallback: %w", err)
	}
	if err := os.WriteFile(s.fallbackPath, raw, 0o600); err != nil {
		return fmt.Errorf("secrets: write fallback: %w", err)
	}
	return nil
}
