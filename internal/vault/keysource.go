package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// FileKeySource keeps the master key base64-encoded in a 0600 file. It is the
// fallback for headless hosts without a platform keychain.
type FileKeySource struct {
	Path string

	mu  sync.Mutex
	key []byte
}

// MasterKey loads the key file, creating it with a fresh random key when it
// does not exist.
func (f *FileKeySource) MasterKey(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.key != nil {
		return f.key, nil
	}

	raw, err := os.ReadFile(f.Path)
	switch {
	case err == nil:
		key, err := decodeKey(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnavailable, f.Path, err)
		}
		f.key = key
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	key, err := newKey()
	if err != nil {
		return nil, err
	}
	if err := writeKeyFile(f.Path, encodeKey(key)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	f.key = key
	return key, nil
}

func writeKeyFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vault-key-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(contents + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// KeyringKeySource keeps the master key in the platform credential store
// (macOS Keychain, Windows Credential Manager, Secret Service on Linux).
type KeyringKeySource struct {
	Service string
	User    string

	mu  sync.Mutex
	key []byte
}

// DefaultKeyringService is the keychain service name used by serve.
const DefaultKeyringService = "hubtunnel"

const defaultKeyringUser = "vault-master-key"

// NewKeyringKeySource returns a source using the default service/user names.
func NewKeyringKeySource() *KeyringKeySource {
	return &KeyringKeySource{Service: DefaultKeyringService, User: defaultKeyringUser}
}

// MasterKey reads the key from the keychain, creating it on first use.
func (k *KeyringKeySource) MasterKey(_ context.Context) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		return k.key, nil
	}

	encoded, err := keyring.Get(k.Service, k.User)
	switch {
	case err == nil:
		key, err := decodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: keychain entry: %v", ErrKeyUnavailable, err)
		}
		k.key = key
		return key, nil
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	key, err := newKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(k.Service, k.User, encodeKey(key)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	k.key = key
	return key, nil
}

// Forget deletes the keychain entry. Every credential sealed under it becomes
// undecryptable.
func (k *KeyringKeySource) Forget() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = nil
	if err := keyring.Delete(k.Service, k.User); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// FallbackKeySource prefers the platform keychain and falls back to a key
// file on hosts without one. Once a key file exists it is always used, so a
// keychain that appears later does not orphan credentials sealed under it.
type FallbackKeySource struct {
	Keyring *KeyringKeySource
	File    *FileKeySource
	// OnFallback is called once when the keychain is unusable.
	OnFallback func(err error)

	mu  sync.Mutex
	key []byte
}

// MasterKey implements KeySource.
func (s *FallbackKeySource) MasterKey(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	if _, err := os.Stat(s.File.Path); err == nil {
		return s.fromFile(ctx)
	}
	key, err := s.Keyring.MasterKey(ctx)
	if err == nil {
		s.key = key
		return key, nil
	}
	if s.OnFallback != nil {
		s.OnFallback(err)
	}
	return s.fromFile(ctx)
}

func (s *FallbackKeySource) fromFile(ctx context.Context) ([]byte, error) {
	key, err := s.File.MasterKey(ctx)
	if err != nil {
		return nil, err
	}
	s.key = key
	return key, nil
}

// StaticKeySource returns a fixed key. Tests use it.
type StaticKeySource []byte

// MasterKey implements KeySource.
func (s StaticKeySource) MasterKey(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrKeyUnavailable
	}
	return []byte(s), nil
}

func newKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return key, nil
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("expected %d key bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
