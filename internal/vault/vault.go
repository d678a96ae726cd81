// Package vault implements the credential vault: provider secrets are sealed
// with XChaCha20-Poly1305 under a per-provider subkey derived from a
// host-local master key, and only ciphertext reaches the datastore.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/citinet/hubtunnel/internal/domain"
)

// KeySize is the master key length in bytes.
const KeySize = 32

const (
	subkeyInfoPrefix = "hubtunnel/vault/v1/"
	keyIDInfo        = "hubtunnel/vault/v1/key-id"
)

var (
	// ErrKeyUnavailable means the master key could not be loaded from the
	// host key store.
	ErrKeyUnavailable = errors.New("vault key unavailable")

	// ErrUndecryptable means a stored credential cannot be opened with the
	// current key. The credential is lost and the provider must re-authenticate.
	ErrUndecryptable = errors.New("stored credential cannot be decrypted")
)

// SealedStore persists ciphertexts. *sqlite.Store implements it.
type SealedStore interface {
	PutSealed(ctx context.Context, sealed domain.SealedSecret) error
	GetSealed(ctx context.Context, provider domain.Provider) (domain.SealedSecret, bool, error)
	DeleteSealed(ctx context.Context, provider domain.Provider) error
}

// KeySource yields the 32-byte master key, creating it on first use.
type KeySource interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// Error wraps a vault failure with the operation and provider.
type Error struct {
	Op       string
	Provider domain.Provider
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vault %s %s: %v", e.Op, e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Vault is the credential vault. It is safe for concurrent use.
type Vault struct {
	store SealedStore
	keys  KeySource
	log   *slog.Logger
	rand  io.Reader
}

// New returns a Vault sealing into store with keys from keys.
func New(store SealedStore, keys KeySource, log *slog.Logger) *Vault {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Vault{store: store, keys: keys, log: log, rand: rand.Reader}
}

// Put seals blob for provider, replacing any previous credential.
func (v *Vault) Put(ctx context.Context, provider domain.Provider, blob domain.Secret) error {
	master, err := v.master(ctx, "put", provider)
	if err != nil {
		return err
	}
	aead, err := newAEAD(master, provider)
	if err != nil {
		return &Error{Op: "put", Provider: provider, Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return &Error{Op: "put", Provider: provider, Err: err}
	}
	sealed := domain.SealedSecret{
		Provider:   provider,
		KeyID:      keyID(master),
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, blob, []byte(provider)),
	}
	if err := v.store.PutSealed(ctx, sealed); err != nil {
		return &Error{Op: "put", Provider: provider, Err: err}
	}
	v.log.Debug("credential sealed", "provider", provider, "key_id", sealed.KeyID)
	return nil
}

// Get opens the credential for provider. It returns (nil, nil) when none
// is stored.
func (v *Vault) Get(ctx context.Context, provider domain.Provider) (domain.Secret, error) {
	sealed, found, err := v.store.GetSealed(ctx, provider)
	if err != nil {
		return nil, &Error{Op: "get", Provider: provider, Err: err}
	}
	if !found {
		return nil, nil
	}
	master, err := v.master(ctx, "get", provider)
	if err != nil {
		return nil, err
	}
	if sealed.KeyID != keyID(master) {
		return nil, &Error{Op: "get", Provider: provider, Err: fmt.Errorf("%w: sealed under key %s", ErrUndecryptable, sealed.KeyID)}
	}
	aead, err := newAEAD(master, provider)
	if err != nil {
		return nil, &Error{Op: "get", Provider: provider, Err: err}
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, &Error{Op: "get", Provider: provider, Err: ErrUndecryptable}
	}
	plain, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(provider))
	if err != nil {
		return nil, &Error{Op: "get", Provider: provider, Err: ErrUndecryptable}
	}
	return domain.Secret(plain), nil
}

// Wipe removes the credential for provider. Wiping a missing credential
// succeeds.
func (v *Vault) Wipe(ctx context.Context, provider domain.Provider) error {
	if err := v.store.DeleteSealed(ctx, provider); err != nil {
		return &Error{Op: "wipe", Provider: provider, Err: err}
	}
	v.log.Debug("credential wiped", "provider", provider)
	return nil
}

func (v *Vault) master(ctx context.Context, op string, provider domain.Provider) ([]byte, error) {
	key, err := v.keys.MasterKey(ctx)
	if err != nil {
		if !errors.Is(err, ErrKeyUnavailable) {
			err = fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		return nil, &Error{Op: op, Provider: provider, Err: err}
	}
	if len(key) != KeySize {
		return nil, &Error{Op: op, Provider: provider, Err: fmt.Errorf("%w: master key must be %d bytes", ErrKeyUnavailable, KeySize)}
	}
	return key, nil
}

func newAEAD(master []byte, provider domain.Provider) (cipher.AEAD, error) {
	subkey := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(subkeyInfoPrefix+string(provider)))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(subkey)
}

func keyID(master []byte) string {
	r := hkdf.New(sha256.New, master, nil, []byte(keyIDInfo))
	id := make([]byte, 8)
	_, _ = io.ReadFull(r, id)
	return hex.EncodeToString(id)
}
