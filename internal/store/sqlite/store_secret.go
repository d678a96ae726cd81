package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
)

// PutSealed stores or replaces the ciphertext for a provider.
func (s *Store) PutSealed(ctx context.Context, sealed domain.SealedSecret) error {
	if !sealed.Provider.Valid() {
		return errors.New("invalid provider for sealed secret")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vault_secrets(provider, key_id, nonce, ciphertext, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(provider) DO UPDATE SET
	key_id = excluded.key_id,
	nonce = excluded.nonce,
	ciphertext = excluded.ciphertext,
	updated_at = excluded.updated_at`,
		string(sealed.Provider), sealed.KeyID, sealed.Nonce, sealed.Ciphertext, time.Now().UTC())
	return err
}

// GetSealed returns the ciphertext for a provider. found is false when none
// is stored.
func (s *Store) GetSealed(ctx context.Context, provider domain.Provider) (domain.SealedSecret, bool, error) {
	out := domain.SealedSecret{Provider: provider}
	err := s.db.QueryRowContext(ctx, `
SELECT key_id, nonce, ciphertext, updated_at FROM vault_secrets WHERE provider = ?`, string(provider)).
		Scan(&out.KeyID, &out.Nonce, &out.Ciphertext, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SealedSecret{}, false, nil
	}
	if err != nil {
		return domain.SealedSecret{}, false, err
	}
	return out, true, nil
}

// DeleteSealed removes the ciphertext for a provider. The row is overwritten
// with zeros before deletion so freed pages do not retain the ciphertext.
func (s *Store) DeleteSealed(ctx context.Context, provider domain.Provider) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
UPDATE vault_secrets SET nonce = zeroblob(length(nonce)), ciphertext = zeroblob(length(ciphertext))
WHERE provider = ?`, string(provider)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vault_secrets WHERE provider = ?`, string(provider)); err != nil {
		return err
	}
	return tx.Commit()
}
