package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/citinet/hubtunnel/internal/domain"
)

const selectTunnelQuery = `
SELECT id, provider, hostname, local_port, desired_state, observed_state, phase,
 failure_kind, failure_detail, failure_exit_code, created_at, last_verified_at, updated_at
FROM tunnel_record
WHERE singleton = 1`

// LoadTunnel returns the hub's tunnel record. found is false when none exists.
// Credentials are never stored with the record and come back empty.
func (s *Store) LoadTunnel(ctx context.Context) (domain.TunnelRecord, bool, error) {
	var (
		rec          domain.TunnelRecord
		hostname     sql.NullString
		failureKind  sql.NullString
		failureDet   sql.NullString
		exitCode     sql.NullInt64
		lastVerified sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectTunnelQuery).Scan(
		&rec.ID, &rec.Provider, &hostname, &rec.LocalPort, &rec.DesiredState, &rec.ObservedState, &rec.Phase,
		&failureKind, &failureDet, &exitCode, &rec.CreatedAt, &lastVerified, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TunnelRecord{}, false, nil
	}
	if err != nil {
		return domain.TunnelRecord{}, false, err
	}
	rec.Hostname = hostname.String
	if failureKind.Valid && failureKind.String != "" {
		rec.Failure = &domain.FailureReason{Kind: domain.FailureKind(failureKind.String), Detail: failureDet.String}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.Failure.ExitCode = &code
		}
	}
	if lastVerified.Valid {
		t := lastVerified.Time
		rec.LastVerifiedAt = &t
	}
	return rec, true, nil
}

// SaveTunnel upserts the singleton tunnel record. A record with a different
// ID replaces the previous one.
func (s *Store) SaveTunnel(ctx context.Context, rec domain.TunnelRecord) error {
	if rec.ID == "" {
		return errors.New("tunnel record id is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	var (
		failureKind, failureDetail any
		exitCode                   any
		lastVerified               any
	)
	if rec.Failure != nil {
		failureKind = string(rec.Failure.Kind)
		failureDetail = nullableString(rec.Failure.Detail)
		if rec.Failure.ExitCode != nil {
			exitCode = *rec.Failure.ExitCode
		}
	}
	if rec.LastVerifiedAt != nil {
		lastVerified = rec.LastVerifiedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnel_record(
	singleton, id, provider, hostname, local_port, desired_state, observed_state, phase,
	failure_kind, failure_detail, failure_exit_code, created_at, last_verified_at, updated_at
) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(singleton) DO UPDATE SET
	id = excluded.id,
	provider = excluded.provider,
	hostname = excluded.hostname,
	local_port = excluded.local_port,
	desired_state = excluded.desired_state,
	observed_state = excluded.observed_state,
	phase = excluded.phase,
	failure_kind = excluded.failure_kind,
	failure_detail = excluded.failure_detail,
	failure_exit_code = excluded.failure_exit_code,
	created_at = excluded.created_at,
	last_verified_at = excluded.last_verified_at,
	updated_at = excluded.updated_at`,
		rec.ID, string(rec.Provider), nullableString(rec.Hostname), rec.LocalPort,
		string(rec.DesiredState), string(rec.ObservedState), string(rec.Phase),
		failureKind, failureDetail, exitCode, rec.CreatedAt.UTC(), lastVerified, now,
	)
	return err
}

// DeleteTunnel removes the tunnel record. Deleting a missing record is not
// an error.
func (s *Store) DeleteTunnel(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tunnel_record WHERE singleton = 1`)
	return err
}
