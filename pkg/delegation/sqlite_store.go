package delegation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is the durable, single-file Store backend: issued tokens
// in `issued_delegations`, revocations in `revocations`.
// The caller owns db and is expected to have opened it with at most one
// connection (storage.Open), since the store performs no locking of its
// own beyond what a single-connection *sql.DB already serializes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db, creating the delegation tables if absent.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS issued_delegations (
			id TEXT PRIMARY KEY,
			delegator_urn TEXT NOT NULL,
			delegate_urn TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_issued_delegations_delegator ON issued_delegations(delegator_urn);
		CREATE TABLE IF NOT EXISTS revocations (
			id TEXT PRIMARY KEY,
			revoked_at TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// RecordIssuance implements Store.
func (s *SQLiteStore) RecordIssuance(ctx context.Context, rec IssuedRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_delegations (id, delegator_urn, delegate_urn, created_at) VALUES (?, ?, ?, ?)`,
		rec.JTI, rec.Delegator, rec.Delegate, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("delegation: record issuance: %w", err)
	}
	return nil
}

// GetIssuance implements Store.
func (s *SQLiteStore) GetIssuance(ctx context.Context, jti string) (IssuedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, delegator_urn, delegate_urn, created_at FROM issued_delegations WHERE id = ?`, jti)
	var rec IssuedRecord
	var createdAt string
	if err := row.Scan(&rec.JTI, &rec.Delegator, &rec.Delegate, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IssuedRecord{}, false, nil
		}
		return IssuedRecord{}, false, fmt.Errorf("delegation: get issuance: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, true, nil
}

// ListIssuedBy implements Store.
func (s *SQLiteStore) ListIssuedBy(ctx context.Context, delegator string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM issued_delegations WHERE delegator_urn = ?`, delegator)
	if err != nil {
		return nil, fmt.Errorf("delegation: list issued by: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return nil, err
		}
		out = append(out, jti)
	}
	return out, rows.Err()
}

// Revoke implements Store. Idempotent: INSERT OR IGNORE leaves an
// earlier revocation's timestamp/reason untouched.
func (s *SQLiteStore) Revoke(ctx context.Context, jti, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO revocations (id, revoked_at, reason) VALUES (?, ?, ?)`,
		jti, time.Now().UTC().Format(time.RFC3339Nano), reason)
	if err != nil {
		return fmt.Errorf("delegation: revoke: %w", err)
	}
	return nil
}

// IsRevoked implements Store.
func (s *SQLiteStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM revocations WHERE id = ?`, jti).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("delegation: is revoked: %w", err)
	}
	return count > 0, nil
}

// AreRevoked implements Store as a single batched query.
func (s *SQLiteStore) AreRevoked(ctx context.Context, jtis []string) (map[string]bool, error) {
	out := make(map[string]bool, len(jtis))
	if len(jtis) == 0 {
		return out, nil
	}

	placeholders := make([]byte, 0, len(jtis)*2)
	args := make([]any, len(jtis))
	for i, jti := range jtis {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = jti
		out[jti] = false
	}

	query := fmt.Sprintf(`SELECT id FROM revocations WHERE id IN (%s)`, string(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delegation: are revoked: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return nil, err
		}
		out[jti] = true
	}
	return out, rows.Err()
}
