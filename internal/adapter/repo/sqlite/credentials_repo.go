package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gradelab/gpuqueue/internal/domain"
)

// CredentialRepo stores hashed bearer credentials. Raw secrets never reach
// this layer.
type CredentialRepo struct {
	store *Store
}

// Insert stores a credential and deactivates all prior credentials for the
// same principal in the same transaction, so at most one credential is live
// per principal.
func (r *CredentialRepo) Insert(ctx domain.Context, c domain.Credential) error {
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		const deact = `UPDATE credentials SET active=0 WHERE principal=? AND active=1`
		if _, err := tx.ExecContext(ctx, deact, c.Principal); err != nil {
			return fmt.Errorf("deactivate priors: %w", err)
		}
		const ins = `INSERT INTO credentials (hash, principal, admin, active, created_at, expires_at)
VALUES (?, ?, ?, 1, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins, c.Hash, c.Principal, c.Admin,
			c.CreatedAt.UTC(), c.ExpiresAt.UTC()); err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
	return storageErr("credentials.insert", err)
}

// LookupByHash returns the credential record for a secret's hash, active or
// not; the caller decides what an inactive or expired record means.
func (r *CredentialRepo) LookupByHash(ctx domain.Context, hash string) (domain.Credential, error) {
	const q = `SELECT hash, principal, admin, active, created_at, expires_at FROM credentials WHERE hash=?`
	var c domain.Credential
	err := r.store.db.QueryRowContext(ctx, q, hash).Scan(&c.Hash, &c.Principal,
		&c.Admin, &c.Active, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Credential{}, fmt.Errorf("op=credentials.lookup: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Credential{}, storageErr("credentials.lookup", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return c, nil
}

// Deactivate revokes a credential by hash.
func (r *CredentialRepo) Deactivate(ctx domain.Context, hash string) error {
	const upd = `UPDATE credentials SET active=0 WHERE hash=?`
	res, err := r.store.db.ExecContext(ctx, upd, hash)
	if err != nil {
		return storageErr("credentials.deactivate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("op=credentials.deactivate: %w", domain.ErrNotFound)
	}
	return nil
}

// ListAll returns every credential record, newest first.
func (r *CredentialRepo) ListAll(ctx domain.Context) ([]domain.Credential, error) {
	const q = `SELECT hash, principal, admin, active, created_at, expires_at FROM credentials ORDER BY created_at DESC`
	rows, err := r.store.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("credentials.list", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.Hash, &c.Principal, &c.Admin, &c.Active,
			&c.CreatedAt, &c.ExpiresAt); err != nil {
			return nil, storageErr("credentials.list", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.ExpiresAt = c.ExpiresAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
