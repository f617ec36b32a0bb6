package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hasirumitra/internal/models"
)

type VerificationCodeRepository interface {
	// Issue invalidates any live code for the (identity, purpose) pair and
	// inserts the new one in the same transaction.
	Issue(ctx context.Context, identityID int64, purpose, codeHash string, expiresAt time.Time) (int64, error)

	// Current returns the live (unconsumed, unexpired) code for the pair,
	// or nil when none exists.
	Current(ctx context.Context, identityID int64, purpose string) (*models.VerificationCode, error)

	// Consume marks the code consumed iff it is still live. The conditional
	// UPDATE is the check-and-set that makes consumption exactly-once.
	Consume(ctx context.Context, id int64) (bool, error)

	// DeleteExpired purges rows whose TTL elapsed before the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type verificationCodeRepository struct {
	DB *sql.DB
}

func NewVerificationCodeRepository(db *sql.DB) VerificationCodeRepository {
	return &verificationCodeRepository{DB: db}
}

func (r *verificationCodeRepository) Issue(ctx context.Context, identityID int64, purpose, codeHash string, expiresAt time.Time) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("verification_code issue begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE verification_codes
		SET consumed = TRUE
		WHERE identity_id = $1 AND purpose = $2 AND consumed = FALSE
	`, identityID, purpose); err != nil {
		return 0, fmt.Errorf("verification_code invalidate prior: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO verification_codes (identity_id, purpose, code_hash, expires_at, consumed)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id
	`, identityID, purpose, codeHash, expiresAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("verification_code insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("verification_code issue commit: %w", err)
	}
	return id, nil
}

func (r *verificationCodeRepository) Current(ctx context.Context, identityID int64, purpose string) (*models.VerificationCode, error) {
	const q = `
		SELECT id, identity_id, purpose, code_hash, expires_at, consumed, created_at
		FROM verification_codes
		WHERE identity_id = $1 AND purpose = $2 AND consumed = FALSE AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := r.DB.QueryRowContext(ctx, q, identityID, purpose)
	var v models.VerificationCode
	if err := row.Scan(&v.ID, &v.IdentityID, &v.Purpose, &v.CodeHash, &v.ExpiresAt, &v.Consumed, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("verification_code current: %w", err)
	}
	return &v, nil
}

func (r *verificationCodeRepository) Consume(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE verification_codes
		SET consumed = TRUE
		WHERE id = $1 AND consumed = FALSE AND expires_at > NOW()
	`, id)
	if err != nil {
		return false, fmt.Errorf("verification_code consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("verification_code consume rows: %w", err)
	}
	return n == 1, nil
}

func (r *verificationCodeRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM verification_codes WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("verification_code delete expired: %w", err)
	}
	return res.RowsAffected()
}
