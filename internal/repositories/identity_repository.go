package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"hasirumitra/internal/models"
)

// ErrDuplicatePhone maps the unique index on identities.phone.
var ErrDuplicatePhone = errors.New("phone already registered")

type IdentityRepository interface {
	Create(ctx context.Context, identity *models.Identity) error
	GetByID(ctx context.Context, id int64) (*models.Identity, error)
	GetByPhone(ctx context.Context, phone string) (*models.Identity, error)
	List(ctx context.Context, limit, offset int) ([]*models.Identity, error)
	GetCount(ctx context.Context) (int, error)

	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	MarkVerified(ctx context.Context, id int64) error
	SetActive(ctx context.Context, id int64, active bool) error
}

type identityRepository struct {
	DB *sql.DB
}

func NewIdentityRepository(db *sql.DB) IdentityRepository {
	return &identityRepository{DB: db}
}

const identityColumns = `
	id, phone, COALESCE(email,''), password_hash, role_id,
	is_verified, is_active, verified_at, created_at, updated_at
`

func (r *identityRepository) Create(ctx context.Context, identity *models.Identity) error {
	const q = `
		INSERT INTO identities (phone, email, password_hash, role_id, is_verified, is_active)
		VALUES ($1, NULLIF($2,''), $3, $4, FALSE, TRUE)
		RETURNING id, created_at, updated_at
	`
	err := r.DB.QueryRowContext(ctx, q,
		identity.Phone,
		identity.Email,
		identity.PasswordHash,
		identity.RoleID,
	).Scan(&identity.ID, &identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePhone
		}
		return fmt.Errorf("identity create: %w", err)
	}
	identity.Active = true
	return nil
}

func (r *identityRepository) scanOne(row *sql.Row) (*models.Identity, error) {
	i := &models.Identity{}
	var verifiedAt sql.NullTime
	err := row.Scan(
		&i.ID, &i.Phone, &i.Email, &i.PasswordHash, &i.RoleID,
		&i.Verified, &i.Active, &verifiedAt, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity scan: %w", err)
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		i.VerifiedAt = &t
	}
	return i, nil
}

func (r *identityRepository) GetByID(ctx context.Context, id int64) (*models.Identity, error) {
	q := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	return r.scanOne(r.DB.QueryRowContext(ctx, q, id))
}

func (r *identityRepository) GetByPhone(ctx context.Context, phone string) (*models.Identity, error) {
	q := `SELECT ` + identityColumns + ` FROM identities WHERE phone = $1`
	return r.scanOne(r.DB.QueryRowContext(ctx, q, phone))
}

func (r *identityRepository) List(ctx context.Context, limit, offset int) ([]*models.Identity, error) {
	q := `SELECT ` + identityColumns + ` FROM identities ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := r.DB.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("identity list: %w", err)
	}
	defer rows.Close()

	var res []*models.Identity
	for rows.Next() {
		i := &models.Identity{}
		var verifiedAt sql.NullTime
		if err := rows.Scan(
			&i.ID, &i.Phone, &i.Email, &i.PasswordHash, &i.RoleID,
			&i.Verified, &i.Active, &verifiedAt, &i.CreatedAt, &i.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("identity list scan: %w", err)
		}
		if verifiedAt.Valid {
			t := verifiedAt.Time
			i.VerifiedAt = &t
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r *identityRepository) GetCount(ctx context.Context) (int, error) {
	var c int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities`).Scan(&c)
	return c, err
}

func (r *identityRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE identities SET password_hash=$1, updated_at=NOW() WHERE id=$2
	`, passwordHash, id)
	return err
}

// MarkVerified is monotonic: once verified, a row never reverts.
func (r *identityRepository) MarkVerified(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE identities
		SET is_verified=TRUE, verified_at=COALESCE(verified_at, NOW()), updated_at=NOW()
		WHERE id=$1
	`, id)
	return err
}

func (r *identityRepository) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE identities SET is_active=$1, updated_at=NOW() WHERE id=$2
	`, active, id)
	return err
}
