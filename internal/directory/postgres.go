// Package directory provides lookups against the user and pharmacy
// directories.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// PGUsers is the pgx-backed user directory.
type PGUsers struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGUsers creates a user directory backed by Postgres.
func NewPGUsers(pool *pgxpool.Pool, logger *zap.Logger) *PGUsers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGUsers{pool: pool, logger: logger}
}

// Get returns a user by id.
func (d *PGUsers) Get(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, role, email, phone, verified, disabled_channels
		FROM users
		WHERE id = $1
	`
	u := &User{}
	err := d.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Name, &u.Role, &u.Email, &u.Phone, &u.Verified, &u.DisabledChannels,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user not found: %s", id)
		}
		return nil, apperror.External(err, "user lookup failed")
	}
	return u, nil
}

// ListVerifiedByRole returns verified users with the role, minus exclusions.
func (d *PGUsers) ListVerifiedByRole(ctx context.Context, role Role, excludeIDs []string) ([]*User, error) {
	query := `
		SELECT id, name, role, email, phone, verified, disabled_channels
		FROM users
		WHERE role = $1
		  AND verified = TRUE
		  AND NOT (id = ANY($2))
		ORDER BY id
	`
	if excludeIDs == nil {
		excludeIDs = []string{}
	}

	rows, err := d.pool.Query(ctx, query, role, excludeIDs)
	if err != nil {
		return nil, apperror.External(err, "user listing failed")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.Email, &u.Phone, &u.Verified, &u.DisabledChannels)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// PGPharmacies is the pgx-backed pharmacy directory.
type PGPharmacies struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGPharmacies creates a pharmacy directory backed by Postgres.
func NewPGPharmacies(pool *pgxpool.Pool, logger *zap.Logger) *PGPharmacies {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGPharmacies{pool: pool, logger: logger}
}

// Get returns a pharmacy by id.
func (d *PGPharmacies) Get(ctx context.Context, id string) (*Pharmacy, error) {
	query := `
		SELECT id, name, owner_user_id, active
		FROM pharmacies
		WHERE id = $1
	`
	p := &Pharmacy{}
	err := d.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.OwnerUserID, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("pharmacy not found: %s", id)
		}
		return nil, apperror.External(err, "pharmacy lookup failed")
	}
	return p, nil
}

// GetByOwner returns the pharmacy owned by the given user.
func (d *PGPharmacies) GetByOwner(ctx context.Context, userID string) (*Pharmacy, error) {
	query := `
		SELECT id, name, owner_user_id, active
		FROM pharmacies
		WHERE owner_user_id = $1
	`
	p := &Pharmacy{}
	err := d.pool.QueryRow(ctx, query, userID).Scan(&p.ID, &p.Name, &p.OwnerUserID, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("no pharmacy linked to user %s", userID)
		}
		return nil, apperror.External(err, "pharmacy lookup failed")
	}
	return p, nil
}
