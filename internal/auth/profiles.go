package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProfileNotFound is returned when the user has no profile row.
var ErrProfileNotFound = errors.New("auth: profile not found")

// Profiles reads roles from the profiles table.
type Profiles struct {
	Pool *pgxpool.Pool
}

// ProfileRole implements RoleLookup.
func (p Profiles) ProfileRole(ctx context.Context, userID string) (string, error) {
	if p.Pool == nil {
		return "", errors.New("auth: profiles store not configured")
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return "", ErrProfileNotFound
	}
	var role string
	err = p.Pool.QueryRow(ctx, `SELECT role FROM profiles WHERE id = $1`, id).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	return role, err
}
