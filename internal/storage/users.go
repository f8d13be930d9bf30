package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serenline/vigil/internal/model"
)

const userColumns = `id, user_id, name, role, language, api_key_hash, available,
	do_not_disturb, banned, created_at, updated_at`

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (user_id, name, role, language, api_key_hash, available)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		u.UserID, u.Name, string(u.Role), u.Language, u.APIKeyHash, u.Available,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByUserID returns a user by external user_id.
func (db *DB) GetUserByUserID(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID,
	).Scan(
		&u.ID, &u.UserID, &u.Name, &u.Role, &u.Language, &u.APIKeyHash,
		&u.Available, &u.DoNotDisturb, &u.Banned, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// AvailableReaders returns readers marked available whose language matches.
// Do-not-disturb is intentionally NOT filtered here: sirens are forced
// delivery and override notification preferences.
func (db *DB) AvailableReaders(ctx context.Context, language string) ([]model.User, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE role = 'reader' AND available AND NOT banned AND language = $1
		 ORDER BY user_id`, language,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: available readers: %w", err)
	}
	defer rows.Close()

	return scanUsers(rows)
}

// UsersByRole returns all non-banned users holding any of the given roles.
func (db *DB) UsersByRole(ctx context.Context, roles ...model.Role) ([]model.User, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE role = ANY($1) AND NOT banned
		 ORDER BY user_id`, names,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: users by role: %w", err)
	}
	defer rows.Close()

	return scanUsers(rows)
}

// SetUserBanned flips the banned flag on a user.
func (db *DB) SetUserBanned(ctx context.Context, userID string, banned bool) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`UPDATE users SET banned = $2, updated_at = now()
		 WHERE user_id = $1
		 RETURNING `+userColumns,
		userID, banned,
	).Scan(
		&u.ID, &u.UserID, &u.Name, &u.Role, &u.Language, &u.APIKeyHash,
		&u.Available, &u.DoNotDisturb, &u.Banned, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: set user banned: %w", err)
	}
	return u, nil
}

// SeedAdmin creates the bootstrap admin user if it doesn't exist.
// No-op when apiKeyHash is empty or the user is already present.
func (db *DB) SeedAdmin(ctx context.Context, apiKeyHash string) error {
	if apiKeyHash == "" {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (user_id, name, role, api_key_hash)
		 VALUES ('admin', 'Bootstrap Admin', 'admin', $1)
		 ON CONFLICT (user_id) DO NOTHING`,
		apiKeyHash,
	)
	if err != nil {
		return fmt.Errorf("storage: seed admin: %w", err)
	}
	return nil
}

func scanUsers(rows pgx.Rows) ([]model.User, error) {
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(
			&u.ID, &u.UserID, &u.Name, &u.Role, &u.Language, &u.APIKeyHash,
			&u.Available, &u.DoNotDisturb, &u.Banned, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
