package storage

import (
	"context"
	"database/sql"

	"fenex/internal/model"
)

// CreateUser inserts the user row and its zero-balance wallet in one
// transaction so every user always has a wallet to reserve against.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string, role model.Role) (*model.User, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u := &model.User{}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO users (username, email, password_hash, role)
		 VALUES ($1,$2,$3,$4)
		 RETURNING id, username, email, password_hash, role, created_at`,
		username, email, passwordHash, role,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, u.ID); err != nil {
		return nil, err
	}

	return u, tx.Commit()
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, created_at FROM users WHERE username=$1`, username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}
