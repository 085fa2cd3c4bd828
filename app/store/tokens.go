package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"
)

// CreateToken stores a token with its unix expiry. forUser binds the token
// to a single account for password resets; nil makes it a registration
// token.
func (s *Store) CreateToken(ctx context.Context, token string, expireDate int64, forUser *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("INSERT INTO tokens (token, expire_date, for_user) VALUES (?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, token, expireDate, forUser); err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetToken returns the token row. Returns ErrTokenNotFound if it does not
// exist; expiry is the caller's concern.
func (s *Store) GetToken(ctx context.Context, token string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row Token
	query := s.adoptQuery("SELECT id, token, expire_date, for_user FROM tokens WHERE token = ?")
	err := s.db.GetContext(ctx, &row, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("failed to get token: %w", err)
	}
	return row, nil
}

// DeleteToken removes a token by value. Returns ErrTokenNotFound when no
// row matched, which also covers a concurrent consumer winning the race.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteTokenWhere(ctx, "token = ?", token)
}

// DeleteTokenByID removes a token by row id.
func (s *Store) DeleteTokenByID(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteTokenWhere(ctx, "id = ?", id)
}

func (s *Store) deleteTokenWhere(ctx context.Context, cond string, arg any) error {
	query := s.adoptQuery("DELETE FROM tokens WHERE " + cond)
	result, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListTokens returns all tokens, oldest first.
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tokens []Token
	query := s.adoptQuery("SELECT id, token, expire_date, for_user FROM tokens ORDER BY id")
	if err := s.db.SelectContext(ctx, &tokens, query); err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpiredTokens removes every token whose expire_date is strictly in
// the past. Returns the number of removed rows.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.adoptQuery("DELETE FROM tokens WHERE expire_date < ?")
	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}
	if count > 0 {
		log.Printf("[DEBUG] removed %d expired tokens", count)
	}
	return count, nil
}
