package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"
)

// AddUser inserts a user with a fresh random sessionid and provisions the
// user's data tree. Returns the new userid, or ErrUserExists on username
// collision. A failure to create directories does not roll the row back; it
// is logged and the tree is retried on the next startup pass.
func (s *Store) AddUser(ctx context.Context, username, passHash, totpURL string, admin bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, err := randomSessionID()
	if err != nil {
		return "", err
	}

	query := s.adoptQuery("INSERT INTO users (username, sessionid, pass_hash, totp, is_admin) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, username, sid, passHash, totpURL, admin); err != nil {
		if isUniqueViolation(err) {
			return "", ErrUserExists
		}
		return "", fmt.Errorf("failed to insert user %q: %w", username, err)
	}
	log.Printf("[INFO] added user %s", username)

	if err := s.dirs.EnsureUser(username); err != nil {
		log.Printf("[WARN] user %s created but directory setup failed: %v", username, err)
	}
	return UserID(username, sid), nil
}

// GetAuth returns the credential row for a login attempt.
// Returns ErrUserNotFound if the username does not exist.
func (s *Store) GetAuth(ctx context.Context, username string) (Auth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a Auth
	query := s.adoptQuery("SELECT pass_hash, sessionid, totp FROM users WHERE username = ?")
	err := s.db.GetContext(ctx, &a, query, username)
	if errors.Is(err, sql.ErrNoRows) {
		return Auth{}, ErrUserNotFound
	}
	if err != nil {
		return Auth{}, fmt.Errorf("failed to get auth for %q: %w", username, err)
	}
	return a, nil
}

// Userinfo resolves a session identity to the user's name and admin flag.
// The exact username:sessionid pair must match a row, so rotated sessions
// fail immediately. Hits are cached; ChangeSessionID and DeleteUser purge
// the entry, and misses are never cached.
func (s *Store) Userinfo(ctx context.Context, userid string) (Userinfo, error) {
	username, sid, err := SplitUserID(userid)
	if err != nil {
		return Userinfo{}, err
	}

	return s.users.Get(userid, func() (Userinfo, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var info Userinfo
		query := s.adoptQuery("SELECT username, is_admin FROM users WHERE username = ? AND sessionid = ?")
		err := s.db.GetContext(ctx, &info, query, username, sid)
		if errors.Is(err, sql.ErrNoRows) {
			return Userinfo{}, ErrUserNotFound
		}
		if err != nil {
			return Userinfo{}, fmt.Errorf("failed to get userinfo for %q: %w", username, err)
		}
		return info, nil
	})
}

// GetPasshash returns the password hash for a validated session identity.
func (s *Store) GetPasshash(ctx context.Context, userid string) (string, error) {
	username, sid, err := SplitUserID(userid)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	query := s.adoptQuery("SELECT pass_hash FROM users WHERE username = ? AND sessionid = ?")
	err = s.db.GetContext(ctx, &hash, query, username, sid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get passhash for %q: %w", username, err)
	}
	return hash, nil
}

// ChangePasshash swaps the password hash for a validated session identity.
func (s *Store) ChangePasshash(ctx context.Context, userid, newHash string) error {
	username, sid, err := SplitUserID(userid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execOne(ctx, "UPDATE users SET pass_hash = ? WHERE username = ? AND sessionid = ?", newHash, username, sid)
}

// ChangePasshashByName swaps the password hash by username only. Used by the
// token-gated password reset where no session exists.
func (s *Store) ChangePasshashByName(ctx context.Context, username, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execOne(ctx, "UPDATE users SET pass_hash = ? WHERE username = ?", newHash, username)
}

// ChangeTotp replaces the stored TOTP enrolment URL.
func (s *Store) ChangeTotp(ctx context.Context, userid, totpURL string) error {
	username, sid, err := SplitUserID(userid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execOne(ctx, "UPDATE users SET totp = ? WHERE username = ? AND sessionid = ?", totpURL, username, sid)
}

// ChangeSessionID rotates the user's sessionid, invalidating every cookie
// minted for the old identity. Returns the new sessionid.
func (s *Store) ChangeSessionID(ctx context.Context, userid string) (int64, error) {
	username, sid, err := SplitUserID(userid)
	if err != nil {
		return 0, err
	}

	newID, err := randomSessionID()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.execOne(ctx, "UPDATE users SET sessionid = ? WHERE username = ? AND sessionid = ?", newID, username, sid); err != nil {
		return 0, err
	}
	s.users.Delete(userid)
	return newID, nil
}

// DeleteUser removes the user row for a validated session identity, purges
// the identity cache and schedules removal of the user's data tree.
func (s *Store) DeleteUser(ctx context.Context, userid string) error {
	username, sid, err := SplitUserID(userid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.execOne(ctx, "DELETE FROM users WHERE username = ? AND sessionid = ?", username, sid); err != nil {
		return err
	}
	s.users.Delete(userid)
	s.dirs.RemoveUserAsync(username)
	return nil
}

// Usernames returns all usernames, used by the startup directory pass.
func (s *Store) Usernames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	query := s.adoptQuery("SELECT username FROM users ORDER BY username")
	if err := s.db.SelectContext(ctx, &names, query); err != nil {
		return nil, fmt.Errorf("failed to list usernames: %w", err)
	}
	return names, nil
}

// execOne runs a write that must touch exactly one row; zero rows means the
// user (or the exact session pair) is gone.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.adoptQuery(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// randomSessionID draws a fresh random session identifier. The sessionid
// column is UNIQUE, so the store relies on 64 bits being collision-free in
// practice.
func randomSessionID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to read random sessionid: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil //nolint:gosec // full-range conversion is the point
}
