// Package store persists users and single-use tokens in SQLite or
// PostgreSQL. Session identity is the pair username:sessionid; rotating the
// sessionid invalidates every cookie minted for the old value.
package store

import (
	"errors"
	"strconv"
	"strings"
)

// ErrUserExists is returned when a username is already taken.
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound is returned when no row matches the requested user or
// username:sessionid pair.
var ErrUserNotFound = errors.New("user not found")

// ErrBadUserID is returned for identity strings that do not parse.
var ErrBadUserID = errors.New("malformed user id")

// ErrTokenNotFound is returned when a token does not exist.
var ErrTokenNotFound = errors.New("token not found")

// Dirs keeps per-user data directories in sync with the users table. The
// store drives creation and removal but never touches the filesystem itself.
type Dirs interface {
	EnsureUser(username string) error
	RemoveUserAsync(username string)
}

// Auth is the credential row needed to answer a login attempt.
type Auth struct {
	PassHash  string `db:"pass_hash"`
	SessionID int64  `db:"sessionid"`
	Totp      string `db:"totp"`
}

// Userinfo identifies a validated session.
type Userinfo struct {
	Username string `db:"username"`
	IsAdmin  bool   `db:"is_admin"`
}

// Token is a single-use registration or password-reset token. ForUser is
// nil for registration tokens and the target username for reset tokens.
type Token struct {
	ID         int64   `json:"id" db:"id"`
	Token      string  `json:"token" db:"token"`
	ExpireDate int64   `json:"expire" db:"expire_date"`
	ForUser    *string `json:"for_user,omitempty" db:"for_user"`
}

// UserID formats the canonical identity string carried by session cookies.
func UserID(username string, sessionID int64) string {
	return username + ":" + strconv.FormatInt(sessionID, 10)
}

// SplitUserID parses an identity string back into username and sessionid.
// Usernames are alphanumeric, so the first colon is always the separator.
func SplitUserID(userid string) (username string, sessionID int64, err error) {
	name, id, found := strings.Cut(userid, ":")
	if !found || name == "" {
		return "", 0, ErrBadUserID
	}
	sid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", 0, ErrBadUserID
	}
	return name, sid, nil
}
