// Package auth implements the account lifecycle: registration, login,
// password and TOTP changes, session rotation and deletion. It composes the
// store with the hashing pool, TOTP enrolment and the token service, and
// owns credential shape validation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"github.com/pquerna/otp"

	"github.com/personal-tiny-cloud/tcloud/app/hasher"
	"github.com/personal-tiny-cloud/tcloud/app/store"
	"github.com/personal-tiny-cloud/tcloud/app/token"
	"github.com/personal-tiny-cloud/tcloud/app/totp"
)

// Authentication failures, mapped to their own wire variants by the HTTP
// layer.
var (
	// ErrInvalidCredentials covers unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidTotp is a failed second factor on otherwise good credentials.
	ErrInvalidTotp = errors.New("invalid totp code")

	// ErrInvalidSession is a userid that no longer resolves to a live session.
	ErrInvalidSession = errors.New("invalid session")

	// ErrInvalidRegCredentials is a registration attempt for a taken username.
	ErrInvalidRegCredentials = errors.New("username already taken")
)

// BadCredentialsError rejects credential shapes before any hashing happens.
// The message is safe to return to the client.
type BadCredentialsError struct {
	Reason string
}

func (e *BadCredentialsError) Error() string { return e.Reason }

// Bounds are the configured credential size limits. Lengths are byte
// counts; usernames additionally must be alphanumeric.
type Bounds struct {
	MinUsername int
	MaxUsername int
	MinPasswd   int
	MaxPasswd   int
}

// Service wires the store, the hashing pool, TOTP enrolment and the token
// service together.
type Service struct {
	store  *store.Store
	hasher *hasher.Service
	totp   *totp.Service
	tokens *token.Service
	bounds Bounds
}

// New creates the auth service. Bounds come from the cred_size config table.
func New(st *store.Store, h *hasher.Service, tp *totp.Service, tk *token.Service, b Bounds) (*Service, error) {
	if b.MinUsername < 1 || b.MinUsername > b.MaxUsername {
		return nil, fmt.Errorf("invalid username bounds [%d, %d]", b.MinUsername, b.MaxUsername)
	}
	if b.MinPasswd < 1 || b.MinPasswd > b.MaxPasswd {
		return nil, fmt.Errorf("invalid password bounds [%d, %d]", b.MinPasswd, b.MaxPasswd)
	}
	return &Service{store: st, hasher: h, totp: tp, tokens: tk, bounds: b}, nil
}

// Register creates an account gated by a registration token and returns the
// TOTP enrolment key with the fresh userid. The token is consumed before
// the password is hashed; a failure after that point does not refund it.
func (s *Service) Register(ctx context.Context, username, password, tok string) (*otp.Key, string, error) {
	if err := s.checkValidity(username, password); err != nil {
		return nil, "", err
	}
	if err := s.tokens.Check(ctx, tok); err != nil {
		return nil, "", err
	}
	return s.createUser(ctx, username, password, false)
}

// AddUser creates an account without a registration token. This backs the
// --create-user CLI path and is the only way to grant admin.
func (s *Service) AddUser(ctx context.Context, username, password string, admin bool) (*otp.Key, error) {
	if err := s.checkValidity(username, password); err != nil {
		return nil, err
	}
	key, _, err := s.createUser(ctx, username, password, admin)
	return key, err
}

func (s *Service) createUser(ctx context.Context, username, password string, admin bool) (*otp.Key, string, error) {
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}
	key, err := s.totp.Generate(username)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate totp: %w", err)
	}
	userid, err := s.store.AddUser(ctx, username, hash, key.URL(), admin)
	if errors.Is(err, store.ErrUserExists) {
		return nil, "", ErrInvalidRegCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to add user: %w", err)
	}
	return key, userid, nil
}

// Login checks the password and the TOTP code and returns the userid the
// session cookie will carry. An unknown username burns the same Argon2 work
// as a wrong password, so the two are indistinguishable by timing and both
// return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password, code string) (string, error) {
	if err := s.checkValidity(username, password); err != nil {
		return "", err
	}

	auth, err := s.store.GetAuth(ctx, username)
	if errors.Is(err, store.ErrUserNotFound) {
		s.hasher.DummyVerify(ctx)
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch credentials: %w", err)
	}

	if err := s.hasher.Verify(ctx, password, auth.PassHash); err != nil {
		if errors.Is(err, hasher.ErrMismatch) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("failed to verify password: %w", err)
	}
	if err := s.totp.Check(auth.Totp, code); err != nil {
		if errors.Is(err, totp.ErrInvalidCode) {
			return "", ErrInvalidTotp
		}
		return "", fmt.Errorf("failed to check totp: %w", err)
	}
	return store.UserID(username, auth.SessionID), nil
}

// Validate resolves a userid to the live account behind it. Any mismatch,
// including a rotated sessionid, is ErrInvalidSession.
func (s *Service) Validate(ctx context.Context, userid string) (store.Userinfo, error) {
	info, err := s.store.Userinfo(ctx, userid)
	if isGone(err) {
		return store.Userinfo{}, ErrInvalidSession
	}
	if err != nil {
		return store.Userinfo{}, fmt.Errorf("failed to resolve session: %w", err)
	}
	return info, nil
}

// ChangePwd swaps the password after re-verifying the old one against the
// exact session pair, then rotates the sessionid. Every open session dies,
// including the caller's.
func (s *Service) ChangePwd(ctx context.Context, userid, oldPwd, newPwd string) error {
	if err := s.checkPasswordSize(newPwd); err != nil {
		return err
	}

	hash, err := s.store.GetPasshash(ctx, userid)
	if isGone(err) {
		return ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("failed to fetch current hash: %w", err)
	}
	if err := s.hasher.Verify(ctx, oldPwd, hash); err != nil {
		if errors.Is(err, hasher.ErrMismatch) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("failed to verify password: %w", err)
	}

	newHash, err := s.hasher.Hash(ctx, newPwd)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.store.ChangePasshash(ctx, userid, newHash); err != nil {
		if isGone(err) {
			return ErrInvalidSession
		}
		return fmt.Errorf("failed to change password: %w", err)
	}
	return s.LogoutAll(ctx, userid)
}

// ChangePwdWithToken swaps the password for a logged-in user holding an
// admin-issued reset token bound to their account. The sessionid is not
// rotated.
func (s *Service) ChangePwdWithToken(ctx context.Context, userid, tok, newPwd string) error {
	if err := s.checkPasswordSize(newPwd); err != nil {
		return err
	}
	info, err := s.Validate(ctx, userid)
	if err != nil {
		return err
	}
	if err := s.tokens.CheckPwd(ctx, tok, info.Username); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(ctx, newPwd)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.store.ChangePasshash(ctx, userid, newHash); err != nil {
		if isGone(err) {
			return ErrInvalidSession
		}
		return fmt.Errorf("failed to change password: %w", err)
	}
	return nil
}

// ResetPwd is the sessionless recovery path: an admin hands the user a
// token bound to their username, which buys exactly one password swap. The
// token check runs first, so the endpoint cannot probe which usernames
// exist.
func (s *Service) ResetPwd(ctx context.Context, username, tok, newPwd string) error {
	if err := s.checkPasswordSize(newPwd); err != nil {
		return err
	}
	if err := s.tokens.CheckPwd(ctx, tok, username); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(ctx, newPwd)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	err = s.store.ChangePasshashByName(ctx, username, newHash)
	if errors.Is(err, store.ErrUserNotFound) {
		// the bound account is gone, the token was consumed for nothing
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}
	return nil
}

// ChangeTotp re-enrols TOTP after re-verifying the password, persists the
// new enrolment and rotates the sessionid.
func (s *Service) ChangeTotp(ctx context.Context, userid, password string) (*otp.Key, error) {
	hash, err := s.store.GetPasshash(ctx, userid)
	if isGone(err) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current hash: %w", err)
	}
	if err := s.hasher.Verify(ctx, password, hash); err != nil {
		if errors.Is(err, hasher.ErrMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}

	username, _, err := store.SplitUserID(userid)
	if err != nil {
		return nil, ErrInvalidSession
	}
	key, err := s.totp.Generate(username)
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp: %w", err)
	}
	if err := s.store.ChangeTotp(ctx, userid, key.URL()); err != nil {
		if isGone(err) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("failed to change totp: %w", err)
	}
	if err := s.LogoutAll(ctx, userid); err != nil {
		return nil, err
	}
	return key, nil
}

// LogoutAll rotates the sessionid, killing every cookie minted for the old
// identity.
func (s *Service) LogoutAll(ctx context.Context, userid string) error {
	_, err := s.store.ChangeSessionID(ctx, userid)
	if isGone(err) {
		return ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	return nil
}

// Delete removes the account bound to the session. The data directory is
// removed in the background by the store's dirs collaborator.
func (s *Service) Delete(ctx context.Context, userid string) error {
	err := s.store.DeleteUser(ctx, userid)
	if isGone(err) {
		return ErrInvalidSession
	}
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *Service) checkValidity(username, password string) error {
	if n := len(username); n < s.bounds.MinUsername || n > s.bounds.MaxUsername {
		return &BadCredentialsError{fmt.Sprintf("accepted username size is between %d and %d characters",
			s.bounds.MinUsername, s.bounds.MaxUsername)}
	}
	if err := s.checkPasswordSize(password); err != nil {
		return err
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return &BadCredentialsError{"username must be alphanumeric"}
		}
	}
	return nil
}

func (s *Service) checkPasswordSize(password string) error {
	if n := len(password); n < s.bounds.MinPasswd || n > s.bounds.MaxPasswd {
		return &BadCredentialsError{fmt.Sprintf("accepted password length is between %d and %d bytes",
			s.bounds.MinPasswd, s.bounds.MaxPasswd)}
	}
	return nil
}

// isGone reports store errors that mean the identity does not resolve, as
// opposed to infrastructure failures.
func isGone(err error) bool {
	return errors.Is(err, store.ErrUserNotFound) || errors.Is(err, store.ErrBadUserID)
}
