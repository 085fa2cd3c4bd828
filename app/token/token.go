// Package token issues and checks single-use tokens. Registration tokens
// gate account creation, reset tokens (bound to a username) gate password
// recovery. A successful check consumes the token, so it can never be
// replayed.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/personal-tiny-cloud/tcloud/app/store"
)

// ErrNotFound is returned when a token does not exist, including tokens
// already consumed by a concurrent check.
var ErrNotFound = errors.New("token not found")

// ErrExpired is returned for tokens past their expiry date.
var ErrExpired = errors.New("token expired")

// ErrInvalidPwdToken is returned when a reset token is used for the wrong
// account or a plain registration token is used as a reset token.
var ErrInvalidPwdToken = errors.New("token not valid for this user")

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Service mints and validates tokens backed by the store.
type Service struct {
	store      *store.Store
	size       int
	defaultTTL time.Duration
}

// New creates a token service. size is the token length in characters,
// defaultTTL applies when a caller does not pick a duration.
func New(st *store.Store, size int, defaultTTL time.Duration) (*Service, error) {
	if size < 8 {
		return nil, fmt.Errorf("token size %d too small, need at least 8", size)
	}
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("default token duration must be positive, got %s", defaultTTL)
	}
	return &Service{store: st, size: size, defaultTTL: defaultTTL}, nil
}

// Create mints a token and stores it. durationSecs overrides the default
// lifetime when set, forUser binds the token to a password reset for that
// account. Returns the token and its lifetime in seconds.
func (s *Service) Create(ctx context.Context, durationSecs *int64, forUser *string) (tok string, lifetime int64, err error) {
	lifetime = int64(s.defaultTTL / time.Second)
	if durationSecs != nil {
		lifetime = *durationSecs
	}
	if lifetime <= 0 {
		return "", 0, fmt.Errorf("token duration must be positive, got %d", lifetime)
	}

	tok, err = randomToken(s.size)
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate token: %w", err)
	}
	expire := time.Now().Add(time.Duration(lifetime) * time.Second).Unix()
	if err := s.store.CreateToken(ctx, tok, expire, forUser); err != nil {
		return "", 0, fmt.Errorf("failed to save token: %w", err)
	}
	return tok, lifetime, nil
}

// Check validates a registration token and consumes it. Hitting an expired
// token also sweeps every other expired token out of the store.
func (s *Service) Check(ctx context.Context, tok string) error {
	row, err := s.lookup(ctx, tok)
	if err != nil {
		return err
	}
	return s.consume(ctx, row.Token)
}

// CheckPwd validates a reset token for username and consumes it. A token
// bound to another account (or not bound at all) fails without being
// consumed, so a guessed token is not burned for its real owner.
func (s *Service) CheckPwd(ctx context.Context, tok, username string) error {
	row, err := s.lookup(ctx, tok)
	if err != nil {
		return err
	}
	if row.ForUser == nil || *row.ForUser != username {
		return ErrInvalidPwdToken
	}
	return s.consume(ctx, row.Token)
}

func (s *Service) lookup(ctx context.Context, tok string) (store.Token, error) {
	row, err := s.store.GetToken(ctx, tok)
	if errors.Is(err, store.ErrTokenNotFound) {
		return store.Token{}, ErrNotFound
	}
	if err != nil {
		return store.Token{}, fmt.Errorf("failed to look up token: %w", err)
	}
	if row.ExpireDate < time.Now().Unix() {
		if _, err := s.store.DeleteExpiredTokens(ctx, time.Now().Unix()); err != nil {
			return store.Token{}, fmt.Errorf("failed to sweep expired tokens: %w", err)
		}
		return store.Token{}, ErrExpired
	}
	return row, nil
}

func (s *Service) consume(ctx context.Context, tok string) error {
	err := s.store.DeleteToken(ctx, tok)
	if errors.Is(err, store.ErrTokenNotFound) {
		// lost the race against another check, the token is spent either way
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume token: %w", err)
	}
	return nil
}

// List returns every stored token, oldest first.
func (s *Service) List(ctx context.Context) ([]store.Token, error) {
	return s.store.ListTokens(ctx)
}

// Remove deletes a token by row id or by value, whichever is given. With
// neither it is a no-op.
func (s *Service) Remove(ctx context.Context, id *int64, tok *string) error {
	var err error
	switch {
	case id != nil:
		err = s.store.DeleteTokenByID(ctx, *id)
	case tok != nil:
		err = s.store.DeleteToken(ctx, *tok)
	default:
		return nil
	}
	if errors.Is(err, store.ErrTokenNotFound) {
		return ErrNotFound
	}
	return err
}

// StartSweeper launches background cleanup of expired tokens, running until
// the context is canceled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] token sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.store.DeleteExpiredTokens(ctx, time.Now().Unix()); err != nil {
					log.Printf("[WARN] failed to sweep expired tokens: %v", err)
				}
			}
		}
	}()

	log.Printf("[INFO] token sweeper started (interval: %s)", interval)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
