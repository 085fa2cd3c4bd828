// Package hasher derives and verifies Argon2id password hashes on a
// bounded worker pool, so a burst of logins cannot occupy every CPU with
// memory-hard hashing.
package hasher

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexedwards/argon2id"
	"golang.org/x/sync/semaphore"
)

// ErrMismatch is returned when the password does not match the stored hash.
var ErrMismatch = errors.New("password mismatch")

// Service runs Argon2id work with at most workers hashes in flight. Hashes
// are PHC strings carrying their own parameters, so changing Params later
// keeps old hashes verifiable.
type Service struct {
	sem    *semaphore.Weighted
	params *argon2id.Params
	dummy  string
}

// New creates a hashing pool with library default parameters.
func New(workers int) (*Service, error) {
	return NewWithParams(workers, argon2id.DefaultParams)
}

// NewWithParams creates a hashing pool with explicit Argon2id parameters.
// Tests use this to avoid burning 64MB per hash.
func NewWithParams(workers int, params *argon2id.Params) (*Service, error) {
	if workers < 1 {
		return nil, fmt.Errorf("hasher needs at least one worker, got %d", workers)
	}
	// the dummy hash burns the same work as a real verification with the
	// same params, see DummyVerify
	dummy, err := argon2id.CreateHash("tcloud-dummy-password", params)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Service{sem: semaphore.NewWeighted(int64(workers)), params: params, dummy: dummy}, nil
}

// Hash derives a PHC-format Argon2id hash of password. Waiting for a pool
// slot honors ctx; once started the hash always runs to completion.
func (s *Service) Hash(ctx context.Context, password string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire hash slot: %w", err)
	}
	defer s.sem.Release(1)

	hash, err := argon2id.CreateHash(password, s.params)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// Verify checks password against a stored PHC hash. Returns ErrMismatch on
// a wrong password and a wrapped error on malformed hashes.
func (s *Service) Verify(ctx context.Context, password, hash string) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire hash slot: %w", err)
	}
	defer s.sem.Release(1)

	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}
	if !match {
		return ErrMismatch
	}
	return nil
}

// DummyVerify burns the same Argon2 work as a failed Verify. Login paths
// call it when the username does not exist, so response timing does not
// reveal which usernames are taken.
func (s *Service) DummyVerify(ctx context.Context) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)
	_, _ = argon2id.ComparePasswordAndHash("tcloud-wrong-password", s.dummy)
}
