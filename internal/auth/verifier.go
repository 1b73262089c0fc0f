package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"asdd/internal/errors"
)

// Verifier checks a client password.  Verify returns
// errors.ErrAuthFailed for a wrong password; any other error is a
// system failure.
type Verifier interface {
	Verify(password []byte) error
}

// bcryptMaxLen is the longest password bcrypt hashes.
const bcryptMaxLen = 72

// BcryptVerifier checks passwords against one bcrypt hash.
type BcryptVerifier struct {
	hash []byte
}

// NewBcryptVerifier validates hash and returns a verifier for it.
func NewBcryptVerifier(hash string) (*BcryptVerifier, error) {
	if hash == "" {
		return nil, fmt.Errorf("password hash: %w", errors.ErrInvalidArgument)
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("password hash: %w", err)
	}
	return &BcryptVerifier{hash: []byte(hash)}, nil
}

func (v *BcryptVerifier) Verify(password []byte) error {
	if len(password) > bcryptMaxLen {
		// Never hashed, so never a match.
		bcrypt.CompareHashAndPassword(v.hash, password[:bcryptMaxLen]) //nolint:errcheck
		return errors.ErrAuthFailed
	}
	err := bcrypt.CompareHashAndPassword(v.hash, password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return errors.ErrAuthFailed
	default:
		return fmt.Errorf("bcrypt: %w", err)
	}
}

// HashPassword returns the bcrypt hash of password for use as the
// daemon's password_hash setting.
func HashPassword(password []byte, cost int) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("empty password: %w", errors.ErrInvalidArgument)
	}
	if len(password) > bcryptMaxLen {
		return "", fmt.Errorf("password longer than %d bytes: %w", bcryptMaxLen, errors.ErrInvalidArgument)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword(password, cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
