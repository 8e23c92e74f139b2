package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasswordTooShort = errors.New("admin password must be at least 12 characters")
	ErrWeakHash         = errors.New("admin password hash is too weak")
)

const (
	bcryptCost        = 12
	minHashCost       = 10
	minPasswordLength = 12
)

// HashPassword produces the bcrypt hash stored in ADMIN_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidateHash rejects configured hashes that are malformed or were
// generated with a cost below minHashCost.
func ValidateHash(hash string) error {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return fmt.Errorf("invalid admin password hash: %w", err)
	}
	if cost < minHashCost {
		return fmt.Errorf("%w: bcrypt cost %d, need at least %d", ErrWeakHash, cost, minHashCost)
	}
	return nil
}

// CheckPassword compares a password with its hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
