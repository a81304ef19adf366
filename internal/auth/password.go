// Package auth provides authentication utilities for the scanner API server:
// password hashing and verification for local User accounts, and signed
// bearer token issuance/validation for sessions.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the bcrypt cost for hashing passwords (12 is a good
	// balance of security and performance).
	BcryptCost = 12
	// BcryptMaxInputLength is bcrypt's own input limit, in bytes.
	BcryptMaxInputLength = 72

	// MinPasswordLength is the minimum accepted length for a new password.
	MinPasswordLength = 8
)

// HashPassword creates a bcrypt hash of a plaintext password for storage in
// User.PasswordHash. Passwords longer than bcrypt's 72-byte limit are first
// condensed with SHA-256, same as the teacher's original API-key hashing.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}

	keyBytes := []byte(password)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}

	hash, err := bcrypt.GenerateFromPassword(keyBytes, BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored bcrypt hash.
func VerifyPassword(password, storedHash string) bool {
	if password == "" || storedHash == "" {
		return false
	}

	keyBytes := []byte(password)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}

	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes) == nil
}

// ValidatePasswordStrength rejects passwords too weak to protect an account,
// surfaced synchronously to the caller as a validation failure.
func ValidatePasswordStrength(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}

	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("password must contain both letters and digits")
	}
	return nil
}

// randomToken returns a URL-safe random string of length n, used for the
// opaque jti embedded in issued tokens.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}
