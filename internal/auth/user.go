// SPDX-License-Identifier: MIT

// Package auth implements the user registry, HMAC session tokens and admin
// operations backing both the HTTP API and the FTP engine.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status values for a registered user.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Operator levels. Level 2 may delete files.
const (
	OpLevelUser     = 1
	OpLevelAdvanced = 2
)

// User is one registry entry, persisted as JSON in users.json.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"passwordHash"`
	Salt           string    `json:"salt"`
	RegistrationIP string    `json:"registrationIp,omitempty"`
	Status         string    `json:"status"`
	OpLevel        int       `json:"opLevel"`
	CreatedAt      time.Time `json:"createdAt"`
}

var usernameRe = regexp.MustCompile(`^[a-z0-9_-]{2,32}$`)

// NormalizeUsername lowercases and trims a username for storage and lookup.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateUsername checks the normalized form against the allowed alphabet.
func ValidateUsername(name string) error {
	if !usernameRe.MatchString(NormalizeUsername(name)) {
		return fmt.Errorf("invalid username: must be 2-32 chars of [a-z0-9_-]")
	}
	return nil
}

// ValidatePassword enforces the minimum length.
func ValidatePassword(pw string) error {
	if len(pw) < 4 {
		return fmt.Errorf("invalid password: must be at least 4 characters")
	}
	return nil
}

// newSalt returns a fresh 128-bit random salt as hex.
func newSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashPassword computes hex(HMAC-SHA256(salt, password)).
func hashPassword(saltHex, password string) string {
	mac := hmac.New(sha256.New, []byte(saltHex))
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}

// checkPassword compares in constant time.
func checkPassword(u *User, password string) bool {
	want, err := hex.DecodeString(u.PasswordHash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(u.Salt))
	mac.Write([]byte(password))
	return hmac.Equal(want, mac.Sum(nil))
}
