// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionTTL is how long a minted token stays valid.
const SessionTTL = 24 * time.Hour

// Session is an in-memory login. Sessions do not survive a restart: the
// signing secret is regenerated per process start.
type Session struct {
	UserID          string
	CurrentUsername string
	Token           string
	ObservedIP      string
	ExpiresAt       time.Time
}

type tokenPayload struct {
	UserID   string `json:"uid"`
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"iat"`
}

// mintToken builds base64url(payload) + "." + hex(HMAC-SHA256(secret, payload)).
func mintToken(secret []byte, userID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	payload, err := json.Marshal(tokenPayload{
		UserID:   userID,
		Nonce:    hex.EncodeToString(nonce),
		IssuedAt: time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	return encoded + "." + hex.EncodeToString(mac.Sum(nil)), nil
}

// verifyTokenSignature checks the HMAC without consulting the session table.
func verifyTokenSignature(secret []byte, token string) bool {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 {
		return false
	}
	encoded, sigHex := token[:dot], token[dot+1:]
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encoded))
	return hmac.Equal(sig, mac.Sum(nil))
}

// StripBearer removes an optional "Bearer " prefix from an Authorization
// header value.
func StripBearer(v string) string {
	if strings.HasPrefix(v, "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return strings.TrimSpace(v)
}
