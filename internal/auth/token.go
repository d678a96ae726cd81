// Package auth provides admin token generation and comparison for the hub
// command surface.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// GenerateToken returns a cryptographically random, URL-safe token string.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns a deterministic SHA-256 hex digest of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Verifier checks presented tokens against a configured one. A Verifier with
// an empty token accepts everything.
type Verifier struct {
	hash string
}

// NewVerifier returns a Verifier for token.
func NewVerifier(token string) *Verifier {
	token = strings.TrimSpace(token)
	if token == "" {
		return &Verifier{}
	}
	return &Verifier{hash: HashToken(token)}
}

// Enabled reports whether a token is required.
func (v *Verifier) Enabled() bool {
	return v != nil && v.hash != ""
}

// Verify reports whether presented matches the configured token.
func (v *Verifier) Verify(presented string) bool {
	if !v.Enabled() {
		return true
	}
	if presented == "" {
		return false
	}
	return ConstantTimeHashEquals(HashToken(presented), v.hash)
}
