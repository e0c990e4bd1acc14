// Package pkce implements the verifier/challenge pair the Nintendo account
// authorization endpoint requires (RFC 7636, S256 only).
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// ChallengeMethod is the only code challenge method the authorize
	// endpoint accepts.
	ChallengeMethod = "S256"

	verifierLength = 64
	stateLength    = 36
)

// RandomBytes returns n cryptographically random bytes. n must be positive.
func RandomBytes(n int) []byte {
	if n <= 0 {
		panic(fmt.Sprintf("invalid random bytes length: %d", n))
	}
	b := make([]byte, n)
	// crypto/rand.Read never fails on supported platforms.
	if _, err := rand.Read(b); nil != err {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return b
}

// URLSafeBase64 encodes b with the URL-safe alphabet, padding kept.
func URLSafeBase64(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// Verifier returns a fresh code verifier.
func Verifier() string {
	return URLSafeBase64(RandomBytes(verifierLength))
}

// State returns a fresh state parameter for the authorize URL.
func State() string {
	return URLSafeBase64(RandomBytes(stateLength))
}

// Challenge derives the S256 code challenge from verifier: padding is
// stripped from the verifier before hashing, and from the encoded digest
// after.
func Challenge(verifier string) string {
	stripped := strings.ReplaceAll(verifier, "=", "")
	sum := sha256.Sum256([]byte(stripped))
	return strings.ReplaceAll(base64.URLEncoding.EncodeToString(sum[:]), "=", "")
}
