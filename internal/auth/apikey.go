// ABOUTME: API key generation and hashing for the admin job API.
// ABOUTME: Keys are opaque strings (cjq_ prefix + random bytes). Only the sha256 is configured.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix is the human-readable prefix on all admin API keys.
const APIKeyPrefix = "cjq_"

// GenerateAPIKey creates a new API key. Returns the raw key (shown to the
// operator once), the sha256 hex hash (set as ADMIN_API_KEY_HASH), and any error.
func GenerateAPIKey() (rawKey, keyHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey = APIKeyPrefix + hex.EncodeToString(b)
	keyHash = HashAPIKey(rawKey)
	return rawKey, keyHash, nil
}

// HashAPIKey returns the sha256 hex hash of rawKey.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// MatchAPIKey reports whether rawKey hashes to keyHash, in constant time.
func MatchAPIKey(rawKey, keyHash string) bool {
	if !strings.HasPrefix(rawKey, APIKeyPrefix) {
		return false
	}
	got := HashAPIKey(rawKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(keyHash))) == 1
}
