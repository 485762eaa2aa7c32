// ABOUTME: Tests for API key generation and hashing.
// ABOUTME: Covers prefix, hash length, uniqueness, and MatchAPIKey.
package auth_test

import (
	"strings"
	"testing"

	"github.com/thevivek0408/couchsurfing/internal/auth"
)

func TestGenerateAPIKey(t *testing.T) {
	t.Parallel()
	rawKey, hash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(rawKey, "cjq_") {
		t.Errorf("key missing cjq_ prefix, got %q", rawKey)
	}
	if len(hash) != 64 {
		t.Errorf("hash should be 64 hex chars (sha256), got %d", len(hash))
	}
	if hash != auth.HashAPIKey(rawKey) {
		t.Error("HashAPIKey(rawKey) should match hash from GenerateAPIKey")
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	t.Parallel()
	rawKey1, _, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate 1: %v", err)
	}
	rawKey2, _, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate 2: %v", err)
	}
	if rawKey1 == rawKey2 {
		t.Error("two generated keys should differ")
	}
}

func TestMatchAPIKey(t *testing.T) {
	t.Parallel()
	rawKey, hash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !auth.MatchAPIKey(rawKey, hash) {
		t.Error("key should match its own hash")
	}
	if !auth.MatchAPIKey(rawKey, strings.ToUpper(hash)) {
		t.Error("hash comparison should ignore hex case")
	}
	if auth.MatchAPIKey(rawKey+"x", hash) {
		t.Error("altered key must not match")
	}
	if auth.MatchAPIKey(strings.TrimPrefix(rawKey, "cjq_"), auth.HashAPIKey(strings.TrimPrefix(rawKey, "cjq_"))) {
		t.Error("keys without the prefix are rejected")
	}
}
