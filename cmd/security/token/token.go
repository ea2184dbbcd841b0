package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "SHIELD_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the enforced key size when HMAC is required.
	MinHMACKeyBytes = 32
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// Failures are *KeyError values.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	b := []byte(strings.TrimSpace(os.Getenv(HMACEnvKey)))
	if len(b) == 0 || (minBytes > 0 && len(b) < minBytes) {
		return nil, &KeyError{Env: HMACEnvKey, Have: len(b), Min: minBytes}
	}
	return b, nil
}

// Keyer turns bearer tokens into opaque keys. The zero value hashes with SHA-256.
type Keyer struct {
	key []byte
}

// NewKeyer returns a Keyer. An empty key selects SHA-256 mode.
func NewKeyer(key []byte) Keyer {
	return Keyer{key: append([]byte(nil), key...)}
}

// KeyerFromEnv builds a Keyer from SHIELD_TOKEN_HMAC_KEY.
// With require set, a missing or short key is an error instead of a SHA-256 fallback.
func KeyerFromEnv(require bool) (Keyer, error) {
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	switch {
	case err == nil:
		return NewKeyer(key), nil
	case require:
		return Keyer{}, err
	}
	// Optional mode: any non-empty key is still used, short or not.
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	return NewKeyer([]byte(raw)), nil
}

// HMAC reports whether k is in HMAC mode.
func (k Keyer) HMAC() bool { return len(k.key) > 0 }

// Key returns the key for a raw token. Empty input yields "".
func (k Keyer) Key(token string) string {
	if token == "" {
		return ""
	}
	if len(k.key) == 0 {
		return HashSHA256Hex(token)
	}
	return HashHMACSHA256Hex(token, k.key)
}

// KeyForBearer extracts the credential from an Authorization header value
// ("Bearer <token>", case-insensitive scheme) and returns its key.
func (k Keyer) KeyForBearer(header string) string {
	return k.Key(BearerToken(header))
}

// BearerToken returns the credential of an Authorization header value, or "".
func BearerToken(header string) string {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}
