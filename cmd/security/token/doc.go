// Package token derives rate-limit and blacklist keys from bearer credentials.
//
// Raw tokens are never used as map keys, logged or persisted. A key is:
// - HMAC-SHA256(token, key) when SHIELD_TOKEN_HMAC_KEY is configured.
// - SHA-256(token) otherwise (single-node and development setups).
//
// Output is a stable 64-char hex string either way.
//
// Environment:
// - SHIELD_TOKEN_HMAC_KEY: when set, enables HMAC mode.
// Policy:
//   - If RequireTokenHMAC=true, callers MUST enforce a minimum key size (>= 32 bytes)
//     and MUST use HMAC (no SHA fallback).
package token
