// Package operator authenticates Shield operators by API key.
//
// Keys are stored only as Argon2id hashes in a PHC-like encoded string format.
// The package includes:
// - Configurable Argon2id parameters (via environment variables)
// - Key policy validation
// - Strict hash decoding and verification with anti-DoS bounds
// - An Authenticator that resolves a presented key to an operator name
//
// Security notes:
// - Hash strings are treated as untrusted input during Verify and are validated accordingly.
// - Verification refuses hashes with parameters that exceed reasonable bounds.
// - Successful verifications are cached by key digest for a short TTL so an
//   authenticated dashboard does not pay the Argon2id cost per request.
package operator
