package app

import (
	"errors"
	"fmt"

	"shield/cmd/security/operator"
	"shield/cmd/security/token"
)

// newTokenKeyer builds the JWT-class keyer and enforces the HMAC policy.
// Fail-fast: with SHIELD_REQUIRE_TOKEN_HMAC set, a missing or short key stops startup.
func newTokenKeyer(cfg Config) (token.Keyer, error) {
	k, err := token.KeyerFromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		return token.Keyer{}, fmt.Errorf("security policy: SHIELD_REQUIRE_TOKEN_HMAC=true: %w", err)
	}
	if cfg.RequireTokenHMAC && !k.HMAC() {
		return token.Keyer{}, errors.New("security policy: SHIELD_REQUIRE_TOKEN_HMAC=true but token keyer is not in HMAC mode")
	}
	return k, nil
}

// newOperatorAuth loads operator key hashes. It returns nil when none are
// configured, which leaves command endpoints open.
func newOperatorAuth(log Logger) (*operator.Authenticator, error) {
	ops, err := operator.OperatorsFromEnv()
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		log.Warn("security.operator_auth.disabled", "hint", "set SHIELD_OPERATOR_KEY_HASH or SHIELD_OPERATOR_KEYS; generate with `shield hash-key`")
		return nil, nil
	}
	cfg, err := operator.FromEnv()
	if err != nil {
		return nil, err
	}
	auth, err := operator.NewAuthenticator(cfg, ops, operator.DefaultCacheTTL)
	if err != nil {
		return nil, err
	}
	log.Info("security.operator_auth.enabled", "operators", auth.Operators())
	return auth, nil
}
