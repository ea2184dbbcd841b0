package operator

import (
	"crypto/sha256"
	"errors"
	"strings"
	"testing"
	"time"
)

const testKey = "b3f1c2d4e5a6978812aabbccddeeff00"

func cheapConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

func TestHashAndVerify_OK(t *testing.T) {
	cfg := cheapConfig()

	h, err := cfg.Hash(testKey)
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %s", h)
	}

	ok, err := cfg.Verify(h, testKey)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}

	ok, err = cfg.Verify(h, testKey+"x")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch")
	}
}

func TestVerify_InvalidHash(t *testing.T) {
	cfg := cheapConfig()

	for _, h := range []string{
		"not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNoaGFzaA",
	} {
		ok, err := cfg.Verify(h, testKey)
		if !errors.Is(err, ErrInvalidHash) || ok {
			t.Fatalf("hash %q: expected ErrInvalidHash, got ok=%v err=%v", h, ok, err)
		}
	}
}

func TestVerify_RejectsOversizedParams(t *testing.T) {
	cfg := cheapConfig()

	// Memory far above 2x the configured limit.
	h := "$argon2id$v=19$m=1048576,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNoaGFzaA"
	ok, err := cfg.Verify(h, testKey)
	if !errors.Is(err, ErrInvalidHash) || ok {
		t.Fatalf("expected ErrInvalidHash, got ok=%v err=%v", ok, err)
	}
}

func TestValidate_Policy(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate("short"); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
	if err := cfg.Validate(strings.Repeat("k", 300)); !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("expected ErrKeyTooLong, got %v", err)
	}
	if err := cfg.Validate(strings.Repeat("a", 30)); !errors.Is(err, ErrWeakKey) {
		t.Fatalf("expected ErrWeakKey for repeated char, got %v", err)
	}
	if err := cfg.Validate(strings.Repeat("1234", 8)); !errors.Is(err, ErrWeakKey) {
		t.Fatalf("expected ErrWeakKey for digits, got %v", err)
	}
	if err := cfg.Validate(strings.Repeat("abcd", 8)); !errors.Is(err, ErrWeakKey) {
		t.Fatalf("expected ErrWeakKey for low variety, got %v", err)
	}
	if err := cfg.Validate(testKey); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(k) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(k))
	}
	if err := DefaultConfig().Validate(k); err != nil {
		t.Fatalf("generated key fails policy: %v", err)
	}
}

func TestAuthenticator(t *testing.T) {
	cfg := cheapConfig()
	aliceKey := testKey
	bobKey := "0f9e8d7c6b5a4938271605f4e3d2c1b0"

	ah, err := cfg.Hash(aliceKey)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	bh, err := cfg.Hash(bobKey)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	a, err := NewAuthenticator(cfg, []Operator{{Name: "alice", Hash: ah}, {Name: "bob", Hash: bh}}, time.Minute)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	name, err := a.Authenticate(bobKey)
	if err != nil || name != "bob" {
		t.Fatalf("expected bob, got %q err=%v", name, err)
	}
	if _, ok := a.cache[sha256Of(bobKey)]; !ok {
		t.Fatalf("expected successful verification to be cached")
	}
	name, err = a.Authenticate(" " + aliceKey + " ")
	if err != nil || name != "alice" {
		t.Fatalf("expected alice, got %q err=%v", name, err)
	}

	for _, k := range []string{"", "wrong-key-wrong-key-wrong-key", strings.Repeat("x", 1000)} {
		if _, err := a.Authenticate(k); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("key %q: expected ErrUnauthorized, got %v", k, err)
		}
	}

	// Expired cache entries are verified again.
	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	name, err = a.Authenticate(bobKey)
	if err != nil || name != "bob" {
		t.Fatalf("expected bob after cache expiry, got %q err=%v", name, err)
	}
}

func TestNewAuthenticator_Validation(t *testing.T) {
	cfg := cheapConfig()
	h, err := cfg.Hash(testKey)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if _, err := NewAuthenticator(cfg, nil, 0); !errors.Is(err, ErrNoOperators) {
		t.Fatalf("expected ErrNoOperators, got %v", err)
	}
	if _, err := NewAuthenticator(cfg, []Operator{{Name: "a", Hash: "junk"}}, 0); !errors.Is(err, ErrInvalidKeySet) {
		t.Fatalf("expected ErrInvalidKeySet for bad hash, got %v", err)
	}
	dup := []Operator{{Name: "a", Hash: h}, {Name: "a", Hash: h}}
	if _, err := NewAuthenticator(cfg, dup, 0); !errors.Is(err, ErrInvalidKeySet) {
		t.Fatalf("expected ErrInvalidKeySet for duplicate, got %v", err)
	}
}

func TestParseKeySet(t *testing.T) {
	h := "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA"
	ops, err := ParseKeySet("alice=" + h + "; bob=" + h + ";")
	if err != nil {
		t.Fatalf("ParseKeySet: %v", err)
	}
	if len(ops) != 2 || ops[0].Name != "alice" || ops[1].Name != "bob" || ops[1].Hash != h {
		t.Fatalf("unexpected operators: %+v", ops)
	}

	if _, err := ParseKeySet(h); !errors.Is(err, ErrInvalidKeySet) {
		t.Fatalf("expected ErrInvalidKeySet for unnamed hash, got %v", err)
	}
}

func TestOperatorsFromEnv(t *testing.T) {
	h := "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA"
	t.Setenv("SHIELD_OPERATOR_KEY_HASH", h)
	t.Setenv("SHIELD_OPERATOR_KEYS", "ci="+h)

	ops, err := OperatorsFromEnv()
	if err != nil {
		t.Fatalf("OperatorsFromEnv: %v", err)
	}
	if len(ops) != 2 || ops[0].Name != DefaultOperatorName || ops[1].Name != "ci" {
		t.Fatalf("unexpected operators: %+v", ops)
	}
}

func TestFromEnv_Override(t *testing.T) {
	t.Setenv("SHIELD_OPERATOR_KEY_MIN_LEN", "32")
	t.Setenv("SHIELD_ARGON2_MEMORY_KIB", "32768")
	t.Setenv("SHIELD_ARGON2_ITERATIONS", "4")
	t.Setenv("SHIELD_ARGON2_PARALLELISM", "2")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if cfg.Policy.MinLength != 32 {
		t.Fatalf("policy override failed: %+v", cfg.Policy)
	}
	if cfg.Params.MemoryKiB != 32768 || cfg.Params.Iterations != 4 || cfg.Params.Parallelism != 2 {
		t.Fatalf("argon2 override failed: %+v", cfg.Params)
	}
}

func TestFromEnv_InvalidMinMax(t *testing.T) {
	t.Setenv("SHIELD_OPERATOR_KEY_MIN_LEN", "20")
	t.Setenv("SHIELD_OPERATOR_KEY_MAX_LEN", "10")

	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}

func sha256Of(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}
