package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envLookup parses a SHIELD_* variable. Blank, unparsable or rejected
// values fall back to def so a typo never turns a limit into zero.
func envLookup[T any](key string, def T, parse func(string) (T, error), accept func(T) bool) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil || (accept != nil && !accept(v)) {
		return def
	}
	return v
}

func EnvString(key, def string) string {
	return envLookup(key, def, func(s string) (string, error) { return s, nil }, nil)
}

func EnvBool(key string, def bool) bool {
	return envLookup(key, def, strconv.ParseBool, nil)
}

// EnvInt accepts positive values only; limits, windows and pool sizes are never zero.
func EnvInt(key string, def int) int {
	return envLookup(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// EnvInt32 accepts zero, which the pool settings read as "driver default".
func EnvInt32(key string, def int32) int32 {
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return envLookup(key, def, parse, func(n int32) bool { return n >= 0 })
}

// EnvDuration takes Go duration syntax ("750ms", "5m") and rejects non-positive values.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envLookup(key, def, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// EnvCSV splits a comma-separated list such as SHIELD_CORS_ALLOWED_ORIGINS.
// Blank items are dropped; a list with nothing left yields def.
func EnvCSV(key string, def []string) []string {
	parse := func(s string) ([]string, error) {
		var out []string
		for part := range strings.SplitSeq(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return envLookup(key, def, parse, func(v []string) bool { return len(v) > 0 })
}
