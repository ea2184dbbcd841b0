package operator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks key policy. It does not mutate input.
func (c Config) Validate(key string) error {
	n := utf8.RuneCountInString(key)

	if n < c.Policy.MinLength {
		return ErrKeyTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrKeyTooLong
	}

	if c.Policy.RejectVeryWeak && looksVeryWeak(key) {
		return ErrWeakKey
	}
	return nil
}

// looksVeryWeak catches keys typed by hand instead of generated.
func looksVeryWeak(key string) bool {
	s := strings.TrimSpace(key)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame := true
	onlyDigits := true
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	if allSame || onlyDigits {
		return true
	}

	// Fewer than 8 distinct runes means a repeated phrase.
	distinct := make(map[rune]struct{}, 8)
	for _, r := range s {
		distinct[r] = struct{}{}
		if len(distinct) >= 8 {
			return false
		}
	}
	return true
}
