// Package domain holds the value types shared by the guard components.
package domain

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// KeyClass is the dimension a rate limit or blacklist identity is scoped to.
type KeyClass string

const (
	KeyClassIP   KeyClass = "ip"
	KeyClassUser KeyClass = "user"
	KeyClassJWT  KeyClass = "jwt"
)

// KeyClasses lists every supported key class in evaluation order.
func KeyClasses() []KeyClass {
	return []KeyClass{KeyClassIP, KeyClassUser, KeyClassJWT}
}

// ParseKeyClass accepts the wire names (case-insensitive).
func ParseKeyClass(s string) (KeyClass, error) {
	switch KeyClass(strings.ToLower(strings.TrimSpace(s))) {
	case KeyClassIP:
		return KeyClassIP, nil
	case KeyClassUser:
		return KeyClassUser, nil
	case KeyClassJWT, "token":
		return KeyClassJWT, nil
	default:
		return "", fmt.Errorf("unknown key class %q", s)
	}
}

// Decision is the final admission outcome for one request.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionBlocked Decision = "blocked"
)

// ParseDecision accepts "allowed"/"blocked" (and "allow"/"block").
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allowed", "allow":
		return DecisionAllowed, nil
	case "blocked", "block":
		return DecisionBlocked, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Reason is the categorical cause attached to a blocked request or blacklist entry.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonBruteForce   Reason = "brute-force"
	ReasonBotDetection Reason = "bot-detection"
	ReasonDDoS         Reason = "ddos"
	ReasonAnomaly      Reason = "anomaly"
	ReasonRateLimit    Reason = "rate-limit"
	ReasonManual       Reason = "manual"
)

// ThreatCategories are the reasons a classifier may produce.
func ThreatCategories() []Reason {
	return []Reason{ReasonBruteForce, ReasonBotDetection, ReasonDDoS, ReasonAnomaly}
}

// IsThreat reports whether r is a classifier category.
func (r Reason) IsThreat() bool {
	switch r {
	case ReasonBruteForce, ReasonBotDetection, ReasonDDoS, ReasonAnomaly:
		return true
	}
	return false
}

// ParseReason accepts wire names and a few human spellings used by operators.
func ParseReason(s string) (Reason, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch norm {
	case "", "none":
		return ReasonNone, nil
	case "brute-force", "bruteforce", "brute-force-attack":
		return ReasonBruteForce, nil
	case "bot-detection", "bot", "bot-activity":
		return ReasonBotDetection, nil
	case "ddos", "ddos-attempt":
		return ReasonDDoS, nil
	case "anomaly", "anomaly-detection":
		return ReasonAnomaly, nil
	case "rate-limit", "ratelimit":
		return ReasonRateLimit, nil
	case "manual", "manual-block":
		return ReasonManual, nil
	default:
		return "", fmt.Errorf("unknown reason %q", s)
	}
}

// Verdict is the rate limiter's per-call answer.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Severity orders verdicts so the worst of several identities can be chosen.
func (v Verdict) Severity() int {
	switch v {
	case VerdictWarn:
		return 1
	case VerdictBlock:
		return 2
	default:
		return 0
	}
}

// Identity is one (key class, key) pair derived from a request.
type Identity struct {
	Class KeyClass `json:"key_class"`
	Key   string   `json:"key"`
}

func (id Identity) String() string { return string(id.Class) + ":" + id.Key }

// AuthResult is the outcome of a credential check, when the caller knows it.
type AuthResult string

const (
	AuthUnknown   AuthResult = ""
	AuthFailed    AuthResult = "failed"
	AuthSucceeded AuthResult = "succeeded"
)

// ParseAuthResult accepts the wire names; the empty string is AuthUnknown.
func ParseAuthResult(s string) (AuthResult, error) {
	switch AuthResult(strings.ToLower(strings.TrimSpace(s))) {
	case AuthUnknown:
		return AuthUnknown, nil
	case AuthFailed, "failure", "fail":
		return AuthFailed, nil
	case AuthSucceeded, "success", "ok":
		return AuthSucceeded, nil
	default:
		return "", fmt.Errorf("unknown auth result %q", s)
	}
}

// AuthResultFromStatus maps an upstream response status to a credential outcome.
func AuthResultFromStatus(status int) AuthResult {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthFailed
	case status >= 200 && status < 300:
		return AuthSucceeded
	default:
		return AuthUnknown
	}
}

// Request is an inbound request as seen by the guard. Token is the raw bearer
// credential; it is hashed before it is used as a key and never stored.
type Request struct {
	IP        string
	User      string
	Token     string
	Endpoint  string
	Method    string
	UserAgent string
	Time      time.Time
	// Auth is set when the credential check of this request already happened.
	Auth AuthResult
}

// RequestEvent is the immutable record of one admission decision.
type RequestEvent struct {
	ID         uint64    `json:"id"`
	SourceKey  string    `json:"source_key"`
	KeyClass   KeyClass  `json:"key_class"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Decision   Decision  `json:"decision"`
	Reason     Reason    `json:"reason,omitempty"`
	Verdict    Verdict   `json:"verdict,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Blocked reports whether the event was rejected.
func (e RequestEvent) Blocked() bool { return e.Decision == DecisionBlocked }
