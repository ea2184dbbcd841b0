package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCapacity is returned when the event log cannot accept an append.
	// With a fixed ring this indicates a bug, not load.
	ErrCapacity = errors.New("event log capacity exhausted")

	// ErrClassifierTimeout is returned when the external scorer misses its deadline.
	ErrClassifierTimeout = errors.New("classifier timeout")

	// ErrConfigValidation is returned for rejected rate-limit or policy values.
	ErrConfigValidation = errors.New("invalid configuration")

	// ErrNotFound is returned when an operator targets an absent blacklist entry.
	ErrNotFound = errors.New("not found")
)

// CapacityError carries the configured bound of the log that failed.
type CapacityError struct {
	Capacity int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("%s (capacity %d)", ErrCapacity.Error(), e.Capacity)
}

func (e CapacityError) Unwrap() error { return ErrCapacity }

// ClassifierTimeoutError records how long the scorer was given.
type ClassifierTimeoutError struct {
	Timeout time.Duration
}

func (e ClassifierTimeoutError) Error() string {
	return fmt.Sprintf("%s after %s", ErrClassifierTimeout.Error(), e.Timeout)
}

func (e ClassifierTimeoutError) Unwrap() error { return ErrClassifierTimeout }

// ConfigValidationError names the offending field and value.
type ConfigValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("%s: %s=%v: %s", ErrConfigValidation.Error(), e.Field, e.Value, e.Reason)
}

func (e ConfigValidationError) Unwrap() error { return ErrConfigValidation }

// NotFoundError identifies what was looked up.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q %s", e.Kind, e.ID, ErrNotFound.Error())
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }
