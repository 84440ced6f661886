// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Provider errors.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimit           = errors.New("rate limit exceeded")

	// Parsing errors.
	ErrNoAmount       = errors.New("no amount found")
	ErrNotReceipt     = errors.New("text does not look like a receipt")
	ErrEmptyPayload   = errors.New("empty payload")
	ErrPayloadTooBig  = errors.New("payload too large")
	ErrUnknownUser    = errors.New("unknown user")
	ErrUnknownKind    = errors.New("unknown source kind")
	ErrStaleRecord    = errors.New("record changed since read")
	ErrCategoryCycle  = errors.New("category parent would create a cycle")
	ErrMissingDefault = errors.New("default category not found")
	ErrWorkFinished   = errors.New("work unit already finished")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// ParseError reports a source payload that could not be read.
// It is never retried.
type ParseError struct {
	Err    error
	Reason string
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not read receipt: %s: %v", e.Reason, e.Err)
	}
	return "could not read receipt: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a ParseError with a human-readable reason.
func NewParseError(reason string, err error) error {
	return &ParseError{Reason: reason, Err: err}
}

// ProviderError reports an unavailable or rate-limited external capability.
type ProviderError struct {
	Err      error
	Provider string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a failure of the named provider.
func NewProviderError(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// ConflictError reports a concurrent modification detected by a conditional update.
type ConflictError struct {
	Err    error
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict updating %s %s: %v", e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("conflict updating %s %s", e.Entity, e.ID)
}

func (e *ConflictError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrStaleRecord
}

// NewConflictError reports that entity id changed since it was read.
func NewConflictError(entity, id string) error {
	return &ConflictError{Entity: entity, ID: id}
}

// ConfigurationError reports missing credentials or a malformed category tree.
type ConfigurationError struct {
	Err    error
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Detail, e.Err)
	}
	return "configuration error: " + e.Detail
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(detail string, err error) error {
	return &ConfigurationError{Detail: detail, Err: err}
}

// Class is the retry classification of an error.
type Class string

// Error classes understood by the orchestrator.
const (
	ClassNone          Class = ""
	ClassParse         Class = "parse"
	ClassProvider      Class = "provider"
	ClassConflict      Class = "conflict"
	ClassConfiguration Class = "configuration"
)

// Classify sorts err into one of the error classes.
// Errors that carry no classification are treated as provider failures so
// they are retried rather than dropped.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var parseErr *ParseError
	var conflictErr *ConflictError
	var configErr *ConfigurationError
	var providerErr *ProviderError

	switch {
	case errors.As(err, &configErr):
		return ClassConfiguration
	case errors.As(err, &parseErr):
		return ClassParse
	case errors.As(err, &conflictErr):
		return ClassConflict
	case errors.As(err, &providerErr):
		return ClassProvider
	case errors.Is(err, ErrMissingConfig), errors.Is(err, ErrInvalidConfig):
		return ClassConfiguration
	case errors.Is(err, ErrStaleRecord):
		return ClassConflict
	case errors.Is(err, ErrRateLimit),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassProvider
	}

	return ClassProvider
}

// CountsTowardBreaker reports whether err is a genuine capability failure.
// Only explicit provider errors trip breakers; unclassified errors retry
// without penalizing the capability.
func CountsTowardBreaker(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderUnavailable)
}
