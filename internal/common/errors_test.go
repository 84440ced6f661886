package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		name     string
		want     Class
		breakers bool
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "parse", err: NewParseError("no total", ErrNoAmount), want: ClassParse},
		{name: "wrapped parse", err: fmt.Errorf("ocr: %w", NewParseError("blank", nil)), want: ClassParse},
		{name: "provider", err: NewProviderError("vision", ErrProviderUnavailable), want: ClassProvider, breakers: true},
		{name: "rate limit sentinel", err: fmt.Errorf("slow down: %w", ErrRateLimit), want: ClassProvider, breakers: true},
		{name: "conflict", err: NewConflictError("evidence", "ev-1"), want: ClassConflict},
		{name: "stale record", err: fmt.Errorf("save: %w", ErrStaleRecord), want: ClassConflict},
		{name: "configuration", err: NewConfigurationError("no key", nil), want: ClassConfiguration},
		{name: "missing config sentinel", err: fmt.Errorf("vision: %w", ErrMissingConfig), want: ClassConfiguration},
		{name: "configuration wins over provider", err: NewProviderError("gmail", NewConfigurationError("revoked", nil)), want: ClassConfiguration, breakers: true},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassProvider},
		{name: "unclassified", err: errors.New("disk hiccup"), want: ClassProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.breakers, CountsTowardBreaker(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want string
	}{
		{name: "parse with cause", err: NewParseError("no total", ErrNoAmount), want: "could not read receipt: no total: no amount found"},
		{name: "parse", err: NewParseError("blank image", nil), want: "could not read receipt: blank image"},
		{name: "provider", err: NewProviderError("plaid", ErrRateLimit), want: "plaid provider error: rate limit exceeded"},
		{name: "conflict", err: NewConflictError("work unit", "wu-1"), want: "conflict updating work unit wu-1"},
		{name: "configuration", err: NewConfigurationError("no mailbox", ErrMissingConfig), want: "configuration error: no mailbox: missing configuration"},
		{name: "user", err: NewUserError("try again", nil), want: "try again"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.EqualError(t, tt.err, tt.want)
		})
	}
}

func TestConflictErrorUnwrapsToStaleRecord(t *testing.T) {
	assert.ErrorIs(t, NewConflictError("evidence", "ev-1"), ErrStaleRecord)
}
