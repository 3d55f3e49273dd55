package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrHandlerRequired", ErrHandlerRequired, "ledgerflow: handler function is required"},
		{"ErrTopicRequired", ErrTopicRequired, "ledgerflow: topic is required"},
		{"ErrPublisherRequired", ErrPublisherRequired, "ledgerflow: publisher is required"},
		{"ErrConfigRequired", ErrConfigRequired, "ledgerflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "ledgerflow: logger is required"},
		{"ErrHandlerEscaped", ErrHandlerEscaped, "ledgerflow: handler error escaped the dispatcher"},
		{"ErrSchedulerClosed", ErrSchedulerClosed, "ledgerflow: retry scheduler is closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "ledgerflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
	if NewConfigValidationError(nil) != nil {
		t.Error("NewConfigValidationError(nil) should be nil")
	}
	if !errors.Is(NewConfigValidationError(inner), inner) {
		t.Error("errors.Is should match wrapped error")
	}
}

func TestKindTerminal(t *testing.T) {
	tests := []struct {
		kind     Kind
		terminal bool
	}{
		{KindDecode, true},
		{KindValidation, true},
		{KindAlreadyRegistered, true},
		{KindKeyMaterial, true},
		{KindNotFound, false},
		{KindLedger, false},
		{KindInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	base := Ledger("issue", errors.New("execution reverted"))
	wrapped := fmt.Errorf("issue coin: %w", base)

	if got := KindOf(wrapped); got != KindLedger {
		t.Fatalf("KindOf = %s, want %s", got, KindLedger)
	}
	if IsTerminal(wrapped) {
		t.Fatal("ledger errors must be retriable")
	}
	if !errors.Is(wrapped, &Error{Kind: KindLedger}) {
		t.Fatal("errors.Is should match on kind")
	}
	if errors.Is(wrapped, &Error{Kind: KindDecode}) {
		t.Fatal("errors.Is should not match a different kind")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("KindOf = %s, want %s", got, KindInternal)
	}
	if IsTerminal(nil) {
		t.Fatal("nil error is not terminal")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := Validation("estateId", "is required")
	want := "validate: validation (field estateId): is required"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, &Error{Kind: KindValidation, Field: "estateId"}) {
		t.Fatal("expected field-specific match")
	}
	if errors.Is(err, &Error{Kind: KindValidation, Field: "tradeId"}) {
		t.Fatal("field mismatch should not match")
	}
}
