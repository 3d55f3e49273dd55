package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrHandlerRequired   = sterrors.New("ledgerflow: handler function is required")
	ErrTopicRequired     = sterrors.New("ledgerflow: topic is required")
	ErrPublisherRequired = sterrors.New("ledgerflow: publisher is required")
	ErrConfigRequired    = sterrors.New("ledgerflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("ledgerflow: logger is required")
	ErrRouterRequired    = sterrors.New("ledgerflow: dead-letter router is required")
	ErrConsumerRunning   = sterrors.New("ledgerflow: consumer already started")
	ErrHandlerEscaped    = sterrors.New("ledgerflow: handler error escaped the dispatcher")
	ErrProducerClosed    = sterrors.New("ledgerflow: producer is closed")
	ErrSchedulerClosed   = sterrors.New("ledgerflow: retry scheduler is closed")
)

// ConfigValidationError wraps the joined problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "ledgerflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Kind tags a pipeline failure at the point it happens. The dead-letter router
// decides retry versus escalation from the kind alone.
type Kind string

const (
	KindInternal          Kind = "internal"
	KindDecode            Kind = "decode"
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindLedger            Kind = "ledger"
	KindAlreadyRegistered Kind = "already_registered"
	KindKeyMaterial       Kind = "key_material"
)

// Terminal reports whether identical input can never succeed on redelivery.
func (k Kind) Terminal() bool {
	switch k {
	case KindDecode, KindValidation, KindAlreadyRegistered, KindKeyMaterial:
		return true
	default:
		return false
	}
}

// Error is the typed failure carried through the dispatcher and router.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind so callers can test with errors.Is(err, &Error{Kind: KindLedger}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

// KindOf returns the kind of the outermost *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsTerminal reports whether err must be escalated without further retries.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Terminal()
}

func Decode(err error) error {
	return &Error{Kind: KindDecode, Op: "decode", Err: err}
}

func Validation(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: "validate", Field: field, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func Ledger(op string, err error) error {
	return &Error{Kind: KindLedger, Op: op, Err: err}
}

func AlreadyRegistered(op string, err error) error {
	return &Error{Kind: KindAlreadyRegistered, Op: op, Err: err}
}

// KeyMaterial marks a stored key that cannot be decrypted or does not belong
// to its wallet.
func KeyMaterial(op string, err error) error {
	return &Error{Kind: KindKeyMaterial, Op: op, Err: err}
}
