/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  All error types in one place. Stores return the sentinel errors below;
  the engine converts every failure into a Kind so the boundary can build a
  Result without leaking internals to the caller.

KINDS:
  not_found                Client or bill missing
  invalid_input            Missing or malformed reading/amount
  connection_not_eligible  Client is not Connected when starting a cycle
  rejected                 Expected business-rule refusal (already paid, ...)
  invalid_payment_amount   Payment dispatch fell through (programmer error)
  persistence_error        Transaction or database failure

USAGE:
    if errors.Is(err, billing.ErrBillNotFound) { ... }
    switch billing.KindOf(err) { case billing.KindNotFound: ... }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the parent of every missing-record error.
	ErrNotFound = errors.New("not found")

	ErrClientNotFound = fmt.Errorf("client %w", ErrNotFound)
	ErrBillNotFound   = fmt.Errorf("bill %w", ErrNotFound)

	// ErrStoreRequired is returned when an operation needs an optional store capability.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// KIND
// =============================================================================

type Kind string

const (
	KindNone                  Kind = ""
	KindNotFound              Kind = "not_found"
	KindInvalidInput          Kind = "invalid_input"
	KindConnectionNotEligible Kind = "connection_not_eligible"
	KindRejected              Kind = "rejected"
	KindInvalidPaymentAmount  Kind = "invalid_payment_amount"
	KindPersistence           Kind = "persistence_error"
)

// IsClientFacing reports whether the message of an error of this kind may be
// shown to the caller as-is.
func (k Kind) IsClientFacing() bool {
	switch k {
	case KindNotFound, KindInvalidInput, KindConnectionNotEligible, KindRejected:
		return true
	}
	return false
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is a classified engine failure. Message is safe to show to users
// when Kind.IsClientFacing() is true.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf classifies any error. Unclassified errors are persistence errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindPersistence
}

// IsNotFound returns true if the error indicates a missing client or bill.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
