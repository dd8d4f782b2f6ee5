// Package errors provides the typed error taxonomy used by the trading
// engine. Every error carries a Kind so callers can branch on outcome
// classes without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindOrderNotFound          Kind = "ORDER_NOT_FOUND"
	KindPoolNotFound           Kind = "POOL_NOT_FOUND"
	KindPairNotFound           Kind = "PAIR_NOT_FOUND"
	KindInvalidRange           Kind = "INVALID_RANGE"
	KindInsufficientLiquidity  Kind = "INSUFFICIENT_LIQUIDITY"
	KindSlippageExceeded       Kind = "SLIPPAGE_EXCEEDED"
	KindExpired                Kind = "EXPIRED"
	KindTradingHalted          Kind = "TRADING_HALTED"
	KindInternalInvariant      Kind = "INTERNAL_INVARIANT"
	KindUnknown                Kind = "UNKNOWN"
)

// Error is the engine error type. It wraps an optional cause and carries
// the Kind that determines how callers and the API layer treat it.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two engine errors by Kind, so sentinel comparisons like
// errors.Is(err, errors.E(KindExpired, "")) work across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// E builds a new engine error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convenience constructors for the most common engine outcomes.

func Validation(format string, args ...any) *Error {
	return E(KindValidation, format, args...)
}

func OrderNotFound(id string) *Error {
	return E(KindOrderNotFound, "order not found: %s", id)
}

func InsufficientLiquidity(format string, args ...any) *Error {
	return E(KindInsufficientLiquidity, format, args...)
}

func SlippageExceeded(format string, args ...any) *Error {
	return E(KindSlippageExceeded, format, args...)
}

func Expired(format string, args ...any) *Error {
	return E(KindExpired, format, args...)
}

func Invariant(format string, args ...any) *Error {
	return E(KindInternalInvariant, format, args...)
}
