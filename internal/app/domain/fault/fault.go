// Package fault defines the typed error taxonomy shared by the exchange
// core. Every failure the core can produce is tagged with one of a closed
// set of codes; the HTTP layer maps codes to status codes and callers match
// with CodeOf or errors.As instead of string comparison.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure.
type Code string

const (
	// NotFound: the referenced entity does not exist.
	NotFound Code = "not_found"
	// Forbidden: the actor is not a valid participant for the operation.
	Forbidden Code = "forbidden"
	// InvalidState: the transition is illegal from the current status.
	InvalidState Code = "invalid_state"
	// AlreadyConfirmed: the actor's confirmation flag is already set.
	AlreadyConfirmed Code = "already_confirmed"
	// AlreadyCompleted: the exchange is completed and immutable.
	AlreadyCompleted Code = "already_completed"
	// AlreadyOwned: a buyer proposed an exchange on their own offer.
	AlreadyOwned Code = "already_owned"
	// OfferNotActive: the offer is not available for a new exchange.
	OfferNotActive Code = "offer_not_active"
	// InsufficientBalance: a ledger append would drive a balance negative.
	InsufficientBalance Code = "insufficient_balance"
	// OutOfStock: the reward stock is exhausted.
	OutOfStock Code = "out_of_stock"
	// RewardInactive: the reward is not claimable.
	RewardInactive Code = "reward_inactive"
	// InvalidArgument: the caller's input failed validation.
	InvalidArgument Code = "invalid_argument"
	// Conflict: an optimistic-concurrency collision; the caller may retry.
	Conflict Code = "conflict"
	// Unavailable: transient storage failure; the caller may retry later.
	Unavailable Code = "unavailable"
)

// Error is a domain failure carrying a Code.
type Error struct {
	Code Code
	msg  string
	err  error
}

// New builds a fault with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), err: err}
}

// NotFoundf builds a NotFound fault for an entity/id pair.
func NotFoundf(entity, id string) *Error {
	return New(NotFound, "%s %s not found", entity, id)
}

// Invalidf builds an InvalidArgument fault for rejected caller input.
func Invalidf(format string, args ...interface{}) *Error {
	return New(InvalidArgument, format, args...)
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.err }

// Message returns the human-readable message without the code prefix.
func (e *Error) Message() string { return e.msg }

// CodeOf extracts the fault code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
