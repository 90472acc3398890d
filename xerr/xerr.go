// Package xerr defines the error kinds shared across the engine.
//
// Every kind has a sentinel error. New and Wrap build an *Error carrying the
// kind, a message and an optional cause; its Unwrap exposes the kind's
// sentinel alongside the cause. Callers discriminate with errors.Is (or Is),
// never by matching on message text.
package xerr

import "errors"

// Kind classifies an engine error per spec section 7.
type Kind int

const (
	// KindInternal marks an invariant violation: fatal to the request that
	// triggered it, never to the engine as a whole.
	KindInternal Kind = iota
	// KindValidation marks malformed caller input, surfaced synchronously.
	KindValidation
	// KindResourceLimit marks admission-time exhaustion (queue full, per
	// session budget already spent).
	KindResourceLimit
	// KindOutOfBudget marks a KV cache reservation that would exceed the
	// configured policy.
	KindOutOfBudget
	// KindCancelled marks an observed cancellation signal.
	KindCancelled
	// KindTimeout marks an outer-policy execution deadline exceeded.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResourceLimit:
		return "resource_limit"
	case KindOutOfBudget:
		return "out_of_budget"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Sentinel errors, one per Kind, suitable for errors.Is.
var (
	ErrInternal      = errors.New("internal")
	ErrValidation    = errors.New("validation")
	ErrResourceLimit = errors.New("resource limit")
	ErrOutOfBudget   = errors.New("out of budget")
	ErrCancelled     = errors.New("cancelled")
	ErrTimeout       = errors.New("timeout")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindResourceLimit:
		return ErrResourceLimit
	case KindOutOfBudget:
		return ErrOutOfBudget
	case KindCancelled:
		return ErrCancelled
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrInternal
	}
}

// Error pairs a Kind with a message and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	return []error{sentinelFor(e.Kind), e.Err}
}

// New builds an *Error of the given kind with a plain message.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(k Kind, msg string, cause error) error {
	return &Error{Kind: k, Msg: msg, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	return errors.Is(err, sentinelFor(k))
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// was not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
