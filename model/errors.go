package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: geometry, risk-limit breach, insufficient capital,
	// illegal transition. Caller-recoverable, nothing was written.
	KindValidation
	// KindBroker: network, timeout or venue rejection. The trade stays in its
	// last confirmed state.
	KindBroker
	// KindConflict: lock or transaction contention. Safe to retry.
	KindConflict
	// KindPersistence: storage failure inside a savepoint; the unit rolled back.
	KindPersistence
	// KindNoOp: a transition that would not change anything.
	KindNoOp
	// KindAuthorization: the protected gate refused the request.
	KindAuthorization
	// KindNotFound: the referenced record does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBroker:
		return "broker"
	case KindConflict:
		return "concurrency_conflict"
	case KindPersistence:
		return "persistence"
	case KindNoOp:
		return "noop_transition"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every core component.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Unknown is set on broker errors whose outcome could not be observed
	// (timeouts). The next sync cycle resolves them.
	Unknown bool
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code when the target carries one, otherwise by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

// Kind sentinels, for errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrBroker        = &Error{Kind: KindBroker}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrNoOp          = &Error{Kind: KindNoOp}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrNotFound      = &Error{Kind: KindNotFound}
)

// Code sentinels.
var (
	ErrInvalidGeometry      = &Error{Kind: KindValidation, Code: "invalid_geometry"}
	ErrInsufficientCapital  = &Error{Kind: KindValidation, Code: "insufficient_capital"}
	ErrRiskLimit            = &Error{Kind: KindValidation, Code: "risk_limit"}
	ErrInvalidTransition    = &Error{Kind: KindValidation, Code: "invalid_transition"}
	ErrBrokerTimeout        = &Error{Kind: KindBroker, Code: "broker_timeout"}
	ErrBrokerUnavailable    = &Error{Kind: KindBroker, Code: "broker_unavailable"}
	ErrBrokerRejected       = &Error{Kind: KindBroker, Code: "broker_rejected"}
	ErrPartialSubmission    = &Error{Kind: KindBroker, Code: "partial_submission"}
	ErrLockTimeout          = &Error{Kind: KindConflict, Code: "lock_timeout"}
	ErrActorRunning         = &Error{Kind: KindConflict, Code: "actor_running"}
	ErrSameLevel            = &Error{Kind: KindNoOp, Code: "same_level"}
	ErrLevelOutOfRange      = &Error{Kind: KindNoOp, Code: "level_out_of_range"}
	ErrUnauthorized         = &Error{Kind: KindAuthorization, Code: "unauthorized"}
	ErrAccountNotFound      = &Error{Kind: KindNotFound, Code: "account_not_found"}
	ErrTradeNotFound        = &Error{Kind: KindNotFound, Code: "trade_not_found"}
	ErrOrderNotFound        = &Error{Kind: KindNotFound, Code: "order_not_found"}
	ErrVehicleNotFound      = &Error{Kind: KindNotFound, Code: "vehicle_not_found"}
	ErrExternalIDNotFound   = &Error{Kind: KindNotFound, Code: "external_id_not_found"}
	ErrDuplicateAccount     = &Error{Kind: KindValidation, Code: "duplicate_account"}
	ErrInvalidTrigger       = &Error{Kind: KindValidation, Code: "invalid_trigger"}
	ErrInvalidInput         = &Error{Kind: KindValidation, Code: "invalid_input"}
	ErrSavepointName        = &Error{Kind: KindPersistence, Code: "savepoint_name"}
	ErrWithdrawalOverdrawn  = &Error{Kind: KindValidation, Code: "withdrawal_overdrawn"}
	ErrUnsupportedOperation = &Error{Kind: KindBroker, Code: "unsupported_operation"}
)

// Errorf builds a new error that matches sentinel (by code and kind).
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap builds an error matching sentinel that wraps err.
func Wrap(sentinel *Error, err error, format string, args ...any) *Error {
	e := Errorf(sentinel, format, args...)
	e.Err = err
	return e
}

// Persistence wraps a storage failure unless err already carries a kind.
func Persistence(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindPersistence, Code: "storage", Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether repeating the same request may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindBroker:
		return !errors.Is(err, ErrBrokerRejected)
	default:
		return false
	}
}

// IsUnknownOutcome reports a broker call whose effect was not observed.
func IsUnknownOutcome(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Unknown
}
