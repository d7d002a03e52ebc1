// Package ledgererr defines the structured error returned by every ledger
// operation. Callers branch on Kind rather than on message text.
package ledgererr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindInvalidState
	KindInsufficientBalance
	KindInvariantViolation
)

const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidState        = "INVALID_STATE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInvariantViolation  = "INVARIANT_VIOLATION"
	CodeInvalidAssetCode    = "INVALID_ASSET_CODE"
	CodeSelfPurchase        = "SELF_PURCHASE"
	CodeInternal            = "INTERNAL_ERROR"
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "internal"
	}
}

// Status is the HTTP status associated with the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindInvalidState, KindInsufficientBalance:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) defaultCode() string {
	switch k {
	case KindValidation:
		return CodeInvalidRequest
	case KindConflict:
		return CodeConflict
	case KindNotFound:
		return CodeNotFound
	case KindInvalidState:
		return CodeInvalidState
	case KindInsufficientBalance:
		return CodeInsufficientBalance
	case KindInvariantViolation:
		return CodeInvariantViolation
	default:
		return CodeInternal
	}
}

type Error struct {
	Kind       Kind
	Code       string
	StatusCode int
	Message    string
	Details    map[string]string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// WithCode returns a copy of e carrying code instead of the kind default.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:       kind,
		Code:       kind.defaultCode(),
		StatusCode: kind.Status(),
		Message:    fmt.Sprintf(format, args...),
	}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

func InsufficientBalance(format string, args ...any) *Error {
	return New(KindInsufficientBalance, format, args...)
}

func InvariantViolation(format string, args ...any) *Error {
	return New(KindInvariantViolation, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
