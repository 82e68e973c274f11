// Package errors defines the typed error taxonomy returned by every layer of
// the state service. Errors carry a stable Code, a Kind that drives retry
// and HTTP mapping, and an optional wrapped cause.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind groups codes by how a caller must react to them.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindValidation    Kind = "validation"
	KindResource      Kind = "resource"
	KindLifecycle     Kind = "lifecycle"
	KindLiveness      Kind = "liveness"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Code identifies a specific failure.
type Code string

const (
	CodeInvalidAuth         Code = "InvalidAuth"
	CodeUnauthenticated     Code = "Unauthenticated"
	CodeCounterUnderflow    Code = "CounterUnderflow"
	CodeCounterOverflow     Code = "CounterOverflow"
	CodeOutOfBounds         Code = "OutOfBounds"
	CodeInvalidBuildingType Code = "InvalidBuildingType"
	CodeNotEnoughMoney      Code = "NotEnoughMoney"
	CodePopulationOverflow  Code = "PopulationOverflow"
	CodeInvalidState        Code = "InvalidState"
	CodeAccountDelegated    Code = "AccountDelegated"
	CodeNotDelegated        Code = "NotDelegated"
	CodeHandoffPending      Code = "HandoffPending"
	CodeKindMismatch        Code = "KindMismatch"
	CodeUnavailable         Code = "Unavailable"
	CodeNotFound            Code = "NotFound"
	CodeAlreadyExists       Code = "AlreadyExists"
	CodeVersionConflict     Code = "VersionConflict"
	CodeInvalidInstruction  Code = "InvalidInstruction"
	CodeRateLimited         Code = "RateLimited"
	CodeInternal            Code = "Internal"
)

var codeKinds = map[Code]Kind{
	CodeInvalidAuth:         KindAuthorization,
	CodeUnauthenticated:     KindAuthorization,
	CodeCounterUnderflow:    KindValidation,
	CodeCounterOverflow:     KindValidation,
	CodeOutOfBounds:         KindValidation,
	CodeInvalidBuildingType: KindValidation,
	CodePopulationOverflow:  KindValidation,
	CodeInvalidInstruction:  KindValidation,
	CodeKindMismatch:        KindValidation,
	CodeNotEnoughMoney:      KindResource,
	CodeRateLimited:         KindResource,
	CodeInvalidState:        KindLifecycle,
	CodeAccountDelegated:    KindLifecycle,
	CodeNotDelegated:        KindLifecycle,
	CodeHandoffPending:      KindLifecycle,
	CodeUnavailable:         KindLiveness,
	CodeNotFound:            KindNotFound,
	CodeAlreadyExists:       KindConflict,
	CodeVersionConflict:     KindConflict,
	CodeInternal:            KindInternal,
}

var kindStatus = map[Kind]int{
	KindAuthorization: http.StatusForbidden,
	KindValidation:    http.StatusBadRequest,
	KindResource:      http.StatusPaymentRequired,
	KindLifecycle:     http.StatusConflict,
	KindLiveness:      http.StatusServiceUnavailable,
	KindNotFound:      http.StatusNotFound,
	KindConflict:      http.StatusConflict,
	KindInternal:      http.StatusInternalServerError,
}

// codeStatus overrides the kind status for individual codes.
var codeStatus = map[Code]int{
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeUnauthenticated: http.StatusUnauthorized,
}

func statusFor(code Code, kind Kind) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return kindStatus[kind]
}

// ServiceError is the concrete error type returned across package
// boundaries.
type ServiceError struct {
	Code       Code
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

// New builds an error for code. The kind and HTTP status follow the code.
func New(code Code, format string, args ...any) *ServiceError {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInternal
	}
	return &ServiceError{
		Code:       code,
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: statusFor(code, kind),
	}
}

// Wrap builds an error for code that keeps err as its cause.
func Wrap(code Code, err error, format string, args ...any) *ServiceError {
	e := New(code, format, args...)
	e.Err = err
	return e
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches any ServiceError with the same code, so callers can compare
// against the sentinels below with errors.Is.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retriable reports whether re-issuing the same call may succeed.
func (e *ServiceError) Retriable() bool { return e.Kind == KindLiveness }

// WithDetail attaches a structured detail and returns e.
func (e *ServiceError) WithDetail(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidAuth         = &ServiceError{Code: CodeInvalidAuth}
	ErrUnauthenticated     = &ServiceError{Code: CodeUnauthenticated}
	ErrCounterUnderflow    = &ServiceError{Code: CodeCounterUnderflow}
	ErrCounterOverflow     = &ServiceError{Code: CodeCounterOverflow}
	ErrOutOfBounds         = &ServiceError{Code: CodeOutOfBounds}
	ErrInvalidBuildingType = &ServiceError{Code: CodeInvalidBuildingType}
	ErrNotEnoughMoney      = &ServiceError{Code: CodeNotEnoughMoney}
	ErrPopulationOverflow  = &ServiceError{Code: CodePopulationOverflow}
	ErrInvalidState        = &ServiceError{Code: CodeInvalidState}
	ErrAccountDelegated    = &ServiceError{Code: CodeAccountDelegated}
	ErrNotDelegated        = &ServiceError{Code: CodeNotDelegated}
	ErrHandoffPending      = &ServiceError{Code: CodeHandoffPending}
	ErrKindMismatch        = &ServiceError{Code: CodeKindMismatch}
	ErrUnavailable         = &ServiceError{Code: CodeUnavailable}
	ErrNotFound            = &ServiceError{Code: CodeNotFound}
	ErrAlreadyExists       = &ServiceError{Code: CodeAlreadyExists}
	ErrVersionConflict     = &ServiceError{Code: CodeVersionConflict}
	ErrInvalidInstruction  = &ServiceError{Code: CodeInvalidInstruction}
	ErrRateLimited         = &ServiceError{Code: CodeRateLimited}
	ErrInternal            = &ServiceError{Code: CodeInternal}
)

// InvalidAuth reports a signer that is neither the authority nor backed by
// a valid session credential.
func InvalidAuth(reason string) *ServiceError {
	return New(CodeInvalidAuth, "invalid authentication: %s", reason)
}

// Unauthenticated reports a service call without a valid service token.
func Unauthenticated(reason string) *ServiceError {
	return New(CodeUnauthenticated, "unauthenticated: %s", reason)
}

// InvalidState reports a lifecycle transition attempted from the wrong state.
func InvalidState(format string, args ...any) *ServiceError {
	return New(CodeInvalidState, format, args...)
}

// Unavailable reports a collaborator that could not be reached during op.
func Unavailable(op string, err error) *ServiceError {
	return Wrap(CodeUnavailable, err, "%s: collaborator unavailable", op)
}

// NotFound reports a missing record.
func NotFound(entity, id string) *ServiceError {
	return New(CodeNotFound, "%s %s not found", entity, id)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) *ServiceError {
	return Wrap(CodeInternal, err, format, args...)
}

// RateLimitExceeded reports a client over its request budget.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "rate limit of %d requests per %s exceeded", limit, window).
		WithDetail("limit", limit).
		WithDetail("window", window)
}

// As returns the ServiceError in err's chain, if any.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if se, ok := As(err); ok {
		return se.Code
	}
	return CodeInternal
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if se, ok := As(err); ok {
		return se.Kind
	}
	return KindInternal
}

// IsRetriable reports whether err is a liveness failure.
func IsRetriable(err error) bool {
	se, ok := As(err)
	return ok && se.Retriable()
}

// HTTPStatus maps err onto a status code.
func HTTPStatus(err error) int {
	if se, ok := As(err); ok && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// FromWire rebuilds a ServiceError received from a remote node so its code
// and kind survive the hop unchanged.
func FromWire(code, kind, message string) *ServiceError {
	k := Kind(kind)
	if _, ok := kindStatus[k]; !ok {
		k = codeKinds[Code(code)]
		if k == "" {
			k = KindInternal
		}
	}
	return &ServiceError{
		Code:       Code(code),
		Kind:       k,
		Message:    message,
		HTTPStatus: statusFor(Code(code), k),
	}
}

// Body is the JSON error envelope used by both HTTP surfaces.
type Body struct {
	Code      Code           `json:"code"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Retriable bool           `json:"retriable"`
	Details   map[string]any `json:"details,omitempty"`
}

// ToBody renders err for the wire. Foreign errors become Internal.
func ToBody(err error) Body {
	se, ok := As(err)
	if !ok {
		return Body{Code: CodeInternal, Kind: KindInternal, Message: err.Error()}
	}
	msg := se.Message
	if se.Err != nil {
		msg = fmt.Sprintf("%s: %v", se.Message, se.Err)
	}
	return Body{Code: se.Code, Kind: se.Kind, Message: msg, Retriable: se.Retriable(), Details: se.Details}
}

// Error rebuilds the typed error carried by b.
func (b Body) Err() *ServiceError {
	e := FromWire(string(b.Code), string(b.Kind), b.Message)
	e.Details = b.Details
	return e
}
