package creditgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientCredit  = errors.New("creditgate: insufficient credit")
	ErrRateLimited         = errors.New("creditgate: rate limited")
	ErrReservationNotFound = errors.New("creditgate: reservation not found")
	ErrUpstreamTimeout     = errors.New("creditgate: upstream timeout")
	ErrStoreUnavailable    = errors.New("creditgate: store unavailable")
	ErrAccountNotFound     = errors.New("creditgate: account not found")
	ErrInvalidAmount       = errors.New("creditgate: invalid amount")
	ErrUnauthorized        = errors.New("creditgate: unauthorized")
	ErrInvalidParams       = errors.New("creditgate: invalid params")
	ErrGenerationFailed    = errors.New("creditgate: generation failed")

	ErrModelNotFound       = errors.New("creditgate: model not found")
	ErrNoCandidates        = errors.New("creditgate: no providers available")
	ErrAllFailed           = errors.New("creditgate: all providers failed")
	ErrProviderRateLimited = errors.New("creditgate: rate limited by provider")
	ErrProviderAuthFailed  = errors.New("creditgate: provider authentication failed")
	ErrProviderRejected    = errors.New("creditgate: provider rejected request")
	ErrProviderUnavailable = errors.New("creditgate: provider unavailable")
)

// ErrorCode is the stable numeric code carried by failed responses.
type ErrorCode int

const (
	CodeOK                 ErrorCode = 0
	CodeGenerationFailed   ErrorCode = 1004
	CodeInvalidParams      ErrorCode = 1007
	CodeRateLimited        ErrorCode = 1010
	CodeInsufficientCredit ErrorCode = 1011
	CodeUnauthorized       ErrorCode = 1013
	CodeUpstreamTimeout    ErrorCode = 1020
	CodeStoreUnavailable   ErrorCode = 1021
)

// CodeOf maps err to its error code. Unknown errors map to CodeGenerationFailed.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInsufficientCredit):
		return CodeInsufficientCredit
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrModelNotFound),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrProviderRejected):
		return CodeInvalidParams
	case errors.Is(err, ErrUpstreamTimeout):
		return CodeUpstreamTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeGenerationFailed
	}
}

// StoreError wraps a failed store operation. It matches ErrStoreUnavailable
// with errors.Is and unwraps to the driver error.
type StoreError struct {
	Op        string
	Namespace Namespace
	Err       error
}

func (e *StoreError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("creditgate: store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("creditgate: store %s namespace=%s: %v", e.Op, e.Namespace, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// GenerationError wraps a provider failure with routing context.
type GenerationError struct {
	Err      error
	Provider string
	Model    string
	Attempts int
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("creditgate: provider=%s model=%s attempts=%d: %v",
		e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if a provider error should not be retried with another provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProviderAuthFailed) || errors.Is(err, ErrProviderRejected)
}

// IsRetryable returns true if a provider error can be retried with another provider.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, ErrProviderUnavailable)
}

// isDomainError reports errors that carry business meaning and must not be
// reclassified as store failures.
func isDomainError(err error) bool {
	return errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrStoreUnavailable)
}

// storeErr classifies err returned by a backend for operation op.
func storeErr(op string, store any, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	se := &StoreError{Op: op, Err: err}
	if n, ok := store.(interface{ Namespace() Namespace }); ok {
		se.Namespace = n.Namespace()
	}
	return se
}
