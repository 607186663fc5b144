package apperrors

import (
	"errors"
	"fmt"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrMarginModeUnchanged   = errors.New("margin mode already set")
)

// Copytrade domain errors
var (
	ErrValidation            = errors.New("validation failed")
	ErrInsufficientPrecision = errors.New("lot precision unavailable")
	ErrNoEgress              = errors.New("no egress proxy configured")
	ErrSignalNotFound        = errors.New("signal not found")
	ErrTargetNotFound        = errors.New("target not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrNoAccounts            = errors.New("no accounts configured")
)

// Validationf builds an ErrValidation with a formatted reason
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AccountError is a failure scoped to a single account's exchange call
type AccountError struct {
	Account string
	Op      string
	Err     error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account %s: %s: %v", e.Account, e.Op, e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// WrapAccount attaches account context to err. A nil err stays nil.
func WrapAccount(account, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AccountError
	if errors.As(err, &ae) && ae.Account == account {
		return err
	}
	return &AccountError{Account: account, Op: op, Err: err}
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrTimestampOutOfBounds)
}
