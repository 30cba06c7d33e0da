package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the issuance and verification flows. Handlers map
// these onto HTTP statuses with errors.Is.
var (
	ErrRateLimited      = errors.New("rate limited")
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrInvalidOrExpired = errors.New("invalid or expired code")
	ErrIncorrectCode    = errors.New("incorrect code")
	ErrLockedOut        = errors.New("too many failed OTP attempts")
	ErrNotBlacklisted   = errors.New("identifier is not blacklisted")
)

// RateLimitedError carries how long the caller must wait before the next
// request, in whole seconds.
type RateLimitedError struct {
	RetryAfter int
	Reason     string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %d seconds", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Reason)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IncorrectCodeError carries how many attempts remain on the active record.
type IncorrectCodeError struct {
	Remaining int
}

func (e *IncorrectCodeError) Error() string {
	return fmt.Sprintf("incorrect code: %d attempts remaining", e.Remaining)
}

func (e *IncorrectCodeError) Unwrap() error { return ErrIncorrectCode }

// DeliveryError wraps the provider failure behind ErrDeliveryFailed. The
// code record stays persisted, so a later verify with the right code works
// if the provider delivered despite the error.
type DeliveryError struct {
	Provider string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s failed: %v", e.Provider, e.Err)
}

func (e *DeliveryError) Unwrap() error { return ErrDeliveryFailed }
