package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes form a closed set. Every failure surfaced in a result envelope
// carries exactly one of these.
const (
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeRateLimit       = "RATE_LIMIT"
	ErrCodeAuthentication  = "AUTHENTICATION"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNetworkError    = "NETWORK_ERROR"
	ErrCodeInvalidResponse = "INVALID_RESPONSE"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeUnknown         = "UNKNOWN"
)

// Error is a provider-attributed failure.
type Error struct {
	Provider   string `json:"provider"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Temporary  bool   `json:"temporary"`
	Cause      error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error without a cause.
func NewError(providerName, code, message string) *Error {
	return &Error{Provider: providerName, Code: code, Message: message}
}

// Classify maps an arbitrary fetch error onto the closed code set. Structured
// *Error values pass through with their code intact. Everything else falls
// back to substring matching on the lowercased message; providers should
// return structured codes so this path stays a last resort. The original
// cause is retained so callers can still inspect it.
func Classify(providerName string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = providerName
		}
		return pe
	}

	code := ErrCodeUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	} else {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"):
			code = ErrCodeTimeout
		case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
			code = ErrCodeRateLimit
		case strings.Contains(msg, "auth") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
			code = ErrCodeAuthentication
		case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
			code = ErrCodeNotFound
		case strings.Contains(msg, "network") || strings.Contains(msg, "fetch"):
			code = ErrCodeNetworkError
		}
	}

	return &Error{
		Provider:  providerName,
		Code:      code,
		Message:   err.Error(),
		Temporary: code == ErrCodeTimeout || code == ErrCodeRateLimit || code == ErrCodeNetworkError,
		Cause:     err,
	}
}
