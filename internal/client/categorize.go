package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the observationApiErrorsTotal label.
const (
	ErrorCategoryTimeout           ErrorCategory = "timeout"
	ErrorCategoryCanceled          ErrorCategory = "canceled"
	ErrorCategoryNetwork           ErrorCategory = "network"
	ErrorCategoryInvalidCredential ErrorCategory = "invalid_credential"
	ErrorCategoryCircuitOpen       ErrorCategory = "circuit_open"
	ErrorCategoryMalformed         ErrorCategory = "malformed_response"
	ErrorCategoryUnknown           ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. More specific
// markers win over ErrNetwork, which wraps most of them.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, ErrInvalidCredential):
		return ErrorCategoryInvalidCredential
	case errors.Is(err, ErrMalformedResponse):
		return ErrorCategoryMalformed
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, ErrNetwork) || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
