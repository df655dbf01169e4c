// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// AuthenticationError reports rejected credentials or an invalid session.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "authentication failed"
	}
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// NetworkError reports a transport failure or an unexpected HTTP status.
// StatusCode is zero when no response was received.
type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	msg := "network error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("network error: unexpected status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

type ResourceNotFoundError struct {
	Resource string
	Err      error
}

func (e *ResourceNotFoundError) Error() string {
	msg := "resource not found"
	if e.Resource != "" {
		msg = e.Resource + " not found"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceNotFoundError) Unwrap() error { return e.Err }

// RateLimitError reports backend throttling. RetryAfter is zero when the
// backend gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// OperationFailedError is the catch-all for failures during a well-formed operation.
type OperationFailedError struct {
	Op  string
	Err error
}

func (e *OperationFailedError) Error() string {
	msg := "operation failed"
	if e.Op != "" {
		msg = e.Op + " failed"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

type ClientNotSupportedError struct {
	Backend string
	Version string
	Err     error
}

func (e *ClientNotSupportedError) Error() string {
	msg := "client not supported"
	if e.Backend != "" {
		msg = e.Backend + " not supported"
		if e.Version != "" {
			msg = fmt.Sprintf("%s %s not supported", e.Backend, e.Version)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClientNotSupportedError) Unwrap() error { return e.Err }

// FromStatus maps a non-success HTTP status to the error taxonomy.
func FromStatus(statusCode int, cause error) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{Err: statusCause(statusCode, cause)}
	case http.StatusNotFound:
		return &ResourceNotFoundError{Err: statusCause(statusCode, cause)}
	case http.StatusTooManyRequests:
		return &RateLimitError{Err: statusCause(statusCode, cause)}
	default:
		return &NetworkError{StatusCode: statusCode, Err: cause}
	}
}

// FromResponse maps a non-success response, reading Retry-After for 429.
func FromResponse(resp *http.Response, cause error) error {
	err := FromStatus(resp.StatusCode, cause)

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		rateErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}

	return err
}

func statusCause(statusCode int, cause error) error {
	if cause != nil {
		return cause
	}
	return fmt.Errorf("status %d %s", statusCode, http.StatusText(statusCode))
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Classify converts an arbitrary error from operation op into exactly one
// taxonomy error. Errors already in the taxonomy are returned untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if known := taxonomyError(err); known != nil {
		return known
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &OperationFailedError{Op: op, Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &NetworkError{Err: err}
	}

	return &OperationFailedError{Op: op, Err: err}
}

// taxonomyError returns the outermost taxonomy error in err's chain.
func taxonomyError(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *AuthenticationError, *NetworkError, *ResourceNotFoundError,
			*RateLimitError, *OperationFailedError, *ClientNotSupportedError:
			return e
		}
	}
	return nil
}

// IsTaxonomy reports whether err already belongs to the client error taxonomy.
func IsTaxonomy(err error) bool {
	return taxonomyError(err) != nil
}

func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *ResourceNotFoundError
	return errors.As(err, &target)
}

func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

func IsOperationFailed(err error) bool {
	var target *OperationFailedError
	return errors.As(err, &target)
}

func IsNotSupported(err error) bool {
	var target *ClientNotSupportedError
	return errors.As(err, &target)
}

// StatusCode extracts the HTTP status carried by a NetworkError, or zero.
func StatusCode(err error) int {
	var target *NetworkError
	if errors.As(err, &target) {
		return target.StatusCode
	}
	return 0
}
