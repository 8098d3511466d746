// Package errors defines the closed error taxonomy for the segpull download engine.
//
// Every failure crossing an I/O boundary is converted into a *DownloadError
// carrying an ErrorCode tag; the retry policy and the engine dispatch on the
// tag, never on concrete error types.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors for common scenarios. Usable with errors.Is().
var (
	// ErrInvalidURL is returned when a provided URL is malformed or invalid.
	ErrInvalidURL = errors.New("invalid URL provided")

	// ErrTaskNotFound is returned when a task id does not exist in the repository.
	ErrTaskNotFound = errors.New("download task not found")

	// ErrMirrorsExhausted is returned when every mirror and the primary URL
	// failed for a segment.
	ErrMirrorsExhausted = errors.New("all mirrors exhausted")

	// ErrChecksumMismatch is returned when the completed file's digest does not
	// match the expected one.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

const unknownValue = "unknown"

// ErrorCode tags a DownloadError with its position in the taxonomy.
type ErrorCode int

const (
	// CodeUnknown represents an unknown or unclassified error.
	CodeUnknown ErrorCode = iota

	// CodeInvalidURL represents a malformed or unsupported URL.
	CodeInvalidURL

	// CodeInvalidState represents an operation applied to a task in the wrong status.
	CodeInvalidState

	// CodeNetworkError represents a transient network failure (reset, refused, EOF).
	CodeNetworkError

	// CodeTimeout represents a request or read timeout.
	CodeTimeout

	// CodeServerError represents an HTTP 5xx response.
	CodeServerError

	// CodeTooManyRequests represents an HTTP 429 response.
	CodeTooManyRequests

	// CodeClientError represents an HTTP 4xx response other than 429.
	CodeClientError

	// CodeFileNotFound represents an HTTP 404 response.
	CodeFileNotFound

	// CodeAuthenticationFailed represents HTTP 401/403 responses.
	CodeAuthenticationFailed

	// CodeCancelled represents a user-initiated pause or cancel.
	CodeCancelled

	// CodeMirrorExhausted represents a segment that failed against every
	// mirror and the primary URL.
	CodeMirrorExhausted

	// CodeChecksumMismatch represents a completed download whose digest does
	// not match the expected checksum.
	CodeChecksumMismatch

	// CodeStorageError represents a fatal filesystem failure (disk full,
	// permission denied). Never retried.
	CodeStorageError

	// CodeInsufficientSpace represents a failed disk-space preflight.
	CodeInsufficientSpace
)

// String returns a string representation of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return unknownValue
	case CodeInvalidURL:
		return "invalid_url"
	case CodeInvalidState:
		return "invalid_state"
	case CodeNetworkError:
		return "network_error"
	case CodeTimeout:
		return "timeout"
	case CodeServerError:
		return "server_error"
	case CodeTooManyRequests:
		return "too_many_requests"
	case CodeClientError:
		return "client_error"
	case CodeFileNotFound:
		return "file_not_found"
	case CodeAuthenticationFailed:
		return "authentication_failed"
	case CodeCancelled:
		return "cancelled"
	case CodeMirrorExhausted:
		return "mirror_exhausted"
	case CodeChecksumMismatch:
		return "checksum_mismatch"
	case CodeStorageError:
		return "storage_error"
	case CodeInsufficientSpace:
		return "insufficient_space"
	default:
		return unknownValue
	}
}

// DownloadError is the structured error produced at I/O boundaries.
type DownloadError struct {
	// Code is the taxonomy tag.
	Code ErrorCode

	// Message is a short human-readable description.
	Message string

	// URL is the source URL that caused the error, if applicable.
	URL string

	// Underlying is the original error, preserved for errors.Is/As.
	Underlying error

	// Retryable indicates whether this condition might succeed if retried
	// against the same URL.
	Retryable bool

	// HTTPStatusCode is set when the error is HTTP-related.
	HTTPStatusCode int
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Underlying != nil {
		return e.Underlying.Error()
	}
	return "download error occurred"
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DownloadError) Unwrap() error {
	return e.Underlying
}

// Is matches sentinel errors against the code.
func (e *DownloadError) Is(target error) bool {
	if e.Underlying != nil && errors.Is(e.Underlying, target) {
		return true
	}
	switch e.Code {
	case CodeInvalidURL:
		return errors.Is(target, ErrInvalidURL)
	case CodeMirrorExhausted:
		return errors.Is(target, ErrMirrorsExhausted)
	case CodeChecksumMismatch:
		return errors.Is(target, ErrChecksumMismatch)
	}
	return false
}

// New creates a DownloadError with the specified code and message.
func New(code ErrorCode, message string) *DownloadError {
	return &DownloadError{
		Code:      code,
		Message:   message,
		Retryable: isRetryableByCode(code),
	}
}

// Wrap wraps an existing error as a DownloadError with additional context.
func Wrap(underlying error, code ErrorCode, message string) *DownloadError {
	return &DownloadError{
		Code:       code,
		Message:    message,
		Underlying: underlying,
		Retryable:  isRetryableByCode(code) || isRetryableError(underlying),
	}
}

// WrapURL wraps an existing error as a DownloadError with URL context.
func WrapURL(underlying error, code ErrorCode, message, url string) *DownloadError {
	e := Wrap(underlying, code, message)
	e.URL = url
	return e
}

// FromHTTPStatus classifies an HTTP status code into the taxonomy.
// 5xx and 429 are retryable; every other 4xx is permanent.
func FromHTTPStatus(statusCode int, url string) *DownloadError {
	var (
		code      ErrorCode
		message   string
		retryable bool
	)

	switch {
	case statusCode >= 500:
		code = CodeServerError
		message = fmt.Sprintf("server error (HTTP %d)", statusCode)
		retryable = true
	case statusCode == 429:
		code = CodeTooManyRequests
		message = "rate limited by server (HTTP 429)"
		retryable = true
	case statusCode == 404:
		code = CodeFileNotFound
		message = "file not found on server"
	case statusCode == 401 || statusCode == 403:
		code = CodeAuthenticationFailed
		message = "authentication or authorization failed"
	case statusCode >= 400:
		code = CodeClientError
		message = fmt.Sprintf("client error (HTTP %d)", statusCode)
	default:
		code = CodeUnknown
		message = fmt.Sprintf("unexpected HTTP status: %d", statusCode)
	}

	return &DownloadError{
		Code:           code,
		Message:        message,
		URL:            url,
		Retryable:      retryable,
		HTTPStatusCode: statusCode,
	}
}

// isRetryableByCode determines if an error code represents a transient condition.
func isRetryableByCode(code ErrorCode) bool {
	switch code {
	case CodeNetworkError, CodeTimeout, CodeServerError, CodeTooManyRequests:
		return true
	default:
		return false
	}
}

// isNetworkRetryable falls back to pattern matching for errors the net
// package does not classify.
func isNetworkRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"connection aborted",
		"unexpected eof",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Explicit cancellation never retries. A deadline expiry is a timeout
	// and follows the timeout rule instead.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		return isNetworkRetryable(err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableError(urlErr.Err)
	}

	return false
}

// IsRetryable reports whether any error is worth retrying against the same URL.
func IsRetryable(err error) bool {
	var downloadErr *DownloadError
	if errors.As(err, &downloadErr) {
		return downloadErr.Retryable
	}

	return isRetryableError(err)
}

// IsCancelled reports whether an error represents user-initiated cancellation.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return GetCode(err) == CodeCancelled
}

// GetCode extracts the error code from any error, returning CodeUnknown for
// errors outside the taxonomy.
func GetCode(err error) ErrorCode {
	var downloadErr *DownloadError
	if errors.As(err, &downloadErr) {
		return downloadErr.Code
	}

	return CodeUnknown
}
