package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
)

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status        int
		wantCode      ErrorCode
		wantRetryable bool
	}{
		{500, CodeServerError, true},
		{502, CodeServerError, true},
		{503, CodeServerError, true},
		{429, CodeTooManyRequests, true},
		{404, CodeFileNotFound, false},
		{401, CodeAuthenticationFailed, false},
		{403, CodeAuthenticationFailed, false},
		{400, CodeClientError, false},
		{410, CodeClientError, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := FromHTTPStatus(tt.status, "http://example.com/f")
			if err.Code != tt.wantCode {
				t.Errorf("code = %v, want %v", err.Code, tt.wantCode)
			}
			if err.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.wantRetryable)
			}
			if err.HTTPStatusCode != tt.status {
				t.Errorf("status = %d, want %d", err.HTTPStatusCode, tt.status)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"user cancellation never retries", context.Canceled, false},
		{"deadline expiry is a timeout", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"wrapped net timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, true},
		{"connection refused pattern", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"server error", FromHTTPStatus(500, ""), true},
		{"rate limited", FromHTTPStatus(429, ""), true},
		{"not found", FromHTTPStatus(404, ""), false},
		{"storage error", New(CodeStorageError, "disk full"), false},
		{"plain error", errors.New("something"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(context.Canceled) {
		t.Error("IsCancelled(context.Canceled) = false")
	}
	if !IsCancelled(New(CodeCancelled, "paused by user")) {
		t.Error("IsCancelled(CodeCancelled error) = false")
	}
	if IsCancelled(context.DeadlineExceeded) {
		t.Error("IsCancelled(DeadlineExceeded) = true, deadline is a timeout not a cancel")
	}
}

func TestSentinelMatching(t *testing.T) {
	err := WrapURL(ErrMirrorsExhausted, CodeMirrorExhausted, "no source left", "http://x/f")
	if !errors.Is(err, ErrMirrorsExhausted) {
		t.Error("errors.Is(err, ErrMirrorsExhausted) = false")
	}

	var de *DownloadError
	if !errors.As(err, &de) {
		t.Fatal("errors.As(*DownloadError) = false")
	}
	if de.Code != CodeMirrorExhausted {
		t.Errorf("code = %v, want CodeMirrorExhausted", de.Code)
	}
}

func TestWrapPreservesUnderlying(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, CodeNetworkError, "request failed")

	if !errors.Is(err, base) {
		t.Error("wrapped error lost its underlying error")
	}
	if GetCode(err) != CodeNetworkError {
		t.Errorf("GetCode() = %v, want CodeNetworkError", GetCode(err))
	}
	if !IsRetryable(err) {
		t.Error("network error should be retryable")
	}
}

func TestGetCodeUnknownForForeignErrors(t *testing.T) {
	if got := GetCode(errors.New("x")); got != CodeUnknown {
		t.Errorf("GetCode() = %v, want CodeUnknown", got)
	}
}
