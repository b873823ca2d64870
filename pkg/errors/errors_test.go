package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Message != "configuration is invalid" {
			t.Errorf("Message = %q, want %q", err.Message, "configuration is invalid")
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Context == nil {
			t.Error("Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeServerError, "boom").Retryable {
			t.Error("ServerError should be retryable by default")
		}
		if NewError(ErrCodeDecodeFailure, "bad json").Retryable {
			t.Error("DecodeFailure should not be retryable by default")
		}
	})
}

func TestIsRetryableByDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeTimeout, true},
		{ErrCodeRateLimited, true},
		{ErrCodeServerError, true},
		{ErrCodeTransportFailure, true},
		{ErrCodeInvalidRequest, false},
		{ErrCodeAuthExpired, false},
		{ErrCodeAuthenticationFailed, false},
		{ErrCodeForbidden, false},
		{ErrCodeNotFound, false},
		{ErrCodeRangeNotSatisfiable, false},
		{ErrCodeDecodeFailure, false},
		{ErrCodeLocalIO, false},
		{ErrCodeRenameIncomplete, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			if got := IsRetryableByDefault(tt.code); got != tt.want {
				t.Errorf("IsRetryableByDefault(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeTransportFailure, CategoryTransport},
		{ErrCodeTimeout, CategoryTransport},
		{ErrCodeAuthExpired, CategoryAuthorization},
		{ErrCodeNotFound, CategoryClient},
		{ErrCodeRateLimited, CategoryThrottle},
		{ErrCodeServerError, CategoryServer},
		{ErrCodeDecodeFailure, CategoryDecode},
		{ErrCodeLocalIO, CategoryLocal},
		{ErrCodeNotEmpty, CategoryFilesystem},
		{ErrCodeInvalidConfig, CategoryConfiguration},
	}

	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.want {
			t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestGetDefaultHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeInvalidRequest, 400},
		{ErrCodeAuthExpired, 401},
		{ErrCodeForbidden, 403},
		{ErrCodeNotFound, 404},
		{ErrCodeTimeout, 408},
		{ErrCodeRangeNotSatisfiable, 416},
		{ErrCodeRateLimited, 429},
		{ErrCodeServerError, 500},
		{ErrCodeLocalIO, 0},
	}

	for _, tt := range tests {
		if got := GetDefaultHTTPStatus(tt.code); got != tt.want {
			t.Errorf("GetDefaultHTTPStatus(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "bare",
			err:  NewError(ErrCodeNotFound, "no such key"),
			want: "NOT_FOUND: no such key",
		},
		{
			name: "component only",
			err:  NewError(ErrCodeNotFound, "no such key").WithComponent("b2"),
			want: "[b2] NOT_FOUND: no such key",
		},
		{
			name: "component and operation",
			err:  NewError(ErrCodeNotFound, "no such key").WithComponent("b2").WithOperation("download"),
			want: "[b2:download] NOT_FOUND: no such key",
		},
		{
			name: "with cause",
			err:  Wrap(ErrCodeLocalIO, fmt.Errorf("disk full"), "write staging"),
			want: "LOCAL_IO: write staging: disk full",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsInterop(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection reset")
	base := Wrap(ErrCodeTransportFailure, cause, "list")
	wrapped := fmt.Errorf("listing a/: %w", base)

	if !errors.Is(wrapped, NewError(ErrCodeTransportFailure, "")) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(wrapped, NewError(ErrCodeNotFound, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if CodeOf(wrapped) != ErrCodeTransportFailure {
		t.Errorf("CodeOf = %v", CodeOf(wrapped))
	}
	if !IsRetryable(wrapped) {
		t.Error("transport failure should be retryable")
	}
	if CodeOf(cause) != "" {
		t.Error("unclassified error should have empty code")
	}
	if IsRetryable(nil) || IsAuthExpired(nil) || HasCode(nil, ErrCodeNotFound) {
		t.Error("nil error should report nothing")
	}
}

func TestAuthExpiredAndRetryAfter(t *testing.T) {
	t.Parallel()

	expired := fmt.Errorf("op: %w", NewError(ErrCodeAuthExpired, "expired_auth_token"))
	if !IsAuthExpired(expired) {
		t.Error("IsAuthExpired should be true")
	}
	if IsAuthExpired(NewError(ErrCodeAuthenticationFailed, "bad key")) {
		t.Error("authentication failure is not an expiry")
	}

	limited := NewError(ErrCodeRateLimited, "slow down")
	limited.RetryAfter = 3 * time.Second
	if got := RetryAfter(fmt.Errorf("wrap: %w", limited)); got != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", got)
	}
	if got := RetryAfter(fmt.Errorf("plain")); got != 0 {
		t.Errorf("RetryAfter of plain error = %v, want 0", got)
	}
}

func TestError_StringAndJSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeRateLimited, "too many requests").
		WithComponent("b2").
		WithOperation("upload").
		WithRequestID("req-1").
		WithContext("key", "a/b.txt")

	s := err.String()
	for _, want := range []string{"Code=RATE_LIMITED", "Component=b2", "RequestID=req-1", "Retryable=true"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}

	var decoded map[string]interface{}
	if jerr := json.Unmarshal([]byte(err.JSON()), &decoded); jerr != nil {
		t.Fatalf("JSON() not valid json: %v", jerr)
	}
	if decoded["code"] != "RATE_LIMITED" {
		t.Errorf("json code = %v", decoded["code"])
	}
}
