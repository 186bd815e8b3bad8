package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
		if err.Retryable {
			t.Error("InvalidConfig should not be retryable")
		}
	})

	t.Run("transport codes are retryable", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrCodeConnectionFailed, ErrCodeDNSFailure, ErrCodeTLSFailure, ErrCodeNetworkError} {
			if !NewError(code, "x").Retryable {
				t.Errorf("%s should be retryable", code)
			}
		}
	})
}

func TestNewHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{400, ErrCodeHTTPClient, false},
		{401, ErrCodeHTTPClient, false},
		{404, ErrCodeHTTPClient, false},
		{429, ErrCodeHTTPRateLimited, true},
		{500, ErrCodeHTTPServer, true},
		{503, ErrCodeHTTPServer, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := NewHTTPError(tt.status)
			if err.Code != tt.code {
				t.Errorf("Code = %v, want %v", err.Code, tt.code)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.HTTPStatus != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, tt.status)
			}
			if err.Category != CategoryHTTP {
				t.Errorf("Category = %v, want %v", err.Category, CategoryHTTP)
			}
		})
	}
}

func TestNewTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cause error
		code  ErrorCode
	}{
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrCodeRequestTimeout},
		{"dns", errors.New("dial tcp: lookup example.invalid: no such host"), ErrCodeDNSFailure},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), ErrCodeConnectionRefused},
		{"tls", errors.New("tls: handshake failure"), ErrCodeTLSFailure},
		{"dial", errors.New("dial tcp: i/o timeout"), ErrCodeConnectionFailed},
		{"other", errors.New("unexpected EOF"), ErrCodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTransportError(tt.cause)
			if err.Code != tt.code {
				t.Errorf("Code = %v, want %v", err.Code, tt.code)
			}
			if !err.Retryable {
				t.Error("transport errors should be retryable")
			}
			if !errors.Is(err, tt.cause) {
				t.Error("cause should be reachable through errors.Is")
			}
		})
	}
}

func TestEngineError_Error(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodePoolExhausted, "no connections").
		WithComponent("pool").
		WithOperation("acquire")
	want := "[pool:acquire] POOL_EXHAUSTED: no connections"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := NewError(ErrCodeStoreRead, "read failed").WithCause(errors.New("disk gone"))
	if got := wrapped.Error(); got != "STORE_READ: read failed: disk gone" {
		t.Errorf("Error() = %q", got)
	}
}

func TestEngineError_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("batch: %w", NewError(ErrCodeBatchTimeout, "ceiling hit"))
	if !errors.Is(err, ErrBatchTimeout) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, ErrPoolExhausted) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	rateLimited := NewHTTPError(429).WithRetryAfter(2 * time.Second)
	wrapped := fmt.Errorf("attempt 1: %w", rateLimited)

	if !IsRetryable(wrapped) {
		t.Error("IsRetryable should see through wrapping")
	}
	if CategoryOf(wrapped) != CategoryHTTP {
		t.Errorf("CategoryOf = %v", CategoryOf(wrapped))
	}
	if CodeOf(wrapped) != ErrCodeHTTPRateLimited {
		t.Errorf("CodeOf = %v", CodeOf(wrapped))
	}
	if RetryAfterOf(wrapped) != 2*time.Second {
		t.Errorf("RetryAfterOf = %v", RetryAfterOf(wrapped))
	}

	plain := errors.New("plain")
	if IsRetryable(plain) || CategoryOf(plain) != CategoryInternal || CodeOf(plain) != "" {
		t.Error("plain errors should have no engine metadata")
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	if Wrap(nil, ErrCodeInternalError, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	inner := NewHTTPError(503)
	outer := Wrap(inner, ErrCodeStoreWrite, "write failed")
	if !outer.Retryable || outer.HTTPStatus != 503 {
		t.Errorf("Wrap should keep retry hints, got retryable=%v status=%d", outer.Retryable, outer.HTTPStatus)
	}
	if !errors.Is(outer, inner) {
		t.Error("inner error should remain reachable")
	}
}
