package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"no connection", ErrNoConnection, true},
		{"load timeout", ErrLoadTimeout, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"zone not found", ErrZoneNotFound, false},
		{"wrapped zone not found", fmt.Errorf("backend: %w", ErrZoneNotFound), false},
		{"invalid zone", ErrInvalidZone, false},
		{"network in message", fmt.Errorf("network unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"unknown backend", ErrUnknownBackend, true},
		{"resource exhausted", ErrResourceExhausted, true},
		{"panic in message", fmt.Errorf("panic: boom"), true},
		{"zone not found", ErrZoneNotFound, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"empty zone name", ErrEmptyZoneName, true},
		{"invalid zone", ErrInvalidZone, true},
		{"parsing failed", ErrParsingFailed, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("x")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"timeout", ErrConnectionTimeout, ErrorTransient},
		{"config", ErrInvalidConfig, ErrorFatal},
		{"zone missing", ErrZoneNotFound, ErrorInvalid},
		{"unknown", fmt.Errorf("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "Loader", "Load", "backend load") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	err := Wrap(ErrZoneNotFound, "Loader", "Load", "backend load")
	want := "Loader.Load: backend load failed: zone not found"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, ErrZoneNotFound) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.wrap(nil, "c", "m", "a") != nil {
				t.Fatal("wrapping nil should return nil")
			}

			err := test.wrap(ErrZoneNotFound, "Scheduler", "cycle", "resolve")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "Scheduler" || ce.Operation != "cycle" {
				t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
			}
			if !errors.Is(err, ErrZoneNotFound) {
				t.Error("classified error should unwrap to sentinel")
			}
		})
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.ShouldRetry(nil, 0) {
		t.Error("nil error should not be retried")
	}
	if !cfg.ShouldRetry(ErrConnectionLost, 0) {
		t.Error("transient error should be retried")
	}
	if cfg.ShouldRetry(ErrConnectionLost, cfg.MaxRetries) {
		t.Error("attempt budget should be respected")
	}
	if cfg.ShouldRetry(ErrZoneNotFound, 0) {
		t.Error("missing zone should not be retried")
	}

	cfg.RetryableErrors = []error{ErrRateLimited}
	if cfg.ShouldRetry(ErrConnectionLost, 0) {
		t.Error("only listed errors should be retried")
	}
	if !cfg.ShouldRetry(ErrRateLimited, 0) {
		t.Error("listed error should be retried")
	}
}

func TestRetryConfig_BackoffDelay(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2,
	}

	expected := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	for attempt, want := range expected {
		if got := cfg.BackoffDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig().ToRetryConfig()

	if rc.MaxAttempts != DefaultRetryConfig().MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", DefaultRetryConfig().MaxRetries+1, rc.MaxAttempts)
	}
	if !rc.AddJitter {
		t.Error("jitter should be enabled")
	}
}
