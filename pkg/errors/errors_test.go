package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CategoryConnection, SeverityMedium, "control session lost")
	if err.Category != CategoryConnection {
		t.Errorf("Category = %s, want %s", err.Category, CategoryConnection)
	}
	if err.Severity != SeverityMedium {
		t.Errorf("Severity = %s, want %s", err.Severity, SeverityMedium)
	}
	if err.Message != "control session lost" {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Retryable {
		t.Error("New should produce a non-retryable error")
	}
}

func TestWrapUnwrapsToUnderlying(t *testing.T) {
	underlying := fmt.Errorf("connection refused")
	err := Wrap(CategoryCircuit, SeverityHigh, "extending circuit", underlying)

	if !errors.Is(err, underlying) {
		t.Error("wrapped error should unwrap to the underlying error")
	}
	if err.Retryable {
		t.Error("Wrap should produce a non-retryable error")
	}
}

func TestRetryableConstructors(t *testing.T) {
	if !NewRetryable(CategoryTimeout, SeverityMedium, "build timed out").Retryable {
		t.Error("NewRetryable should mark the error retryable")
	}
	wrapped := WrapRetryable(CategoryNetwork, SeverityMedium, "proxy connect", fmt.Errorf("refused"))
	if !wrapped.Retryable {
		t.Error("WrapRetryable should mark the error retryable")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without underlying",
			err:  New(CategoryConnection, SeverityLow, "ping failed"),
			want: "[connection:low] ping failed",
		},
		{
			name: "with underlying",
			err:  Wrap(CategoryCircuit, SeverityHigh, "extend failed", fmt.Errorf("551 internal error")),
			want: "[circuit:high] extend failed: 551 internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByCategory(t *testing.T) {
	err := CircuitError("extend failed", fmt.Errorf("timeout"))
	if !errors.Is(err, &Error{Category: CategoryCircuit}) {
		t.Error("errors.Is should match by category")
	}
	if errors.Is(err, &Error{Category: CategoryNetwork}) {
		t.Error("errors.Is should not match a different category")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NetworkError("dial failed", nil)) {
		t.Error("NetworkError should be retryable")
	}
	if IsRetryable(ConfigurationError("bad anchors", nil)) {
		t.Error("ConfigurationError should not be retryable")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("foreign errors should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if got := GetCategory(CircuitError("extend failed", nil)); got != CategoryCircuit {
		t.Errorf("GetCategory = %s, want %s", got, CategoryCircuit)
	}
	if got := GetCategory(fmt.Errorf("plain")); got != CategoryInternal {
		t.Errorf("GetCategory of a foreign error = %s, want %s", got, CategoryInternal)
	}
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	inner := CircuitError("extend failed", nil)
	outer := fmt.Errorf("building circuit: %w", inner)
	if !IsRetryable(outer) {
		t.Error("retryability should survive fmt.Errorf wrapping")
	}
}

func TestConvenienceConstructorCategories(t *testing.T) {
	tests := []struct {
		err      *Error
		category Category
		retry    bool
	}{
		{CircuitError("", nil), CategoryCircuit, true},
		{NetworkError("", nil), CategoryNetwork, true},
		{ConfigurationError("", nil), CategoryConfiguration, false},
	}
	for _, tt := range tests {
		if tt.err.Category != tt.category {
			t.Errorf("category = %s, want %s", tt.err.Category, tt.category)
		}
		if tt.err.Retryable != tt.retry {
			t.Errorf("%s: Retryable = %v, want %v", tt.category, tt.err.Retryable, tt.retry)
		}
	}
}
