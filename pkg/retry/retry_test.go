package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	gompErrors "github.com/bardlex/gompminer/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts = 3, got %d", config.MaxAttempts)
	}

	if config.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected BaseDelay = 100ms, got %v", config.BaseDelay)
	}

	if config.MaxDelay != 5*time.Second {
		t.Errorf("Expected MaxDelay = 5s, got %v", config.MaxDelay)
	}

	if !config.Jitter {
		t.Error("Expected Jitter = true")
	}
}

func TestReconnectConfig_Schedule(t *testing.T) {
	config := ReconnectConfig()

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}

	for attempt, expected := range want {
		if got := config.Delay(attempt); got != expected {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, expected)
		}
	}

	// Large attempt counts must not overflow past the cap.
	if got := config.Delay(200); got != 30*time.Second {
		t.Errorf("Delay(200) = %v, want 30s", got)
	}
}

func TestConfig_Delay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{5, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := config.Delay(tt.attempt); got != tt.expected {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestConfig_Delay_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	delay := config.Delay(0)
	if delay < 100*time.Millisecond || delay > 110*time.Millisecond {
		t.Errorf("Delay with jitter out of range: %v", delay)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	config := &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	err := Do(context.Background(), config, func() error {
		callCount++
		if callCount == 1 {
			return gompErrors.New(gompErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	config := &Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	err := Do(context.Background(), config, func() error {
		callCount++
		return gompErrors.New(gompErrors.ErrorTypeNetwork, "test", "persistent error")
	})
	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if !gompErrors.IsType(err, gompErrors.ErrorTypeInternal) {
		t.Error("Expected wrapped error to be internal type")
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		callCount++
		return gompErrors.New(gompErrors.ErrorTypeRejected, "submit", "duplicate share")
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry), got %d", callCount)
	}
	if !gompErrors.IsType(err, gompErrors.ErrorTypeRejected) {
		t.Error("Expected original rejected error type")
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		cancel()
		return gompErrors.New(gompErrors.ErrorTypeNetwork, "test", "network error")
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	config := &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	result, err := DoWithResult(context.Background(), config, func() (string, error) {
		callCount++
		if callCount == 1 {
			return "", gompErrors.New(gompErrors.ErrorTypeTimeout, "test", "no answer")
		}
		return "success", nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if result != "success" {
		t.Errorf("Expected result 'success', got '%s'", result)
	}
}

func TestDo_RegularError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), nil, func() error {
		callCount++
		return errors.New("regular error")
	})
	if err == nil {
		t.Error("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for regular error), got %d", callCount)
	}
}
