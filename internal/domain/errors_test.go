package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTaxonomy(t *testing.T) {
	// Sentinels survive wrapping.
	wrapped := fmt.Errorf("waiting for processor: %w", ErrTimeout)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Error("wrapped ErrTimeout not detected by errors.Is")
	}
	if errors.Is(wrapped, ErrOverrun) {
		t.Error("ErrTimeout should not match ErrOverrun")
	}

	// ConfigError is matched by errors.As through wrapping.
	cfgErr := NewConfigError("speed_multiplier", "must be >= 0, got %v", -1.0)
	wrapped = fmt.Errorf("loading session: %w", cfgErr)
	var ce *ConfigError
	if !errors.As(wrapped, &ce) {
		t.Fatal("wrapped ConfigError not detected by errors.As")
	}
	if ce.Field != "speed_multiplier" {
		t.Errorf("ConfigError.Field = %q, want %q", ce.Field, "speed_multiplier")
	}

	// The uninitialized-clock sentinel is itself a ConfigError.
	if !errors.As(error(ErrClockUninitialized), &ce) {
		t.Error("ErrClockUninitialized should be a *ConfigError")
	}
	if !errors.Is(fmt.Errorf("now: %w", ErrClockUninitialized), ErrClockUninitialized) {
		t.Error("wrapped ErrClockUninitialized not detected by errors.Is")
	}

	// AvailabilityError unwraps to its cause.
	cause := errors.New("file not found")
	avail := &AvailabilityError{Symbol: "MSFT", Interval: Interval1m, Err: cause}
	if !errors.Is(avail, cause) {
		t.Error("AvailabilityError should unwrap to its cause")
	}
	var ae *AvailabilityError
	if !errors.As(fmt.Errorf("provisioning: %w", avail), &ae) {
		t.Error("wrapped AvailabilityError not detected by errors.As")
	}

	// AdapterError unwraps too.
	adErr := &AdapterError{Op: "get_bars", Symbol: "AAPL", Err: cause}
	if !errors.Is(adErr, cause) {
		t.Error("AdapterError should unwrap to its cause")
	}
}
