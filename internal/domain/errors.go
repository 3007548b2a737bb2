package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors checked with errors.Is.
var (
	// ErrOverrun reports that a consumer had not released its stream
	// subscription when the next item arrived. Clock-driven and live
	// sessions count it and deliver anyway.
	ErrOverrun = errors.New("subscription overrun")

	// ErrTimeout reports that a data-driven session waited longer than the
	// subscription timeout for a consumer. The session cannot continue.
	ErrTimeout = errors.New("subscription wait timed out")

	// ErrIncomplete reports that an aggregation bucket did not have 100%
	// of its source bars. Callers skip the bucket and may retry later.
	ErrIncomplete = errors.New("incomplete source data")
)

// ConfigError reports invalid or unusable configuration. It is fatal at
// startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ErrClockUninitialized reports access to the backtest clock before it was
// initialized. It is a configuration error: the session was started without
// a valid time window.
var ErrClockUninitialized = &ConfigError{
	Field:  "backtest_time",
	Reason: "accessed before initialization",
}

// AvailabilityError reports that required data does not exist for a symbol.
// The symbol is dropped for the day; the session continues with the rest.
type AvailabilityError struct {
	Symbol   string
	Interval Interval
	Reason   string
	Err      error
}

func (e *AvailabilityError) Error() string {
	msg := fmt.Sprintf("no data for %s", e.Symbol)
	if e.Interval != "" {
		msg += fmt.Sprintf(" at %s", e.Interval)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AvailabilityError) Unwrap() error { return e.Err }

// CriticalError reports a broken engine invariant, for example a bar
// timestamp outside the session window or a non-monotonic append. The
// session aborts.
type CriticalError struct {
	Op     string
	Detail string
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical: %s: %s", e.Op, e.Detail)
}

// AdapterError wraps a failure inside a data adapter. Gap filling retries
// these a bounded number of times; during initial load they are fatal when
// unrecoverable.
type AdapterError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("adapter: %s %s: %v", e.Op, e.Symbol, e.Err)
	}
	return fmt.Sprintf("adapter: %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
