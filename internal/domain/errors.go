package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIntent rejects malformed input before any side effect.
	ErrInvalidIntent = errors.New("invalid intent")
	// ErrUnknownService is an attribution gap. It is logged, never returned to submitters.
	ErrUnknownService = errors.New("unknown service")
	// ErrInvalidTransition reports a state-machine violation; current state is unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDispatchExhausted is recorded on the incident timeline when retries run out.
	ErrDispatchExhausted = errors.New("dispatch exhausted")
	// ErrInvalidRule rejects a rule definition at administration time.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidOwnership rejects a malformed ownership sync.
	ErrInvalidOwnership = errors.New("invalid ownership")
)

// RuleEvaluationError marks a condition that could not be evaluated.
// The rule it belongs to is treated as not matched.
type RuleEvaluationError struct {
	RuleID   string
	Field    ConditionField
	Operator ConditionOperator
	Err      error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %s %s: %v", e.RuleID, e.Field, e.Operator, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// InvalidIntentf wraps ErrInvalidIntent with a reason.
func InvalidIntentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidIntent, fmt.Sprintf(format, args...))
}

// InvalidTransitionf wraps ErrInvalidTransition with a reason.
func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}
