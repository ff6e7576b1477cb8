package manager

import (
	"fmt"
	"strings"
	"time"

	"testctx/internal/mode"
)

// State is a step of the acquisition state machine.
type State string

const (
	StateResolving    State = "Resolving"
	StateInitializing State = "Initializing"
	StateFallingBack  State = "FallingBack"
	StateReady        State = "Ready"
	StateFailed       State = "Failed"
	StateReleased     State = "Released"
)

// Transition is one state change of a run.
type Transition struct {
	RunID string
	From  State
	To    State
	// Mode is set for Initializing.
	Mode mode.TestMode
}

func (t Transition) String() string {
	if t.Mode != "" {
		return fmt.Sprintf("%s -> %s(%s)", t.From, t.To, t.Mode)
	}
	return fmt.Sprintf("%s -> %s", t.From, t.To)
}

// Attempt records one mode that was tried and why it failed. Err is nil for
// the successful attempt.
type Attempt struct {
	Mode     mode.TestMode
	Err      error
	Duration time.Duration
}

// ExhaustedError is returned when every candidate mode failed.
type ExhaustedError struct {
	Requested mode.TestMode
	Attempts  []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Mode, a.Err))
	}
	return fmt.Sprintf("no test context available for %s mode, tried %d: %s", e.Requested, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes the individual attempt errors to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			out = append(out, a.Err)
		}
	}
	return out
}

// Modes lists the attempted modes in order.
func (e *ExhaustedError) Modes() []mode.TestMode {
	out := make([]mode.TestMode, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Mode
	}
	return out
}
