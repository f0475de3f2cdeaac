// internal/outcome/outcome.go
package outcome

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies how a run ended.
type Kind string

const (
	KindSuccess             Kind = "SUCCESS"
	KindStartupFailure      Kind = "STARTUP_FAILURE"
	KindNavigationFailure   Kind = "NAVIGATION_FAILURE"
	KindInteractionFailure  Kind = "INTERACTION_FAILURE"
	KindAssertionTimeout    Kind = "ASSERTION_TIMEOUT"
	KindUnexpectedException Kind = "UNEXPECTED_EXCEPTION"
)

// ExitCode maps a kind to the process exit status.
func (k Kind) ExitCode() int {
	switch k {
	case KindSuccess:
		return 0
	case KindStartupFailure:
		return 2
	case KindNavigationFailure:
		return 3
	case KindInteractionFailure:
		return 4
	case KindAssertionTimeout:
		return 5
	default:
		return 1
	}
}

// Error is a failure tagged with its kind and the step that produced it.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s during %q: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and step. A nil err yields nil.
func New(kind Kind, step string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Step: step, Err: err}
}

// Startup, Navigation, Interaction and Timeout are shorthands for New.
func Startup(step string, err error) error     { return New(KindStartupFailure, step, err) }
func Navigation(step string, err error) error  { return New(KindNavigationFailure, step, err) }
func Interaction(step string, err error) error { return New(KindInteractionFailure, step, err) }
func Timeout(step string, err error) error     { return New(KindAssertionTimeout, step, err) }

// Classify returns the kind carried by err. Untyped errors are unexpected.
func Classify(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnexpectedException
}

// StepOf returns the step recorded on err, if any.
func StepOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Step
	}
	return ""
}

// StepTiming records how long a single scenario step took.
type StepTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
	Err      string        `json:"error,omitempty"`
}

// InterceptStats summarises what the network interceptor did during a run.
type InterceptStats struct {
	Fulfilled uint64            `json:"fulfilled"`
	Continued uint64            `json:"continued"`
	Failed    uint64            `json:"failed"`
	RuleHits  map[string]uint64 `json:"rule_hits,omitempty"`
}

// Outcome is the typed result of one harness run.
type Outcome struct {
	RunID      string          `json:"run_id"`
	Scenario   string          `json:"scenario"`
	Kind       Kind            `json:"kind"`
	FailedStep string          `json:"failed_step,omitempty"`
	Message    string          `json:"message,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Steps      []StepTiming    `json:"steps"`
	Intercept  *InterceptStats `json:"intercept,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
	ServerLog  []string        `json:"server_log,omitempty"`
	AppErrors  []string        `json:"app_errors,omitempty"`
	// AppLogLines counts the application log lines read during the run.
	AppLogLines int `json:"app_log_lines,omitempty"`
	// ConsoleErrors are browser console errors and uncaught exceptions.
	ConsoleErrors []string `json:"console_errors,omitempty"`

	err error
}

// Fail records err as the terminal failure of the run. The first failure wins.
func (o *Outcome) Fail(err error) {
	if err == nil || o.err != nil {
		return
	}
	o.err = err
	o.Kind = Classify(err)
	o.FailedStep = StepOf(err)
	o.Message = err.Error()
}

// Err returns the terminal failure, or nil on success.
func (o *Outcome) Err() error { return o.err }

// Passed reports whether the run succeeded.
func (o *Outcome) Passed() bool { return o.err == nil && o.Kind == KindSuccess }

// ExitCode is the process exit status for this outcome.
func (o *Outcome) ExitCode() int {
	if o.err == nil {
		return KindSuccess.ExitCode()
	}
	return o.Kind.ExitCode()
}

// Duration is the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
