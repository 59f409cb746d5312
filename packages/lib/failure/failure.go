// Package failure holds the error kinds shared by the provisioning core and
// its adapters. NotFound, AlreadyExists (conflict), Forbidden, NotValid and
// Timeout are the juju/errors kinds; external tool failures get their own
// type so the raw diagnostic survives every annotation hop.
package failure

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ExternalToolFailure matches any *ToolError with errors.Is.
const ExternalToolFailure = errors.ConstError("external tool failure")

// ToolError is returned when an external process exits non-zero or a client
// library talking to an external system fails.
type ToolError struct {
	Tool       string
	Diagnostic string
	Err        error
}

func (e *ToolError) Error() string {
	msg := e.Tool + " failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

func (e *ToolError) Is(target error) bool { return target == ExternalToolFailure }

// Tool builds a *ToolError. A context deadline is reported as a timeout
// instead, because the external side effect may or may not have happened.
func Tool(tool, diagnostic string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return errors.Timeoutf("%s", tool)
	}
	return &ToolError{Tool: tool, Diagnostic: diagnostic, Err: cause}
}

// Diagnostic returns the raw tool output carried by err, if any.
func Diagnostic(err error) string {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Diagnostic
	}
	return ""
}

// Kind returns a stable code for err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.NotFound):
		return "not_found"
	case errors.Is(err, errors.AlreadyExists):
		return "conflict"
	case errors.Is(err, errors.Forbidden):
		return "forbidden"
	case errors.Is(err, errors.Unauthorized):
		return "unauthorized"
	case errors.Is(err, errors.NotValid):
		return "invalid"
	case errors.Is(err, errors.Timeout):
		return "timeout"
	case errors.Is(err, ExternalToolFailure):
		return "external_tool_failure"
	default:
		return "internal"
	}
}

// Step records which step of a multi-step workflow failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// AtStep wraps err with the name of the step that produced it.
func AtStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// FailedStep returns the step name recorded on err, if any.
func FailedStep(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
