package provision

import (
	"strings"

	"github.com/juju/errors"
)

type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

type StepOutcome struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Report lists the outcome of every step of a best-effort workflow in the
// order the steps ran.
type Report struct {
	Steps []StepOutcome `json:"steps"`
}

func (r *Report) record(step string, err error) error {
	o := StepOutcome{Step: step, Status: StepDone}
	if err != nil {
		o.Status, o.Error = StepFailed, err.Error()
	}
	r.Steps = append(r.Steps, o)
	return err
}

func (r *Report) skip(step, reason string) {
	r.Steps = append(r.Steps, StepOutcome{Step: step, Status: StepSkipped, Error: reason})
}

// Complete reports whether every step succeeded.
func (r Report) Complete() bool {
	for _, s := range r.Steps {
		if s.Status != StepDone {
			return false
		}
	}
	return true
}

func (r Report) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			out = append(out, s.Step)
		}
	}
	return out
}

func (r Report) Outcome(step string) (StepOutcome, bool) {
	for _, s := range r.Steps {
		if s.Step == step {
			return s, true
		}
	}
	return StepOutcome{}, false
}

// Err summarises failed steps, or returns nil when nothing failed.
func (r Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return errors.Errorf("steps failed: %s", strings.Join(failed, ", "))
}
