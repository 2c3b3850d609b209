package tpu_sender

import (
	"errors"
)

// SubmissionResult is the verdict of one Send call. Success means at least one
// leader accepted the write, not that the transaction landed.
type SubmissionResult struct {
	Slot     uint64
	Attempts []SubmissionAttempt
	// Skipped holds leaders that could not be attempted because they publish no
	// usable TPU address.
	Skipped []error
	Success bool
}

// Aggregate reduces per-destination attempts to a single result. The verdict
// does not depend on attempt order.
func Aggregate(attempts []SubmissionAttempt) *SubmissionResult {
	r := &SubmissionResult{Attempts: attempts}
	for _, a := range attempts {
		if a.Outcome == OutcomeSuccess {
			r.Success = true
			break
		}
	}
	return r
}

func (r *SubmissionResult) Succeeded() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome == OutcomeSuccess {
			n++
		}
	}
	return n
}

// Failures lists the attempts that did not succeed.
func (r *SubmissionResult) Failures() []SubmissionAttempt {
	var out []SubmissionAttempt
	for _, a := range r.Attempts {
		if a.Outcome != OutcomeSuccess {
			out = append(out, a)
		}
	}
	return out
}

// Err is nil on success, otherwise ErrAllDestinationsFailed joined with every
// per-destination error.
func (r *SubmissionResult) Err() error {
	if r.Success {
		return nil
	}

	errs := []error{ErrAllDestinationsFailed}
	for _, a := range r.Failures() {
		errs = append(errs, a.Err)
	}
	errs = append(errs, r.Skipped...)
	return errors.Join(errs...)
}
