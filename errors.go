package tpu_sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	ErrResolution            = errors.New("cluster topology resolution failed")
	ErrAddressUnavailable    = errors.New("validator publishes no tpu address")
	ErrConnect               = errors.New("tpu connect failed")
	ErrTimeout               = errors.New("tpu send timed out")
	ErrAllDestinationsFailed = errors.New("all destinations failed")
	ErrInvalidTransaction    = errors.New("invalid transaction payload")
	ErrClosed                = errors.New("sender closed")
)

// ResolutionError is returned once leader resolution has exhausted its retries.
type ResolutionError struct {
	Attempts int
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrResolution, e.Attempts, e.Err)
}

func (e *ResolutionError) Unwrap() []error {
	return []error{ErrResolution, e.Err}
}

// AttemptError is the per-destination failure carried in a SubmissionResult.
type AttemptError struct {
	Addr    string
	Outcome Outcome
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Addr, e.Outcome, e.Err)
}

func (e *AttemptError) Unwrap() []error {
	switch e.Outcome {
	case OutcomeTimeout:
		return []error{ErrTimeout, e.Err}
	case OutcomeConnectError:
		return []error{ErrConnect, e.Err}
	}
	return []error{e.Err}
}

// classify maps a transport error to an attempt outcome.
func classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrConnect) {
		return OutcomeConnectError
	}
	if isTimeout(err) {
		return OutcomeTimeout
	}
	return OutcomeNetworkError
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
