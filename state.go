package tpu_sender

import (
	"fmt"

	"github.com/rs/zerolog"
)

// State is a step of a single Send call. A call only moves forward.
type State int

const (
	StateIdle State = iota
	StateResolvingLeaders
	StateConnecting
	StateSending
	StateAggregating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingLeaders:
		return "resolving_leaders"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateAggregating:
		return "aggregating"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type callState struct {
	state   State
	success bool
	logger  zerolog.Logger
}

func newCallState(logger zerolog.Logger) *callState {
	return &callState{state: StateIdle, logger: logger}
}

func (c *callState) advance(next State) error {
	if next <= c.state {
		return fmt.Errorf("invalid transition %s -> %s", c.state, next)
	}
	c.logger.Debug().Str("from", c.state.String()).Str("to", next.String()).Msg("TransactionSender::Send state")
	c.state = next
	return nil
}

// finish moves to Done from any state, recording the verdict.
func (c *callState) finish(success bool) {
	if c.state == StateDone {
		return
	}
	c.success = success
	_ = c.advance(StateDone)
	c.logger.Debug().Bool("success", c.success).Msg("TransactionSender::Send finished")
}
