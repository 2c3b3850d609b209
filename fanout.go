package tpu_sender

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type connSource interface {
	Get(ctx context.Context, identity string, addr string, p Protocol) (Transport, error)
}

// FanoutSender writes one payload to many leaders at once. Destinations are
// independent: a slow or failing leader never holds up the others.
type FanoutSender struct {
	conns       connSource
	timeout     time.Duration
	maxInflight int
}

func NewFanoutSender(conns connSource, cfg Config) *FanoutSender {
	return &FanoutSender{
		conns:       conns,
		timeout:     cfg.SendTimeout,
		maxInflight: cfg.MaxInflight,
	}
}

// Send returns one attempt per destination, in destination order. It returns
// once every destination has succeeded, failed, or hit its timeout.
func (f *FanoutSender) Send(ctx context.Context, raw []byte, dests []Destination) []SubmissionAttempt {
	attempts := make([]SubmissionAttempt, len(dests))

	var g errgroup.Group
	g.SetLimit(f.maxInflight)
	for i, d := range dests {
		g.Go(func() error {
			attempts[i] = f.sendOne(ctx, raw, d)
			return nil
		})
	}
	_ = g.Wait()

	return attempts
}

func (f *FanoutSender) sendOne(ctx context.Context, raw []byte, d Destination) SubmissionAttempt {
	dctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	errC := make(chan error, 1)
	go func() {
		t, err := f.conns.Get(dctx, d.Identity, d.Addr, d.Protocol)
		if err != nil {
			errC <- err
			return
		}
		errC <- t.Send(dctx, raw)
	}()

	var (
		err     error
		outcome Outcome
	)
	select {
	case err = <-errC:
		outcome = classify(err)
	case <-dctx.Done():
		err = fmt.Errorf("%w: %v", ErrTimeout, dctx.Err())
		outcome = OutcomeTimeout
	}

	a := SubmissionAttempt{
		Destination: d,
		Timestamp:   start,
		Duration:    time.Since(start),
		Outcome:     outcome,
	}
	if err != nil {
		a.Err = &AttemptError{Addr: d.Addr, Outcome: outcome, Err: err}
		log.Error().Err(err).Str("leader", d.Identity).Str("addr", d.Addr).Str("outcome", outcome.String()).Msg("FanoutSender::sendOne failed")
	}

	attemptsTotal.WithLabelValues(outcome.String(), string(d.Protocol)).Inc()
	sendDuration.Observe(a.Duration.Seconds())
	return a
}
