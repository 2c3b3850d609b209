package tpu_sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// TransactionSender pushes already-signed transactions straight to the TPU of
// the current and upcoming leaders. The schedule, address cache and connection
// pool live as long as the sender and are shared by concurrent Send calls.
type TransactionSender struct {
	endpoint ClusterEndpoint
	cfg      Config

	slots    *SlotWatcher
	resolver *ClusterResolver
	addrs    *AddressCache
	conns    *ConnectionManager
	fanout   *FanoutSender
}

func NewTransactionSender(endpoint ClusterEndpoint, cfg Config) (*TransactionSender, error) {
	dialer, err := newTPUDialer()
	if err != nil {
		return nil, err
	}
	return newTransactionSender(endpoint, cfg, dialer.Dial)
}

func newTransactionSender(endpoint ClusterEndpoint, cfg Config, dial dialFunc) (*TransactionSender, error) {
	if endpoint.HTTPURL == "" {
		return nil, errors.New("invalid rpc endpoint")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rpc := &RPCService{}
	if err := rpc.Load(endpoint.HTTPURL, cfg.RPCTimeout); err != nil {
		return nil, err
	}

	s := &TransactionSender{
		endpoint: endpoint,
		cfg:      cfg,
		addrs:    NewAddressCache(rpc, cfg),
	}

	var slots slotSource
	if endpoint.WebsocketURL != "" {
		s.slots = NewSlotWatcher(endpoint.WebsocketURL, backoff{base: cfg.RetryBaseDelay, max: cfg.RetryMaxDelay})
		s.slots.Start()
		slots = s.slots
	}

	s.resolver = NewClusterResolver(rpc, slots, cfg)
	s.conns = NewConnectionManager(cfg, dial)
	s.fanout = NewFanoutSender(s.conns, cfg)

	return s, nil
}

// Send submits raw to the leader of the current slot and the configured number
// of upcoming leaders. raw is copied and never modified. The returned result
// is non-nil whenever destinations were attempted; the error is non-nil when
// leader resolution failed or every destination failed.
func (s *TransactionSender) Send(ctx context.Context, raw []byte) (*SubmissionResult, error) {
	if len(raw) == 0 || len(raw) > PacketDataSize {
		submissionsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidTransaction, len(raw), PacketDataSize)
	}
	payload := bytes.Clone(raw)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	st := newCallState(log.Logger)
	_ = st.advance(StateResolvingLeaders)
	sched, err := s.resolver.Resolve(ctx)
	if err != nil {
		st.finish(false)
		submissionsTotal.WithLabelValues("resolution_error").Inc()
		log.Error().Err(err).Msg("TransactionSender::Send resolution error")
		return nil, err
	}

	_ = st.advance(StateConnecting)
	leaders := sched.UpcomingLeaders(sched.CurrentSlot, s.cfg.LookaheadLeaders)
	dests, skipped, err := s.destinations(ctx, leaders)
	if err != nil {
		st.finish(false)
		submissionsTotal.WithLabelValues("resolution_error").Inc()
		log.Error().Err(err).Msg("TransactionSender::Send contact info error")
		return nil, err
	}

	_ = st.advance(StateSending)
	attempts := s.fanout.Send(ctx, payload, dests)
	for _, a := range attempts {
		if a.Outcome == OutcomeConnectError {
			s.addrs.Invalidate(a.Destination.Identity)
		}
	}

	_ = st.advance(StateAggregating)
	res := Aggregate(attempts)
	res.Slot = sched.CurrentSlot
	res.Skipped = skipped
	st.finish(res.Success)

	if res.Success {
		submissionsTotal.WithLabelValues("success").Inc()
	} else {
		submissionsTotal.WithLabelValues("failure").Inc()
	}
	log.Info().
		Uint64("slot", res.Slot).
		Int("destinations", len(dests)).
		Int("succeeded", res.Succeeded()).
		Int("skipped", len(skipped)).
		Msg("Sending Txn")

	return res, res.Err()
}

// destinations resolves each leader's TPU address. Leaders without a usable
// address are skipped; destinations sharing an address are sent to once.
func (s *TransactionSender) destinations(ctx context.Context, leaders []SlotLeader) ([]Destination, []error, error) {
	var (
		dests   []Destination
		skipped []error
		seen    = make(map[string]struct{}, len(leaders))
	)
	for _, l := range leaders {
		a, err := s.addrs.Lookup(ctx, l.Identity)
		if err != nil && (errors.Is(err, ErrResolution) || ctx.Err() != nil) {
			return nil, nil, err
		}

		var (
			addr  string
			proto Protocol
		)
		if err == nil {
			addr, proto, err = a.Select(s.cfg.Protocol)
		}
		if err != nil {
			log.Warn().Err(err).Str("leader", l.Identity).Uint64("slot", l.Slot).Msg("TransactionSender::destinations skipping leader")
			skipped = append(skipped, err)
			continue
		}

		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		dests = append(dests, Destination{Identity: l.Identity, Slot: l.Slot, Addr: addr, Protocol: proto})
	}
	return dests, skipped, nil
}

func (s *TransactionSender) Endpoint() ClusterEndpoint {
	return s.endpoint
}

func (s *TransactionSender) Close() error {
	if s.slots != nil {
		_ = s.slots.Close()
	}
	return s.conns.Close()
}

var registry = struct {
	mu      sync.Mutex
	senders map[ClusterEndpoint]*TransactionSender
}{senders: map[ClusterEndpoint]*TransactionSender{}}

func senderFor(endpoint ClusterEndpoint) (*TransactionSender, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if s, ok := registry.senders[endpoint]; ok {
		return s, nil
	}
	s, err := NewTransactionSender(endpoint, DefaultConfig())
	if err != nil {
		return nil, err
	}
	registry.senders[endpoint] = s
	return s, nil
}

// Submit sends the first length bytes of rawTx through a sender shared by all
// calls for the same endpoints. It reports whether at least one leader
// accepted the write, not whether the transaction landed.
func Submit(rpcURL string, wsURL string, rawTx []byte, length int) bool {
	if length < 0 || length > len(rawTx) {
		log.Error().Int("length", length).Int("buffer", len(rawTx)).Msg("Submit invalid length")
		return false
	}

	s, err := senderFor(ClusterEndpoint{HTTPURL: rpcURL, WebsocketURL: wsURL})
	if err != nil {
		log.Error().Err(err).Str("rpc", rpcURL).Msg("Submit sender init failed")
		return false
	}

	res, err := s.Send(context.Background(), rawTx[:length])
	if err != nil {
		log.Error().Err(err).Msg("Submit failed")
		return false
	}
	return res.Success
}

// CloseAll closes every sender created by Submit.
func CloseAll() error {
	registry.mu.Lock()
	senders := registry.senders
	registry.senders = map[ClusterEndpoint]*TransactionSender{}
	registry.mu.Unlock()

	var errs []error
	for _, s := range senders {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
