package tpu_sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

type slotSource interface {
	Latest(maxAge time.Duration) (uint64, bool)
}

// ClusterResolver finds the current slot and the leaders of the look-ahead window.
type ClusterResolver struct {
	rpc     *RPCService
	slots   slotSource
	cfg     Config
	backoff backoff

	mu       sync.Mutex
	schedule *SlotLeaderSchedule
}

// NewClusterResolver builds a resolver. slots may be nil, in which case every
// resolution asks the RPC node for the current slot.
func NewClusterResolver(rpc *RPCService, slots slotSource, cfg Config) *ClusterResolver {
	return &ClusterResolver{
		rpc:     rpc,
		slots:   slots,
		cfg:     cfg,
		backoff: backoff{base: cfg.RetryBaseDelay, max: cfg.RetryMaxDelay},
	}
}

// Resolve returns the schedule positioned at the current slot. Transient RPC
// failures are retried with exponential backoff; once retries are exhausted a
// *ResolutionError is returned and no stale schedule is used.
func (r *ClusterResolver) Resolve(ctx context.Context) (*SlotLeaderSchedule, error) {
	var sched *SlotLeaderSchedule
	attempts, err := r.backoff.retry(ctx, r.cfg.MaxRetries, func(ctx context.Context) error {
		s, err := r.resolveOnce(ctx)
		if err != nil {
			return err
		}
		sched = s
		return nil
	}, func(attempt int, err error) {
		resolutionRetries.Inc()
		log.Warn().Err(err).Int("attempt", attempt).Msg("ClusterResolver::Resolve retrying")
	})
	if err != nil {
		return nil, &ResolutionError{Attempts: attempts, Err: err}
	}

	return sched, nil
}

func (r *ClusterResolver) resolveOnce(ctx context.Context) (*SlotLeaderSchedule, error) {
	slot, err := r.currentSlot(ctx)
	if err != nil {
		return nil, err
	}
	last := slot + r.cfg.windowSlots() - 1

	r.mu.Lock()
	cached := r.schedule
	r.mu.Unlock()
	if cached != nil && cached.Covers(slot, last) && time.Since(cached.FetchedAt) < r.cfg.ScheduleTTL {
		return cached.at(slot), nil
	}

	tn := time.Now()
	ids, err := r.rpc.SlotLeaders(ctx, slot, uint64(r.cfg.ScheduleSlots))
	if err != nil {
		return nil, err
	}
	if uint64(len(ids)) < r.cfg.windowSlots() {
		return nil, fmt.Errorf("getSlotLeaders: %d leaders returned, need %d", len(ids), r.cfg.windowSlots())
	}

	sched := &SlotLeaderSchedule{
		FirstSlot: slot,
		Leaders:   make([]SlotLeader, len(ids)),
		FetchedAt: time.Now(),
	}
	for i, id := range ids {
		if err := validateIdentity(id); err != nil {
			return nil, fmt.Errorf("getSlotLeaders: slot %d: %w", slot+uint64(i), err)
		}
		sched.Leaders[i] = SlotLeader{Slot: slot + uint64(i), Identity: id}
	}

	r.mu.Lock()
	r.schedule = sched
	r.mu.Unlock()

	log.Info().Uint64("slot", slot).Uint64("last_slot", sched.LastSlot()).Msgf("ClusterResolver::resolveOnce schedule loaded in %s", time.Since(tn))
	return sched.at(slot), nil
}

func (r *ClusterResolver) currentSlot(ctx context.Context) (uint64, error) {
	if r.slots != nil {
		if slot, ok := r.slots.Latest(r.cfg.SlotStaleAfter); ok {
			return slot, nil
		}
	}
	return r.rpc.Slot(ctx)
}

// at returns a view of the schedule positioned at slot. Leaders is shared and
// must not be modified.
func (s *SlotLeaderSchedule) at(slot uint64) *SlotLeaderSchedule {
	out := *s
	out.CurrentSlot = slot
	return &out
}

func validateIdentity(id string) error {
	b, err := base58.Decode(id)
	if err != nil {
		return fmt.Errorf("identity %q: %w", id, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("identity %q: decoded to %d bytes", id, len(b))
	}
	return nil
}
