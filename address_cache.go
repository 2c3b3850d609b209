package tpu_sender

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type contactSource interface {
	ClusterNodes(ctx context.Context) ([]*ClusterNode, error)
}

// AddressCache maps validator identity to TPU addresses. Entries expire after
// the configured TTL and are only ever evicted by expiry. Validators without a
// published address are cached too so a missing leader does not trigger a
// contact-info fetch on every call.
type AddressCache struct {
	rpc        contactSource
	ttl        time.Duration
	rpcTimeout time.Duration
	retries    int
	backoff    backoff

	entries *expirable.LRU[string, LeaderTpuAddress]
	refresh singleflight.Group
}

func NewAddressCache(rpc contactSource, cfg Config) *AddressCache {
	return &AddressCache{
		rpc:        rpc,
		ttl:        cfg.AddressTTL,
		rpcTimeout: cfg.RPCTimeout,
		retries:    cfg.MaxRetries,
		backoff:    backoff{base: cfg.RetryBaseDelay, max: cfg.RetryMaxDelay},
		entries:    expirable.NewLRU[string, LeaderTpuAddress](0, nil, cfg.AddressTTL),
	}
}

// Lookup returns the addresses for identity, fetching cluster contact info on a
// miss or after expiry. ErrAddressUnavailable is returned when the validator
// publishes no TPU address; a *ResolutionError when contact info cannot be
// fetched. If ctx ends while a shared fetch is in flight, ctx.Err() is returned.
func (c *AddressCache) Lookup(ctx context.Context, identity string) (LeaderTpuAddress, error) {
	if a, ok := c.get(identity); ok {
		addressCacheLookups.WithLabelValues("hit").Inc()
		return a, a.check()
	}
	addressCacheLookups.WithLabelValues("miss").Inc()

	if err := c.refreshNodes(ctx); err != nil {
		return LeaderTpuAddress{}, err
	}

	a, ok := c.get(identity)
	if !ok {
		a = LeaderTpuAddress{Identity: identity, ResolvedAt: time.Now()}
		c.entries.Add(identity, a)
	}
	return a, a.check()
}

// Invalidate drops identity so the next Lookup re-resolves it.
func (c *AddressCache) Invalidate(identity string) {
	c.entries.Remove(identity)
}

func (c *AddressCache) Len() int {
	return c.entries.Len()
}

func (c *AddressCache) get(identity string) (LeaderTpuAddress, bool) {
	a, ok := c.entries.Get(identity)
	if !ok || time.Since(a.ResolvedAt) >= c.ttl {
		return LeaderTpuAddress{}, false
	}
	return a, true
}

// refreshNodes fetches contact info once for all concurrent callers. The fetch
// is detached from the caller that started it and bounded by its own budget;
// each caller only stops waiting when its own ctx is done.
func (c *AddressCache) refreshNodes(ctx context.Context) error {
	ch := c.refresh.DoChan("cluster_nodes", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshBudget())
		defer cancel()

		var nodes []*ClusterNode
		attempts, err := c.backoff.retry(ctx, c.retries, func(ctx context.Context) error {
			var err error
			nodes, err = c.rpc.ClusterNodes(ctx)
			return err
		}, func(attempt int, err error) {
			resolutionRetries.Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("AddressCache::refreshNodes retrying")
		})
		if err != nil {
			return nil, &ResolutionError{Attempts: attempts, Err: err}
		}

		now := time.Now()
		stored := 0
		for _, n := range nodes {
			if n == nil || validateIdentity(n.PubKey) != nil {
				continue
			}
			c.entries.Add(n.PubKey, LeaderTpuAddress{
				Identity:   n.PubKey,
				UDP:        n.TPU,
				QUIC:       n.TPUQuic,
				ResolvedAt: now,
			})
			stored++
		}
		log.Info().Int("node_count", stored).Msg("AddressCache::refreshNodes ClusterNodes Loaded")
		return nil, nil
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *AddressCache) refreshBudget() time.Duration {
	n := time.Duration(c.retries)
	return c.rpcTimeout*(n+1) + c.backoff.max*n
}

func (a LeaderTpuAddress) check() error {
	if a.UDP == "" && a.QUIC == "" {
		return fmt.Errorf("%w: %s", ErrAddressUnavailable, a.Identity)
	}
	return nil
}

// Select picks the socket address to use for protocol p. ProtocolAuto prefers
// QUIC when published and falls back to UDP.
func (a LeaderTpuAddress) Select(p Protocol) (string, Protocol, error) {
	switch p {
	case ProtocolQUIC:
		if a.QUIC != "" {
			return a.QUIC, ProtocolQUIC, nil
		}
	case ProtocolAuto:
		if a.QUIC != "" {
			return a.QUIC, ProtocolQUIC, nil
		}
		if a.UDP != "" {
			return a.UDP, ProtocolUDP, nil
		}
	default:
		if a.UDP != "" {
			return a.UDP, ProtocolUDP, nil
		}
	}
	return "", p, fmt.Errorf("%w: %s has no %s address", ErrAddressUnavailable, a.Identity, p)
}
