package tpu_sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type pooledConn struct {
	transport Transport
	openedAt  time.Time
}

func (c *pooledConn) expired(ttl time.Duration) bool {
	return time.Since(c.openedAt) > ttl
}

// ConnectionManager hands out transports to leader TPU ports. Connections are
// opened lazily, reused while the leader's address is unchanged and younger
// than the TTL, and retired when the address changes.
type ConnectionManager struct {
	ttl         time.Duration
	grace       time.Duration
	dialTimeout time.Duration
	dial        dialFunc

	mu     sync.Mutex
	conns  map[string]*pooledConn
	closed bool

	dialing singleflight.Group

	stop chan struct{}
	done chan struct{}
}

func NewConnectionManager(cfg Config, dial dialFunc) *ConnectionManager {
	m := &ConnectionManager{
		ttl:         cfg.ConnectionTTL,
		grace:       cfg.SubmitTimeout,
		dialTimeout: cfg.SendTimeout,
		dial:        dial,
		conns:       map[string]*pooledConn{},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	go m.tidyWorker()

	return m
}

// Get returns a transport for identity at addr, dialing on first use. A
// failure to create the socket is reported as ErrConnect. Concurrent callers
// share one dial that is not tied to any caller's ctx; a caller whose ctx ends
// first gets ctx.Err() and the dial carries on for the others.
func (m *ConnectionManager) Get(ctx context.Context, identity string, addr string, p Protocol) (Transport, error) {
	key := identity + "/" + string(p)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if pc, ok := m.conns[key]; ok {
		if pc.transport.RemoteAddr() == addr && !pc.expired(m.ttl) && pc.transport.Alive() {
			m.mu.Unlock()
			return pc.transport, nil
		}
		delete(m.conns, key)
		m.retire(pc.transport)
		log.Debug().Str("leader", identity).Str("old", pc.transport.RemoteAddr()).Str("addr", addr).Msg("ConnectionManager::Get retired connection")
	}
	m.mu.Unlock()

	ch := m.dialing.DoChan(key+"@"+addr, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.dialTimeout)
		defer cancel()

		t, err := m.dial(dctx, p, addr)
		if err != nil {
			log.Error().Err(err).Str("leader", identity).Str("addr", addr).Str("protocol", string(p)).Msg("ConnectionManager::Get dial error")
			return nil, fmt.Errorf("%w: %s %s: %v", ErrConnect, p, addr, err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			_ = t.Close()
			return nil, ErrClosed
		}
		if old, ok := m.conns[key]; ok {
			m.retire(old.transport)
		}
		m.conns[key] = &pooledConn{transport: t, openedAt: time.Now()}
		connectionsOpen.Inc()
		return t, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Transport), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes every pooled connection and stops the tidy worker.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := m.conns
	m.conns = map[string]*pooledConn{}
	m.mu.Unlock()

	close(m.stop)
	<-m.done

	for _, pc := range conns {
		_ = pc.transport.Close()
		connectionsOpen.Dec()
	}
	return nil
}

// retire closes t after the grace period so sends already holding it can finish.
// Callers hold m.mu.
func (m *ConnectionManager) retire(t Transport) {
	connectionsOpen.Dec()
	time.AfterFunc(m.grace, func() { _ = t.Close() })
}

func (m *ConnectionManager) tidyWorker() {
	defer close(m.done)

	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.tidy()
		}
	}
}

func (m *ConnectionManager) tidy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pc := range m.conns {
		if pc.expired(m.ttl) || !pc.transport.Alive() {
			delete(m.conns, key)
			m.retire(pc.transport)
		}
	}
}
