package tpu_sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManager_ReusesConnection(t *testing.T) {
	d := newFakeDialer()
	m := NewConnectionManager(testConfig(), d.Dial)
	t.Cleanup(func() { _ = m.Close() })

	a := testIdentity(1)
	t1, err := m.Get(context.Background(), a, "10.0.0.1:8003", ProtocolUDP)
	require.NoError(t, err)
	t2, err := m.Get(context.Background(), a, "10.0.0.1:8003", ProtocolUDP)
	require.NoError(t, err)

	assert.Same(t, t1, t2)
	assert.Equal(t, 1, d.totalDials())
	assert.Equal(t, 1, m.Len())
}

func TestConnectionManager_ConcurrentGetKeepsOneConnection(t *testing.T) {
	d := newFakeDialer()
	m := NewConnectionManager(testConfig(), d.Dial)
	t.Cleanup(func() { _ = m.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Get(context.Background(), testIdentity(1), "10.0.0.1:8003", ProtocolUDP)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, d.totalDials(), 16)
	assert.Equal(t, 1, m.Len())
}

func TestConnectionManager_AddressChangeRetiresConnection(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitTimeout = 10 * time.Millisecond
	d := newFakeDialer()
	m := NewConnectionManager(cfg, d.Dial)
	t.Cleanup(func() { _ = m.Close() })

	a := testIdentity(1)
	old, err := m.Get(context.Background(), a, "10.0.0.1:8003", ProtocolUDP)
	require.NoError(t, err)

	fresh, err := m.Get(context.Background(), a, "10.0.0.2:8003", ProtocolUDP)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, "10.0.0.2:8003", fresh.RemoteAddr())
	assert.Equal(t, 1, m.Len())

	assert.Eventually(t, func() bool { return !old.Alive() }, time.Second, 5*time.Millisecond)
	assert.True(t, fresh.Alive())
}

func TestConnectionManager_ExpiredConnectionIsRedialed(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTTL = 10 * time.Millisecond
	d := newFakeDialer()
	m := NewConnectionManager(cfg, d.Dial)
	t.Cleanup(func() { _ = m.Close() })

	a := testIdentity(1)
	_, err := m.Get(context.Background(), a, "10.0.0.1:8003", ProtocolUDP)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = m.Get(context.Background(), a, "10.0.0.1:8003", ProtocolUDP)
	require.NoError(t, err)
	assert.Equal(t, 2, d.totalDials())
}

func TestConnectionManager_DialFailureIsConnectError(t *testing.T) {
	d := newFakeDialer()
	d.dialErr["10.0.0.1:8003"] = errors.New("no route to host")
	m := NewConnectionManager(testConfig(), d.Dial)
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Get(context.Background(), testIdentity(1), "10.0.0.1:8003", ProtocolUDP)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Zero(t, m.Len())
}

func TestConnectionManager_CallerDeadlineDoesNotFailSharedDial(t *testing.T) {
	d := newFakeDialer()
	d.delay = 100 * time.Millisecond
	m := NewConnectionManager(testConfig(), d.Dial)
	t.Cleanup(func() { _ = m.Close() })

	a := testIdentity(1)
	var (
		wg         sync.WaitGroup
		errA, errB error
		trB        Transport
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, errA = m.Get(ctx, a, "127.0.0.1:1", ProtocolQUIC)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		trB, errB = m.Get(context.Background(), a, "127.0.0.1:1", ProtocolQUIC)
	}()
	wg.Wait()

	assert.ErrorIs(t, errA, context.DeadlineExceeded)
	assert.NotErrorIs(t, errA, ErrConnect)
	require.NoError(t, errB)
	assert.Equal(t, "127.0.0.1:1", trB.RemoteAddr())
	assert.Equal(t, 1, d.totalDials())
	assert.Equal(t, 1, m.Len())
}

func TestConnectionManager_Close(t *testing.T) {
	d := newFakeDialer()
	m := NewConnectionManager(testConfig(), d.Dial)

	tr, err := m.Get(context.Background(), testIdentity(1), "10.0.0.1:8003", ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.False(t, tr.Alive())

	_, err = m.Get(context.Background(), testIdentity(1), "10.0.0.1:8003", ProtocolUDP)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, m.Close())
}

func TestUDPTransport_Send(t *testing.T) {
	sink := newUDPSink(t)
	tr, err := dialUDP(sink.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, []byte("datagram")))
	sink.expect(t, []byte("datagram"))

	require.NoError(t, tr.Close())
	assert.False(t, tr.Alive())
	assert.Error(t, tr.Send(ctx, []byte("after close")))
}

func TestUDPTransport_ConcurrentDeadlines(t *testing.T) {
	sink := newUDPSink(t)
	tr, err := dialUDP(sink.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			defer cancel()
			_ = tr.Send(ctx, []byte("short"))
		}()
		go func() {
			defer wg.Done()
			if err := tr.Send(context.Background(), []byte("unbounded")); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failed.Load())
}

func TestUDPTransport_InvalidAddress(t *testing.T) {
	_, err := dialUDP("127.0.0.1:99999")
	assert.Error(t, err)
}
