package tpu_sender

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func testIdentity(n byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = n + 1
	}
	return base58.Encode(b)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 4 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.SendTimeout = 200 * time.Millisecond
	cfg.SubmitTimeout = time.Second
	return cfg
}

// fakeCluster is a JSON-RPC node serving getSlot, getSlotLeaders and getClusterNodes.
type fakeCluster struct {
	mu       sync.Mutex
	slot     uint64
	leaderAt func(slot uint64) string
	nodes    []*ClusterNode
	failures map[string]int
	broken   map[string]bool
	calls    map[string]int
}

func newFakeCluster(slot uint64, leaderAt func(uint64) string, nodes ...*ClusterNode) *fakeCluster {
	return &fakeCluster{
		slot:     slot,
		leaderAt: leaderAt,
		nodes:    nodes,
		failures: map[string]int{},
		broken:   map[string]bool{},
		calls:    map[string]int{},
	}
}

func (f *fakeCluster) serve(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeCluster) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeCluster) setSlot(slot uint64) {
	f.mu.Lock()
	f.slot = slot
	f.mu.Unlock()
}

func (f *fakeCluster) setNodes(nodes ...*ClusterNode) {
	f.mu.Lock()
	f.nodes = nodes
	f.mu.Unlock()
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Method]++

	if f.failures[req.Method] > 0 {
		f.failures[req.Method]--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if f.broken[req.Method] {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":`))
		return
	}

	var result any
	switch req.Method {
	case "getSlot":
		result = f.slot
	case "getSlotLeaders":
		var start, limit uint64
		_ = json.Unmarshal(req.Params[0], &start)
		_ = json.Unmarshal(req.Params[1], &limit)
		leaders := make([]string, 0, limit)
		for s := start; s < start+limit; s++ {
			leaders = append(leaders, f.leaderAt(s))
		}
		result = leaders
	case "getClusterNodes":
		result = f.nodes
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32601, "message": "Method not found"},
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
}

// rotating returns a schedule where each leader holds four consecutive slots.
func rotating(ids ...string) func(uint64) string {
	return func(slot uint64) string {
		return ids[(slot/4)%uint64(len(ids))]
	}
}

// udpSink is a loopback TPU that counts received datagrams.
type udpSink struct {
	conn     net.PacketConn
	received chan []byte
}

func newUDPSink(t *testing.T) *udpSink {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &udpSink{conn: conn, received: make(chan []byte, 64)}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			s.received <- append([]byte(nil), buf[:n]...)
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return s
}

func (s *udpSink) Addr() string {
	return s.conn.LocalAddr().String()
}

func (s *udpSink) expect(t *testing.T, payload []byte) {
	select {
	case got := <-s.received:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no datagram received")
	}
}

type fakeTransport struct {
	addr    string
	proto   Protocol
	sendErr error
	delay   time.Duration

	sent   atomic.Int32
	closed atomic.Bool
}

func (t *fakeTransport) Send(ctx context.Context, payload []byte) error {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent.Add(1)
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return t.addr }
func (t *fakeTransport) Protocol() Protocol { return t.proto }
func (t *fakeTransport) Alive() bool        { return !t.closed.Load() }
func (t *fakeTransport) Close() error       { t.closed.Store(true); return nil }

// fakeDialer hands out fakeTransports, optionally customised per address.
type fakeDialer struct {
	mu      sync.Mutex
	dials   map[string]int
	dialErr map[string]error
	tweak   func(*fakeTransport)
	made    []*fakeTransport
	delay   time.Duration
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: map[string]int{}, dialErr: map[string]error{}}
}

func (d *fakeDialer) Dial(ctx context.Context, p Protocol, addr string) (Transport, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[addr]++
	if err := d.dialErr[addr]; err != nil {
		return nil, err
	}
	t := &fakeTransport{addr: addr, proto: p}
	if d.tweak != nil {
		d.tweak(t)
	}
	d.made = append(d.made, t)
	return t, nil
}

func (d *fakeDialer) totalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.dials {
		n += c
	}
	return n
}
