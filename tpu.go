package tpu_sender

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

const tpuALPN = "solana-tpu"

// Transport is a ready-to-use handle to one leader's TPU port. Implementations
// are safe for concurrent Send calls.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	RemoteAddr() string
	Protocol() Protocol
	Alive() bool
	Close() error
}

type dialFunc func(ctx context.Context, p Protocol, addr string) (Transport, error)

// tpuDialer opens real UDP sockets and QUIC connections.
type tpuDialer struct {
	cert tls.Certificate
}

func newTPUDialer() (*tpuDialer, error) {
	cert, err := genSolanaCert("solana-node", x509ClientAuth)
	if err != nil {
		return nil, err
	}
	return &tpuDialer{cert: cert}, nil
}

func (d *tpuDialer) Dial(ctx context.Context, p Protocol, addr string) (Transport, error) {
	if p == ProtocolQUIC {
		return d.dialQUIC(ctx, addr)
	}
	return dialUDP(addr)
}

type udpTransport struct {
	addr   string
	conn   *net.UDPConn
	closed atomic.Bool

	// mu pairs each write with its own deadline on the shared socket.
	mu sync.Mutex
}

func dialUDP(addr string) (*udpTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}

	return &udpTransport{addr: addr, conn: conn}, nil
}

func (t *udpTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dl, _ := ctx.Deadline()
	_ = t.conn.SetWriteDeadline(dl)

	_, err := t.conn.Write(payload)
	return err
}

func (t *udpTransport) RemoteAddr() string { return t.addr }
func (t *udpTransport) Protocol() Protocol { return ProtocolUDP }
func (t *udpTransport) Alive() bool        { return !t.closed.Load() }

func (t *udpTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

type quicTransport struct {
	addr string
	conn *quic.Conn
}

func (d *tpuDialer) dialQUIC(ctx context.Context, addr string) (*quicTransport, error) {
	tn := time.Now()
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, udpAddr.String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{tpuALPN},
		GetClientCertificate: func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &d.cert, nil
		},
	}, &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("quic", addr).Msgf("TPUDialer::dialQUIC Dial took: %s", time.Since(tn))
	return &quicTransport{addr: addr, conn: conn}, nil
}

// Send writes payload on a fresh unidirectional stream; the TPU reads one
// transaction per stream.
func (t *quicTransport) Send(ctx context.Context, payload []byte) error {
	stream, err := t.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(dl)
	}

	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

func (t *quicTransport) RemoteAddr() string { return t.addr }
func (t *quicTransport) Protocol() Protocol { return ProtocolQUIC }
func (t *quicTransport) Alive() bool        { return t.conn.Context().Err() == nil }

func (t *quicTransport) Close() error {
	return t.conn.CloseWithError(0, "done")
}
