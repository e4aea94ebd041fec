// Package quic carries THP packets as QUIC datagrams. Datagrams are
// unreliable like USB and BLE reports, so THP retransmission is exercised
// unchanged; QUIC adds encryption and NAT friendliness for remote
// emulators.
package quic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/thp/thp/transport"
)

var ErrNoDatagrams = errors.New("quic: peer does not support datagrams")

func config() *q.Config {
	return &q.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Link is one QUIC connection used as a packet link.
type Link struct {
	conn       q.Connection
	packetSize int
}

func newLink(conn q.Connection, packetSize int) (*Link, error) {
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(0, "datagrams required")
		return nil, ErrNoDatagrams
	}
	if packetSize <= 0 {
		packetSize = transport.DefaultPacketSize
	}
	return &Link{conn: conn, packetSize: packetSize}, nil
}

// Dial connects to a listening device.
func Dial(ctx context.Context, addr string, packetSize int) (*Link, error) {
	conn, err := q.DialAddr(ctx, addr, clientTLSConfig(), config())
	if err != nil {
		return nil, err
	}
	return newLink(conn, packetSize)
}

func (l *Link) PacketSize() int { return l.packetSize }

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *Link) ReadPacket(ctx context.Context, p []byte) (int, error) {
	if len(p) < l.packetSize {
		return 0, fmt.Errorf("%w: buffer of %d bytes", transport.ErrPacketSize, len(p))
	}
	for {
		d, err := l.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: %w", transport.ErrClosed, err)
		}
		if len(d) == 0 || len(d) > l.packetSize {
			continue
		}
		n := copy(p, d)
		clear(p[n:l.packetSize])
		return l.packetSize, nil
	}
}

func (l *Link) WritePacket(ctx context.Context, p []byte) error {
	if len(p) > l.packetSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrPacketSize, len(p))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pkt := make([]byte, l.packetSize)
	copy(pkt, p)
	return l.conn.SendDatagram(pkt)
}

func (l *Link) Close() error { return l.conn.CloseWithError(0, "") }

var _ transport.Link = (*Link)(nil)

// Listener accepts host connections.
type Listener struct {
	inner      *q.Listener
	packetSize int
}

func Listen(addr string, packetSize int) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, config())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln, packetSize: packetSize}, nil
}

func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newLink(conn, l.packetSize)
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) Close() error { return l.inner.Close() }
