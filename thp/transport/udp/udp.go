// Package udp carries THP packets in UDP datagrams, the way the Trezor
// emulator exposes its interfaces.
package udp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TheusHen/thp/thp/transport"
)

// DefaultAddr is where the emulator listens.
const DefaultAddr = "127.0.0.1:21324"

// The emulator answers this probe outside of THP.
var (
	probeRequest  = []byte("PINGPING")
	probeResponse = []byte("PONGPONG")
)

var ErrNoPeer = errors.New("udp: no peer has sent a packet yet")

// Link is a UDP packet link. A dialed link talks to one address; a
// listening link answers whoever sent the most recent packet.
type Link struct {
	conn       *net.UDPConn
	packetSize int
	connected  bool

	mu   sync.Mutex
	peer *net.UDPAddr
}

// Dial connects to a device or emulator.
func Dial(addr string, packetSize int) (*Link, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return newLink(conn, packetSize, true), nil
}

// Listen serves the device side.
func Listen(addr string, packetSize int) (*Link, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return newLink(conn, packetSize, false), nil
}

func newLink(conn *net.UDPConn, packetSize int, connected bool) *Link {
	if packetSize <= 0 {
		packetSize = transport.DefaultPacketSize
	}
	return &Link{conn: conn, packetSize: packetSize, connected: connected}
}

func (l *Link) PacketSize() int { return l.packetSize }

func (l *Link) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Probe checks that an emulator is listening.
func (l *Link) Probe(ctx context.Context) error {
	if err := l.write(ctx, probeRequest); err != nil {
		return err
	}
	buf := make([]byte, l.packetSize)
	for {
		n, _, err := l.read(ctx, buf)
		if err != nil {
			return err
		}
		if bytes.Equal(buf[:n], probeResponse) {
			return nil
		}
	}
}

func (l *Link) ReadPacket(ctx context.Context, p []byte) (int, error) {
	if len(p) < l.packetSize {
		return 0, fmt.Errorf("%w: buffer of %d bytes", transport.ErrPacketSize, len(p))
	}
	for {
		n, from, err := l.read(ctx, p)
		if err != nil {
			return 0, err
		}
		if !l.connected {
			if bytes.Equal(p[:n], probeRequest) {
				if _, err := l.conn.WriteToUDP(probeResponse, from); err != nil {
					return 0, err
				}
				continue
			}
			l.mu.Lock()
			l.peer = from
			l.mu.Unlock()
		}
		if n == 0 {
			continue
		}
		clear(p[n:l.packetSize])
		return l.packetSize, nil
	}
}

func (l *Link) read(ctx context.Context, p []byte) (int, *net.UDPAddr, error) {
	deadline, _ := ctx.Deadline()
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	stop := context.AfterFunc(ctx, func() { l.conn.SetReadDeadline(time.Now()) })
	defer stop()
	n, from, err := l.conn.ReadFromUDP(p[:l.packetSize])
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, transport.ErrClosed
		}
		return 0, nil, err
	}
	return n, from, nil
}

func (l *Link) WritePacket(ctx context.Context, p []byte) error {
	if len(p) > l.packetSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrPacketSize, len(p))
	}
	pkt := make([]byte, l.packetSize)
	copy(pkt, p)
	return l.write(ctx, pkt)
}

func (l *Link) write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if l.connected {
		_, err = l.conn.Write(p)
	} else {
		l.mu.Lock()
		peer := l.peer
		l.mu.Unlock()
		if peer == nil {
			return ErrNoPeer
		}
		_, err = l.conn.WriteToUDP(p, peer)
	}
	if errors.Is(err, net.ErrClosed) {
		return transport.ErrClosed
	}
	return err
}

func (l *Link) Close() error { return l.conn.Close() }

var _ transport.Link = (*Link)(nil)
