// Package buffered wraps a channel.IO with growable buffers so callers do
// not have to size receive and send buffers themselves.
package buffered

import (
	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/channel"
	"github.com/TheusHen/thp/thp/protocol"
)

// DefaultInitialSize covers every handshake and pairing message.
const DefaultInitialSize = 256

type Options struct {
	InitialSize int
	Logger      *zap.Logger
}

// Channel owns the receive buffer of one channel phase and the send buffer
// of its current outgoing message. It is not safe for concurrent use.
type Channel struct {
	io   channel.IO
	log  *zap.Logger
	recv []byte
	send []byte
}

func New(io channel.IO, opts Options) *Channel {
	if opts.InitialSize <= 0 {
		opts.InitialSize = DefaultInitialSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		io:   io,
		log:  opts.Logger,
		recv: make([]byte, opts.InitialSize),
	}
}

// Replace switches to the next phase of the same channel, keeping the
// buffers.
func (c *Channel) Replace(io channel.IO) { c.io = io }

// Inner returns the wrapped phase.
func (c *Channel) Inner() channel.IO { return c.io }

// ReceiveCapacity is the current size of the receive buffer.
func (c *Channel) ReceiveCapacity() int { return len(c.recv) }

// PacketIn never reports EnlargeBuffer: it grows the receive buffer and
// re-delivers the packet instead.
func (c *Channel) PacketIn(packet []byte) (channel.PacketInResult, error) {
	res, err := c.io.PacketIn(packet, c.recv)
	if err != nil || res.Kind != channel.EnlargeBuffer {
		return res, err
	}
	c.log.Debug("growing receive buffer", zap.Int("from", len(c.recv)), zap.Int("to", res.BufferSize))
	c.recv = make([]byte, res.BufferSize)
	again, err := c.io.PacketIn(packet, c.recv)
	if err != nil {
		return again, err
	}
	if again.Kind == channel.EnlargeBuffer {
		// The inner phase refused a buffer of the size it asked for.
		return again, protocol.ErrInsufficientBuffer
	}
	again.AckReceived = again.AckReceived || res.AckReceived
	return again, nil
}

func (c *Channel) PacketInReady() bool { return c.io.PacketInReady() }

func (c *Channel) PacketOut(packet []byte) error { return c.io.PacketOut(packet) }

func (c *Channel) PacketOutReady() bool { return c.io.PacketOutReady() }

// MessageIn sizes the send buffer for msg. The buffer is only reused once
// the previous message was acknowledged, which MessageInReady guarantees.
func (c *Channel) MessageIn(sessionID uint8, msgType uint16, msg []byte) error {
	n := len(msg) + channel.BufferOverhead
	if cap(c.send) < n || !c.io.MessageInReady() {
		c.send = make([]byte, n)
	}
	return c.io.MessageIn(sessionID, msgType, msg, c.send[:n])
}

func (c *Channel) MessageInReady() bool { return c.io.MessageInReady() }

// MessageOut returns the next message. The payload belongs to the caller;
// reassembly continues in a fresh buffer of the same size.
func (c *Channel) MessageOut() (protocol.Message, error) {
	m, err := c.io.MessageOut(c.recv)
	if err != nil {
		return m, err
	}
	if len(m.Payload) > 0 {
		c.recv = make([]byte, len(c.recv))
	}
	return m, nil
}

func (c *Channel) MessageOutReady() bool { return c.io.MessageOutReady() }

func (c *Channel) MessageRetransmit() error { return c.io.MessageRetransmit() }
