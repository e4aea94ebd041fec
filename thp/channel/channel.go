package channel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/noise"
	"github.com/TheusHen/thp/thp/protocol"
)

type packetState uint8

const (
	stateIdle packetState = iota
	// stateSending covers emitting fragments and waiting for the ACK.
	stateSending
	// stateReceiving covers collecting fragments and waiting for the
	// consumer to pick up the assembled message.
	stateReceiving
)

// Channel is an established THP channel. It is obtained from
// HostPairing.Complete or DevicePairing.Complete and is not safe for
// concurrent use.
type Channel struct {
	role protocol.Role
	id   uint16
	log  *zap.Logger

	sync    protocol.ChannelSync
	ciphers *noise.Ciphers

	state packetState
	frag  *protocol.Fragmenter
	reasm *protocol.Reassembler

	ackPending bool
	ackBits    protocol.SyncBits

	// peerErr is a transport error reported by the peer, returned by the
	// next MessageOut.
	peerErr error
	// failed is terminal.
	failed error
}

func newChannel(role protocol.Role, id uint16, log *zap.Logger) *Channel {
	return &Channel{
		role: role,
		id:   id,
		log:  log.With(zap.Uint16("channel", id)),
	}
}

func (c *Channel) ChannelID() uint16 { return c.id }

// HandshakeHash returns the channel binding hash.
func (c *Channel) HandshakeHash() []byte {
	if c.ciphers == nil {
		return nil
	}
	return c.ciphers.HandshakeHash()
}

// Err returns the error that made the channel unusable, or nil.
func (c *Channel) Err() error { return c.failed }

func (c *Channel) fail(err error) error {
	if c.failed == nil {
		c.failed = err
		if c.ciphers != nil {
			c.ciphers.Destroy()
		}
	}
	return err
}

// rawIn starts sending a message. Only handshake and encrypted kinds take
// part in the alternating bit.
func (c *Channel) rawIn(h protocol.Header, payload []byte) error {
	if c.state != stateIdle {
		return protocol.ErrNotReady
	}
	var sb protocol.SyncBits
	if h.HasSyncBits() {
		var ok bool
		if sb, ok = c.sync.SendStart(); !ok {
			return protocol.ErrNotReady
		}
	}
	f, err := protocol.NewFragmenter(c.role, h, sb, payload)
	if err != nil {
		return err
	}
	c.frag = f
	c.state = stateSending
	return nil
}

// rawOut returns the verified payload of a fully reassembled message. The
// ACK is left to the caller, which queues it once the message is accepted.
func (c *Channel) rawOut(receive []byte) (protocol.Header, []byte, error) {
	if c.state != stateReceiving || !c.reasm.Done() {
		return protocol.Header{}, nil, protocol.ErrNotReady
	}
	h := c.reasm.Header()
	n, err := c.reasm.Verify(receive)
	c.state, c.reasm = stateIdle, nil
	if err != nil {
		c.log.Warn("reassembled message with invalid checksum")
		return h, nil, err
	}
	return h, receive[:n], nil
}

func (c *Channel) queueAck(h protocol.Header) {
	if !h.HasSyncBits() {
		return
	}
	c.ackBits = c.sync.ReceiveAcknowledge()
	c.ackPending = true
}

func (c *Channel) PacketIn(packet, receive []byte) (PacketInResult, error) {
	cb, id, err := protocol.PeekChannel(packet)
	if err != nil {
		return PacketInResult{}, err
	}
	if id != c.id {
		c.log.Debug("ignoring packet for another channel", zap.Uint16("packet_channel", id))
		return PacketInResult{}, nil
	}

	switch {
	case cb.IsAck():
		var scratch [protocol.ChecksumLen]byte
		if _, _, err := protocol.ReadSingle(c.role, packet, scratch[:]); err != nil {
			return PacketInResult{}, err
		}
		if c.state == stateSending && c.sync.SendMarkDelivered(protocol.SyncBitsOf(packet)) {
			c.state, c.frag = stateIdle, nil
			return PacketInResult{AckReceived: true}, nil
		}
		c.log.Debug("ignoring unexpected ACK")
		return PacketInResult{}, nil

	case cb.IsError():
		var scratch [1 + protocol.ChecksumLen]byte
		_, payload, err := protocol.ReadSingle(c.role, packet, scratch[:])
		if err != nil {
			return PacketInResult{}, err
		}
		te, err := protocol.ParseTransportError(payload[0])
		if err != nil {
			return PacketInResult{}, err
		}
		c.log.Warn("peer reported transport error", zap.Error(te))
		c.peerErr = te
		return PacketInResult{MessageReady: true}, nil

	case cb.IsContinuation():
		if c.state != stateReceiving {
			c.log.Debug("ignoring continuation")
			return PacketInResult{}, nil
		}
		if err := c.reasm.Update(packet, receive); err != nil {
			// Drop the packet; the message so far stays for the next one.
			return PacketInResult{}, err
		}
		return PacketInResult{MessageReady: c.reasm.Done()}, nil
	}

	h, _, err := protocol.ParseHeader(c.role, packet)
	if err != nil {
		return PacketInResult{}, err
	}
	var res PacketInResult
	if h.HasSyncBits() {
		sb := protocol.SyncBitsOf(packet)
		if !c.sync.ReceiveStart(sb) {
			// Retransmission of a message we already have: our ACK was lost.
			c.log.Debug("duplicate message, acknowledging again", zap.Bool("seq", sb.Seq()))
			c.ackBits, c.ackPending = protocol.AckBits(sb.Seq()), true
			if c.state == stateReceiving {
				c.state, c.reasm = stateIdle, nil
			}
			return PacketInResult{}, nil
		}
		if c.state == stateSending {
			if !c.frag.Done() || !c.frag.Header().HasSyncBits() {
				return PacketInResult{}, protocol.TransportBusy
			}
			// The peer answered, so it has our message.
			c.sync.SendMarkDeliveredImplicit()
			c.state, c.frag = stateIdle, nil
			res.AckReceived = true
		}
	}

	if len(receive) < int(h.PayloadLen) {
		c.state, c.reasm = stateIdle, nil
		res.Kind = EnlargeBuffer
		res.BufferSize = int(h.PayloadLen)
		res.ChannelID = c.id
		return res, nil
	}
	clear(receive[:h.PayloadLen])
	r, err := protocol.NewReassembler(c.role, packet, receive)
	if err != nil {
		c.state, c.reasm = stateIdle, nil
		return res, err
	}
	c.state, c.reasm = stateReceiving, r
	res.MessageReady = r.Done()
	return res, nil
}

func (c *Channel) PacketInReady() bool { return true }

func (c *Channel) PacketOut(packet []byte) error {
	if c.ackPending {
		h := protocol.NewAck(c.id)
		if err := protocol.WriteSingle(c.role, h, c.ackBits, nil, packet); err != nil {
			return err
		}
		c.ackPending = false
		return nil
	}
	if c.state != stateSending || c.frag.Done() {
		return protocol.ErrNotReady
	}
	if _, err := c.frag.Next(packet); err != nil {
		return err
	}
	if c.frag.Done() && !c.frag.Header().HasSyncBits() {
		// Broadcast traffic is never acknowledged.
		c.state, c.frag = stateIdle, nil
	}
	return nil
}

func (c *Channel) PacketOutReady() bool {
	return c.ackPending || (c.state == stateSending && !c.frag.Done())
}

func (c *Channel) MessageIn(sessionID uint8, msgType uint16, msg, send []byte) error {
	if c.failed != nil {
		return c.failed
	}
	if !c.MessageInReady() {
		return protocol.ErrNotReady
	}
	m := protocol.Message{SessionID: sessionID, Type: msgType, Payload: msg}
	if len(send) < m.Len()+c.tagLen() {
		return protocol.ErrInsufficientBuffer
	}
	if m.Len()+c.tagLen()+protocol.ChecksumLen > protocol.MaxPayloadLen {
		return fmt.Errorf("%w: message of %d bytes exceeds payload limit", protocol.ErrUnexpectedInput, len(msg))
	}
	n, err := m.MarshalTo(send)
	if err != nil {
		return err
	}
	ct, err := c.ciphers.Encrypt(send[:0], send[:n])
	if err != nil {
		return c.fail(protocol.CryptoError(err))
	}
	return c.rawIn(protocol.NewEncrypted(c.id, len(ct)), ct)
}

func (c *Channel) tagLen() int { return BufferOverhead - protocol.AppHeaderLen }

func (c *Channel) MessageInReady() bool {
	return c.failed == nil && c.state == stateIdle && c.sync.CanSend()
}

func (c *Channel) MessageOut(receive []byte) (protocol.Message, error) {
	if err := c.takePeerErr(); err != nil {
		return protocol.Message{}, err
	}
	if c.failed != nil {
		return protocol.Message{}, c.failed
	}
	h, payload, err := c.rawOut(receive)
	if err != nil {
		return protocol.Message{}, err
	}
	if h.Kind != protocol.KindEncrypted {
		c.log.Error("unexpected message kind, expecting encrypted transport", zap.Stringer("kind", h.Kind))
		return protocol.Message{}, fmt.Errorf("%w: %s on established channel", protocol.ErrUnexpectedInput, h.Kind)
	}
	plain, err := c.ciphers.Decrypt(payload[:0], payload)
	if err != nil {
		// No ACK: the message is refused and the channel is dead.
		c.log.Warn("decryption failed", zap.Error(err))
		return protocol.Message{}, c.fail(protocol.CryptoError(err))
	}
	c.queueAck(h)
	return protocol.ParseMessage(plain)
}

func (c *Channel) takePeerErr() error {
	err := c.peerErr
	c.peerErr = nil
	if errors.Is(err, protocol.DecryptionFailed) {
		// The peer can no longer read us.
		c.fail(err)
	}
	return err
}

func (c *Channel) MessageOutReady() bool {
	return c.peerErr != nil || (c.state == stateReceiving && c.reasm.Done())
}

// AwaitingAck reports whether a fully sent message waits for the peer's
// ACK, i.e. whether MessageRetransmit would resend something.
func (c *Channel) AwaitingAck() bool {
	return c.state == stateSending && c.frag.Done() && c.frag.Header().HasSyncBits()
}

func (c *Channel) MessageRetransmit() error {
	if c.state != stateSending {
		c.log.Debug("nothing to retransmit")
		return nil
	}
	c.log.Debug("retransmitting message")
	c.frag.Reset()
	return nil
}

var _ IO = (*Channel)(nil)
