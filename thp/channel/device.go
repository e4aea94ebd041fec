package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/noise"
	"github.com/TheusHen/thp/thp/pairing"
	"github.com/TheusHen/thp/thp/protocol"
)

// outgoingQueueLen bounds the mux queue. As long as PacketOut is called
// soon after PacketIn there is rarely more than one entry, e.g. a pong and
// a transport error at the same time.
const outgoingQueueLen = 8

type outgoingKind uint8

const (
	outError outgoingKind = iota
	outPong
	outCodecV1
)

func (k outgoingKind) String() string {
	switch k {
	case outError:
		return "transport_error"
	case outPong:
		return "pong"
	}
	return "codec_v1_response"
}

type outgoing struct {
	kind      outgoingKind
	channelID uint16
	code      protocol.TransportError
	nonce     protocol.Nonce
}

// DeviceMux maps packets to channels and answers broadcast traffic. Every
// packet interface on the device has one mux and passes every incoming
// packet to it first. It does not track open channels; the caller does.
type DeviceMux struct {
	cfg DeviceConfig
	log *zap.Logger

	nextID   uint16
	queue    []outgoing
	hasNew   bool
	newID    uint16
	newNonce protocol.Nonce
}

func NewDeviceMux(cfg DeviceConfig) (*DeviceMux, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	m := &DeviceMux{
		cfg:   cfg,
		log:   cfg.Logger,
		queue: make([]outgoing, 0, outgoingQueueLen),
	}
	// A random first id hides how many channels were allocated since boot.
	var b [2]byte
	for range 16 {
		if err := cfg.Backend.RandomBytes(b[:]); err != nil {
			return nil, err
		}
		if id := binary.BigEndian.Uint16(b[:]); id <= protocol.MaxChannelID {
			m.nextID = id
			break
		}
	}
	return m, nil
}

// ChannelAllocReady reports whether an allocation request is pending.
func (m *DeviceMux) ChannelAllocReady() bool { return m.hasNew }

// ChannelAlloc creates the channel for the pending allocation request. The
// returned DeviceOpen sends the allocation response itself.
func (m *DeviceMux) ChannelAlloc() (*DeviceOpen, error) {
	if !m.hasNew {
		return nil, protocol.ErrNotReady
	}
	m.hasNew = false
	return newDeviceOpen(m.cfg, m.newID, m.newNonce)
}

// SendTransportBusy queues TransportBusy for a channel that exists but
// cannot take a packet right now. The host retries later.
func (m *DeviceMux) SendTransportBusy(channelID uint16) error {
	return m.SendTransportError(channelID, protocol.TransportBusy)
}

// SendUnallocatedChannel queues UnallocatedChannel for a Route result that
// names no open channel.
func (m *DeviceMux) SendUnallocatedChannel(channelID uint16) error {
	return m.SendTransportError(channelID, protocol.UnallocatedChannel)
}

func (m *DeviceMux) SendTransportError(channelID uint16, code protocol.TransportError) error {
	return m.enqueue(outgoing{kind: outError, channelID: channelID, code: code})
}

func (m *DeviceMux) enqueue(o outgoing) error {
	if len(m.queue) == cap(m.queue) {
		m.log.Warn("broadcast outgoing queue full", zap.Stringer("dropped", o.kind))
		return protocol.ErrNotReady
	}
	m.queue = append(m.queue, o)
	return nil
}

func (m *DeviceMux) setNextChannelID(id uint16) { m.nextID = id }

func (m *DeviceMux) PacketIn(packet, _ []byte) (PacketInResult, error) {
	cb, id, err := protocol.PeekChannel(packet)
	if err != nil {
		return PacketInResult{}, err
	}
	if cb.IsCodecV1() {
		h, _, _ := protocol.ParseHeader(protocol.RoleDevice, packet)
		if h.Continued {
			m.log.Debug("ignoring codec v1 continuation")
			return PacketInResult{}, nil
		}
		return PacketInResult{}, m.enqueue(outgoing{kind: outCodecV1})
	}
	if id != protocol.BroadcastChannelID {
		return PacketInResult{Kind: Route, ChannelID: id}, nil
	}

	var buf [protocol.NonceLen + protocol.ChecksumLen]byte
	h, payload, err := protocol.ReadSingle(protocol.RoleDevice, packet, buf[:])
	if err != nil {
		return PacketInResult{}, err
	}
	switch h.Kind {
	case protocol.KindPing:
		return PacketInResult{}, m.enqueue(outgoing{kind: outPong, nonce: protocol.Nonce(payload)})
	case protocol.KindAllocationRequest:
		id := m.nextID
		m.nextID++
		if m.nextID > protocol.MaxChannelID {
			m.log.Debug("channel id max value reached, wrapping around")
			m.nextID = 0
		}
		if m.hasNew {
			m.log.Warn("dropping previous channel allocation request")
		}
		m.hasNew, m.newID, m.newNonce = true, id, protocol.Nonce(payload)
		return PacketInResult{Kind: ChannelAllocation, ChannelID: id}, nil
	}
	m.log.Debug("broadcast channel: ignoring packet", zap.Stringer("kind", h.Kind))
	return PacketInResult{}, fmt.Errorf("%w: %s on broadcast channel", protocol.ErrMalformedData, h.Kind)
}

func (m *DeviceMux) PacketInReady() bool { return len(m.queue) < cap(m.queue) }

func (m *DeviceMux) PacketOut(packet []byte) error {
	if len(m.queue) == 0 {
		return protocol.ErrNotReady
	}
	o := m.queue[0]
	var err error
	switch o.kind {
	case outError:
		h := protocol.NewTransportErrorHeader(o.channelID, o.code)
		err = protocol.WriteSingle(protocol.RoleDevice, h, 0, []byte{o.code.Byte()}, packet)
	case outPong:
		err = protocol.WriteSingle(protocol.RoleDevice, protocol.NewPong(), 0, o.nonce[:], packet)
	case outCodecV1:
		err = protocol.WriteCodecV1Response(packet)
	}
	if err != nil {
		return err
	}
	m.queue = append(m.queue[:0], m.queue[1:]...)
	return nil
}

func (m *DeviceMux) PacketOutReady() bool { return len(m.queue) > 0 }

func (m *DeviceMux) MessageIn(uint8, uint16, []byte, []byte) error { return nil }
func (m *DeviceMux) MessageInReady() bool                          { return false }

func (m *DeviceMux) MessageOut([]byte) (protocol.Message, error) { return protocol.Message{}, nil }
func (m *DeviceMux) MessageOutReady() bool                       { return false }
func (m *DeviceMux) MessageRetransmit() error                    { return nil }

var _ IO = (*DeviceMux)(nil)

type deviceHandshake uint8

const (
	deviceSentAllocResponse deviceHandshake = iota
	deviceSentInitResponse
	deviceFinished
	deviceFailed
)

// DeviceOpen is a device channel in the handshake phase. It first sends
// the allocation response on the broadcast channel, then answers the two
// host handshake messages.
type DeviceOpen struct {
	cfg         DeviceConfig
	ch          *Channel
	hs          *noise.Handshake
	state       deviceHandshake
	ps          PairingState
	tryToUnlock bool

	send [handshakeBufferLen]byte
	recv [handshakeBufferLen]byte
}

func newDeviceOpen(cfg DeviceConfig, id uint16, nonce protocol.Nonce) (*DeviceOpen, error) {
	props := cfg.Verifier.DeviceProperties()
	o := &DeviceOpen{
		cfg: cfg,
		ch:  newChannel(protocol.RoleDevice, id, cfg.Logger),
		hs:  noise.NewResponder(cfg.Backend, cfg.Verifier.StaticKey(), props),
	}
	n := copy(o.send[:], nonce[:])
	binary.BigEndian.PutUint16(o.send[n:], id)
	n += 2
	n += copy(o.send[n:], props)
	if err := o.ch.rawIn(protocol.NewAllocationResponse(n), o.send[:n]); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *DeviceOpen) PacketIn(packet, _ []byte) (PacketInResult, error) {
	if o.ch == nil {
		return PacketInResult{}, errSpent
	}
	res, err := o.ch.PacketIn(packet, o.recv[:])
	if err != nil {
		return res, err
	}
	if res.Kind == EnlargeBuffer {
		o.ch.log.Error("payload length exceeds handshake limit", zap.Int("length", res.BufferSize))
		return PacketInResult{}, fmt.Errorf("%w: handshake message of %d bytes", protocol.ErrMalformedData, res.BufferSize)
	}
	if res.MessageReady {
		if err := o.incoming(); err != nil {
			if !errors.Is(err, protocol.ErrInvalidChecksum) && !protocol.IsRecoverable(err) {
				o.state = deviceFailed
				o.ch.fail(err)
			}
			return res, err
		}
	}
	return res, nil
}

func (o *DeviceOpen) incoming() error {
	if err := o.ch.takePeerErr(); err != nil {
		return err
	}
	h, payload, err := o.ch.rawOut(o.recv[:])
	if err != nil {
		return err
	}
	if o.state == deviceFailed || h.Kind != protocol.KindHandshake {
		return fmt.Errorf("%w: %s during handshake", protocol.ErrUnexpectedInput, h.Kind)
	}

	switch {
	case o.state == deviceSentAllocResponse && h.Phase == protocol.PhaseInitRequest:
		plain, err := o.hs.ReadMessage(nil, payload)
		if err != nil {
			return protocol.CryptoError(err)
		}
		o.tryToUnlock = len(plain) > 0 && plain[0] != 0
		msg, err := o.hs.WriteMessage(o.send[:0], nil)
		if err != nil {
			return protocol.CryptoError(err)
		}
		o.ch.queueAck(h)
		if err := o.ch.rawIn(protocol.NewHandshake(protocol.PhaseInitResponse, o.ch.id, len(msg)), msg); err != nil {
			return err
		}
		o.state = deviceSentInitResponse

	case o.state == deviceSentInitResponse && h.Phase == protocol.PhaseCompletionRequest:
		plain, err := o.hs.ReadMessage(nil, payload)
		if err != nil {
			return protocol.CryptoError(err)
		}
		req, err := pairing.UnmarshalHandshakeCompletionReq(plain)
		if err != nil {
			return err
		}
		o.ps = Unpaired
		if len(req.HostPairingCredential) > 0 {
			switch paired, auto := o.cfg.Verifier.Validate(o.hs.PeerStatic(), req.HostPairingCredential); {
			case auto:
				o.ps = PairedAutoconnect
			case paired:
				o.ps = Paired
			}
		}
		ciphers, err := o.hs.Split()
		if err != nil {
			return protocol.CryptoError(err)
		}
		o.ch.ciphers = ciphers
		ct, err := ciphers.Encrypt(o.send[:0], []byte{byte(o.ps)})
		if err != nil {
			return protocol.CryptoError(err)
		}
		o.ch.queueAck(h)
		if err := o.ch.rawIn(protocol.NewHandshake(protocol.PhaseCompletionResponse, o.ch.id, len(ct)), ct); err != nil {
			return err
		}
		o.state = deviceFinished
		o.ch.log.Debug("handshake finished", zap.Stringer("pairing_state", o.ps))

	default:
		o.ch.log.Error("unexpected handshake message", zap.Stringer("phase", h.Phase))
		return fmt.Errorf("%w: %s in handshake state %d", protocol.ErrUnexpectedInput, h.Phase, o.state)
	}
	return nil
}

func (o *DeviceOpen) PacketInReady() bool { return o.ch != nil }

func (o *DeviceOpen) PacketOut(packet []byte) error {
	if o.ch == nil {
		return errSpent
	}
	return o.ch.PacketOut(packet)
}

func (o *DeviceOpen) PacketOutReady() bool { return o.ch != nil && o.ch.PacketOutReady() }

func (o *DeviceOpen) MessageIn(_ uint8, _ uint16, msg, _ []byte) error {
	if o.ch == nil {
		return errSpent
	}
	if len(msg) != 0 {
		return fmt.Errorf("%w: application message during handshake", protocol.ErrUnexpectedInput)
	}
	return nil
}

func (o *DeviceOpen) MessageInReady() bool {
	return o.ch != nil && o.state != deviceFinished && o.state != deviceFailed
}

func (o *DeviceOpen) MessageOut([]byte) (protocol.Message, error) {
	if o.ch == nil {
		return protocol.Message{}, errSpent
	}
	return protocol.Message{}, nil
}

func (o *DeviceOpen) MessageOutReady() bool { return false }

func (o *DeviceOpen) MessageRetransmit() error {
	if o.ch == nil {
		return errSpent
	}
	return o.ch.MessageRetransmit()
}

func (o *DeviceOpen) AwaitingAck() bool { return o.ch != nil && o.ch.AwaitingAck() }

func (o *DeviceOpen) HandshakeDone() bool   { return o.state == deviceFinished }
func (o *DeviceOpen) HandshakeFailed() bool { return o.state == deviceFailed }

// TryToUnlock reports the host's request from the first handshake message.
func (o *DeviceOpen) TryToUnlock() bool { return o.tryToUnlock }

func (o *DeviceOpen) PairingState() PairingState { return o.ps }

func (o *DeviceOpen) ChannelID() uint16 {
	if o.ch == nil {
		return 0
	}
	return o.ch.id
}

// Complete moves to the pairing phase.
func (o *DeviceOpen) Complete() (*DevicePairing, error) {
	if o.ch == nil {
		return nil, errSpent
	}
	if o.state != deviceFinished || o.ch.ciphers == nil {
		return nil, fmt.Errorf("%w: handshake not finished", protocol.ErrUnexpectedInput)
	}
	o.ch.log.Debug("handshake complete")
	p := &DevicePairing{
		ch:      o.ch,
		ps:      o.ps,
		hostKey: append([]byte(nil), o.hs.PeerStatic()...),
	}
	o.ch = nil
	return p, nil
}

var _ IO = (*DeviceOpen)(nil)

// DevicePairing is a device channel in the pairing and credential phases.
// It is finished once the device sends EndResponse.
type DevicePairing struct {
	ch       *Channel
	ps       PairingState
	hostKey  []byte
	finished bool
}

func (p *DevicePairing) PacketIn(packet, receive []byte) (PacketInResult, error) {
	if p.ch == nil {
		return PacketInResult{}, errSpent
	}
	return p.ch.PacketIn(packet, receive)
}

func (p *DevicePairing) PacketInReady() bool { return p.ch != nil }

func (p *DevicePairing) PacketOut(packet []byte) error {
	if p.ch == nil {
		return errSpent
	}
	return p.ch.PacketOut(packet)
}

func (p *DevicePairing) PacketOutReady() bool { return p.ch != nil && p.ch.PacketOutReady() }

func (p *DevicePairing) MessageIn(sessionID uint8, msgType uint16, msg, send []byte) error {
	if p.ch == nil {
		return errSpent
	}
	if sessionID != 0 {
		return fmt.Errorf("%w: session %d during pairing", protocol.ErrUnexpectedInput, sessionID)
	}
	if err := p.ch.MessageIn(sessionID, msgType, msg, send); err != nil {
		return err
	}
	if msgType == pairing.MessageTypeEndResponse {
		p.finished = true
	}
	return nil
}

func (p *DevicePairing) MessageInReady() bool { return p.ch != nil && p.ch.MessageInReady() }

func (p *DevicePairing) MessageOut(receive []byte) (protocol.Message, error) {
	if p.ch == nil {
		return protocol.Message{}, errSpent
	}
	m, err := p.ch.MessageOut(receive)
	if err != nil {
		return m, err
	}
	if m.SessionID != 0 {
		p.ch.log.Error("invalid session id in pairing phase", zap.Uint8("session", m.SessionID))
		return protocol.Message{}, fmt.Errorf("%w: session %d during pairing", protocol.ErrMalformedData, m.SessionID)
	}
	return m, nil
}

func (p *DevicePairing) MessageOutReady() bool { return p.ch != nil && p.ch.MessageOutReady() }

func (p *DevicePairing) MessageRetransmit() error {
	if p.ch == nil {
		return errSpent
	}
	return p.ch.MessageRetransmit()
}

func (p *DevicePairing) AwaitingAck() bool { return p.ch != nil && p.ch.AwaitingAck() }

// PairingDone reports whether EndResponse was submitted.
func (p *DevicePairing) PairingDone() bool { return p.finished }

func (p *DevicePairing) PairingState() PairingState { return p.ps }

// HostStaticKey is the key the host proved in the handshake; credentials
// are bound to it.
func (p *DevicePairing) HostStaticKey() []byte { return p.hostKey }

func (p *DevicePairing) ChannelID() uint16 {
	if p.ch == nil {
		return 0
	}
	return p.ch.id
}

func (p *DevicePairing) HandshakeHash() []byte {
	if p.ch == nil {
		return nil
	}
	return p.ch.HandshakeHash()
}

// Complete returns the established channel. The EndResponse packets must
// be drained with PacketOut first or be drained from the returned channel.
func (p *DevicePairing) Complete() (*Channel, error) {
	if p.ch == nil {
		return nil, errSpent
	}
	if !p.finished {
		return nil, fmt.Errorf("%w: pairing not finished", protocol.ErrUnexpectedInput)
	}
	p.ch.log.Debug("pairing and credentials complete, begin application transport")
	ch := p.ch
	p.ch = nil
	return ch, nil
}

var _ IO = (*DevicePairing)(nil)
