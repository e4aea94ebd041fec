package channel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/noise"
	"github.com/TheusHen/thp/thp/pairing"
	"github.com/TheusHen/thp/thp/protocol"
)

type allocState uint8

const (
	allocNone allocState = iota
	allocSending
	allocSent
	allocReceiving
	allocReceived
)

type pingState uint8

const (
	pingNone pingState = iota
	pingSending
	pingSent
)

// HostMux handles the broadcast channel on the host: channel allocation and
// keep-alive pings. Packets for other channels are reported as Route. A host
// that needs a single channel can drop the mux once the channel is allocated.
type HostMux struct {
	cfg HostConfig
	log *zap.Logger

	alloc      allocState
	allocNonce protocol.Nonce
	reasm      *protocol.Reassembler
	buf        [handshakeBufferLen]byte
	channelID  uint16
	props      []byte

	ping      pingState
	pingNonce protocol.Nonce
}

func NewHostMux(cfg HostConfig) *HostMux {
	cfg.setDefaults()
	return &HostMux{cfg: cfg, log: cfg.Logger}
}

// RequestChannel queues a channel allocation request.
func (m *HostMux) RequestChannel() {
	m.alloc = allocSending
	m.reasm = nil
}

// Ping queues a keep-alive message. A pending ping is replaced.
func (m *HostMux) Ping() {
	if m.ping != pingNone {
		m.log.Warn("dropping previous ping")
	}
	m.ping = pingSending
}

// ChannelAllocReady reports whether ChannelAlloc can be called.
func (m *HostMux) ChannelAllocReady() bool { return m.alloc == allocReceived }

// ChannelAlloc starts the handshake on the allocated channel.
func (m *HostMux) ChannelAlloc() (*HostOpen, error) {
	if m.alloc != allocReceived {
		return nil, protocol.ErrNotReady
	}
	o, err := newHostOpen(m.cfg, m.channelID, m.props)
	if err != nil {
		return nil, err
	}
	m.alloc, m.props = allocNone, nil
	clear(m.buf[:])
	return o, nil
}

func (m *HostMux) PacketIn(packet, _ []byte) (PacketInResult, error) {
	cb, id, err := protocol.PeekChannel(packet)
	if err != nil {
		return PacketInResult{}, err
	}
	if cb.IsCodecV1() {
		m.log.Debug("dropping codec v1 response")
		return PacketInResult{}, nil
	}
	if id != protocol.BroadcastChannelID {
		return PacketInResult{Kind: Route, ChannelID: id}, nil
	}
	h, _, err := protocol.ParseHeader(protocol.RoleHost, packet)
	if err != nil {
		return PacketInResult{}, err
	}

	switch h.Kind {
	case protocol.KindPong:
		var buf [protocol.NonceLen + protocol.ChecksumLen]byte
		_, payload, err := protocol.ReadSingle(protocol.RoleHost, packet, buf[:])
		if err != nil {
			return PacketInResult{}, err
		}
		if m.ping != pingSent || protocol.Nonce(payload) != m.pingNonce {
			m.log.Warn("ignoring pong with unexpected nonce")
			return PacketInResult{}, fmt.Errorf("%w: pong nonce", protocol.ErrMalformedData)
		}
		m.ping = pingNone
		return PacketInResult{Pong: true}, nil

	case protocol.KindAllocationResponse:
		if m.alloc != allocSent && m.alloc != allocReceiving {
			return PacketInResult{}, fmt.Errorf("%w: unsolicited allocation response", protocol.ErrMalformedData)
		}
		if int(h.PayloadLen) > len(m.buf) {
			return PacketInResult{}, fmt.Errorf("%w: allocation response of %d bytes", protocol.ErrMalformedData, h.PayloadLen)
		}
		clear(m.buf[:])
		r, err := protocol.NewReassembler(protocol.RoleHost, packet, m.buf[:])
		if err != nil {
			return PacketInResult{}, err
		}
		m.reasm, m.alloc = r, allocReceiving
		return m.allocationResponse()

	case protocol.KindContinuation:
		if m.alloc != allocReceiving {
			return PacketInResult{}, fmt.Errorf("%w: stray broadcast continuation", protocol.ErrMalformedData)
		}
		if err := m.reasm.Update(packet, m.buf[:]); err != nil {
			m.alloc, m.reasm = allocSent, nil
			return PacketInResult{}, err
		}
		return m.allocationResponse()
	}
	m.log.Debug("broadcast channel: ignoring packet", zap.Stringer("kind", h.Kind))
	return PacketInResult{}, fmt.Errorf("%w: %s on broadcast channel", protocol.ErrMalformedData, h.Kind)
}

func (m *HostMux) allocationResponse() (PacketInResult, error) {
	if !m.reasm.Done() {
		return PacketInResult{}, nil
	}
	n, err := m.reasm.Verify(m.buf[:])
	m.reasm = nil
	m.alloc = allocSent
	if err != nil {
		return PacketInResult{}, err
	}
	payload := m.buf[:n]
	if len(payload) < protocol.NonceLen+2 {
		return PacketInResult{}, fmt.Errorf("%w: short allocation response", protocol.ErrMalformedData)
	}
	if protocol.Nonce(payload[:protocol.NonceLen]) != m.allocNonce {
		m.log.Warn("received non matching channel request nonce")
		return PacketInResult{}, nil
	}
	id := binary.BigEndian.Uint16(payload[protocol.NonceLen:])
	if id > protocol.MaxChannelID {
		return PacketInResult{}, fmt.Errorf("%w: allocated channel id %#04x", protocol.ErrMalformedData, id)
	}
	m.props = append([]byte(nil), payload[protocol.NonceLen+2:]...)
	m.channelID = id
	m.alloc = allocReceived
	m.log.Debug("got channel id", zap.Uint16("channel", id))
	return PacketInResult{Kind: ChannelAllocation, ChannelID: id}, nil
}

func (m *HostMux) PacketInReady() bool { return true }

func (m *HostMux) PacketOut(packet []byte) error {
	switch {
	case m.alloc == allocSending:
		if err := m.cfg.Backend.RandomBytes(m.allocNonce[:]); err != nil {
			return err
		}
		if err := protocol.WriteSingle(protocol.RoleHost, protocol.NewAllocationRequest(), 0, m.allocNonce[:], packet); err != nil {
			return err
		}
		m.alloc = allocSent
	case m.ping == pingSending:
		if err := m.cfg.Backend.RandomBytes(m.pingNonce[:]); err != nil {
			return err
		}
		if err := protocol.WriteSingle(protocol.RoleHost, protocol.NewPing(), 0, m.pingNonce[:], packet); err != nil {
			return err
		}
		m.ping = pingSent
	default:
		return protocol.ErrNotReady
	}
	return nil
}

func (m *HostMux) PacketOutReady() bool {
	return m.alloc == allocSending || m.ping == pingSending
}

// MessageIn is a no-op; the broadcast channel carries no messages.
func (m *HostMux) MessageIn(uint8, uint16, []byte, []byte) error { return nil }
func (m *HostMux) MessageInReady() bool                          { return true }

func (m *HostMux) MessageOut([]byte) (protocol.Message, error) { return protocol.Message{}, nil }
func (m *HostMux) MessageOutReady() bool                       { return false }

// MessageRetransmit re-sends an unanswered allocation request or ping with
// a fresh nonce.
func (m *HostMux) MessageRetransmit() error {
	if m.alloc == allocSent {
		m.alloc = allocSending
	}
	if m.ping == pingSent {
		m.ping = pingSending
	}
	return nil
}

type hostHandshake uint8

const (
	hostSentInitRequest hostHandshake = iota
	hostSentCompletionRequest
	hostFinished
	hostFailed
)

// HostOpen is a host channel in the handshake phase. Perform IO with empty
// messages until HandshakeDone, then call Complete.
type HostOpen struct {
	cfg   HostConfig
	ch    *Channel
	hs    *noise.Handshake
	state hostHandshake
	props []byte
	ps    PairingState

	send [handshakeBufferLen]byte
	recv [handshakeBufferLen]byte
}

func newHostOpen(cfg HostConfig, id uint16, props []byte) (*HostOpen, error) {
	var static crypto.KeyPair
	if cfg.StaticKey != nil {
		static = *cfg.StaticKey
	} else {
		var err error
		if static, err = cfg.Backend.GenerateKeypair(); err != nil {
			return nil, err
		}
	}
	o := &HostOpen{
		cfg:   cfg,
		ch:    newChannel(protocol.RoleHost, id, cfg.Logger),
		hs:    noise.NewInitiator(cfg.Backend, static, props),
		props: props,
	}
	var unlock byte
	if cfg.TryToUnlock {
		unlock = 1
	}
	msg, err := o.hs.WriteMessage(o.send[:0], []byte{unlock})
	if err != nil {
		return nil, protocol.CryptoError(err)
	}
	if err := o.ch.rawIn(protocol.NewHandshake(protocol.PhaseInitRequest, id, len(msg)), msg); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *HostOpen) PacketIn(packet, _ []byte) (PacketInResult, error) {
	if o.ch == nil {
		return PacketInResult{}, errSpent
	}
	res, err := o.ch.PacketIn(packet, o.recv[:])
	if err != nil {
		return res, err
	}
	if res.Kind == EnlargeBuffer {
		// Possibly a damaged length field; continuations are ignored.
		o.ch.log.Error("payload length exceeds handshake limit", zap.Int("length", res.BufferSize))
		return PacketInResult{}, fmt.Errorf("%w: handshake message of %d bytes", protocol.ErrMalformedData, res.BufferSize)
	}
	if res.MessageReady {
		if err := o.incoming(); err != nil {
			if !errors.Is(err, protocol.ErrInvalidChecksum) && !protocol.IsRecoverable(err) {
				o.state = hostFailed
				o.ch.fail(err)
			}
			return res, err
		}
	}
	return res, nil
}

func (o *HostOpen) incoming() error {
	if err := o.ch.takePeerErr(); err != nil {
		return err
	}
	h, payload, err := o.ch.rawOut(o.recv[:])
	if err != nil {
		return err
	}
	if o.state == hostFailed || h.Kind != protocol.KindHandshake {
		return fmt.Errorf("%w: %s during handshake", protocol.ErrUnexpectedInput, h.Kind)
	}

	switch {
	case o.state == hostSentInitRequest && h.Phase == protocol.PhaseInitResponse:
		if err := o.continueHandshake(h, payload); err != nil {
			return err
		}
		o.state = hostSentCompletionRequest
	case o.state == hostSentCompletionRequest && h.Phase == protocol.PhaseCompletionResponse:
		plain, err := o.ch.ciphers.Decrypt(payload[:0], payload)
		if err != nil {
			return protocol.CryptoError(err)
		}
		ps, err := parsePairingState(plain)
		if err != nil {
			return err
		}
		o.ch.queueAck(h)
		o.ps = ps
		o.state = hostFinished
		o.ch.log.Debug("handshake finished", zap.Stringer("pairing_state", ps))
	default:
		o.ch.log.Error("unexpected handshake message", zap.Stringer("phase", h.Phase))
		return fmt.Errorf("%w: %s in handshake state %d", protocol.ErrUnexpectedInput, h.Phase, o.state)
	}
	return nil
}

func (o *HostOpen) continueHandshake(h protocol.Header, payload []byte) error {
	if _, err := o.hs.ReadMessage(nil, payload); err != nil {
		return protocol.CryptoError(err)
	}
	deviceKey := o.hs.PeerStatic()

	var blob []byte
	cred, ok, err := o.cfg.Store.Lookup(deviceKey)
	if err != nil {
		o.ch.log.Warn("credential lookup failed", zap.Error(err))
		ok = false
	}
	if ok {
		req := pairing.HandshakeCompletionReq{HostPairingCredential: cred.Blob}
		if noise.MessageLen(2, len(req.Marshal())) > len(o.send) {
			o.ch.log.Warn("stored credential too large, not presenting it", zap.Int("length", len(cred.Blob)))
		} else if err := o.hs.SetStatic(cred.HostKey); err != nil {
			return protocol.CryptoError(err)
		} else {
			blob = cred.Blob
		}
	}

	req := pairing.HandshakeCompletionReq{HostPairingCredential: blob}
	msg, err := o.hs.WriteMessage(o.send[:0], req.Marshal())
	if err != nil {
		return protocol.CryptoError(err)
	}
	ciphers, err := o.hs.Split()
	if err != nil {
		return protocol.CryptoError(err)
	}
	o.ch.ciphers = ciphers
	o.ch.queueAck(h)
	return o.ch.rawIn(protocol.NewHandshake(protocol.PhaseCompletionRequest, o.ch.id, len(msg)), msg)
}

func (o *HostOpen) PacketInReady() bool { return o.ch != nil }

func (o *HostOpen) PacketOut(packet []byte) error {
	if o.ch == nil {
		return errSpent
	}
	return o.ch.PacketOut(packet)
}

func (o *HostOpen) PacketOutReady() bool { return o.ch != nil && o.ch.PacketOutReady() }

// MessageIn accepts only empty messages; the handshake drives itself.
func (o *HostOpen) MessageIn(_ uint8, _ uint16, msg, _ []byte) error {
	if o.ch == nil {
		return errSpent
	}
	if len(msg) != 0 {
		return fmt.Errorf("%w: application message during handshake", protocol.ErrUnexpectedInput)
	}
	return nil
}

func (o *HostOpen) MessageInReady() bool {
	return o.ch != nil && o.state != hostFinished && o.state != hostFailed
}

// MessageOut returns an empty message; handshake messages are consumed
// internally.
func (o *HostOpen) MessageOut([]byte) (protocol.Message, error) {
	if o.ch == nil {
		return protocol.Message{}, errSpent
	}
	return protocol.Message{}, nil
}

func (o *HostOpen) MessageOutReady() bool { return false }

func (o *HostOpen) MessageRetransmit() error {
	if o.ch == nil {
		return errSpent
	}
	return o.ch.MessageRetransmit()
}

// HandshakeDone reports whether Complete can be called.
func (o *HostOpen) HandshakeDone() bool { return o.state == hostFinished }

// HandshakeFailed reports whether the channel must be discarded.
func (o *HostOpen) HandshakeFailed() bool { return o.state == hostFailed }

// DeviceProperties returns the encoded properties from the allocation
// response. They are not authenticated until HandshakeDone.
func (o *HostOpen) DeviceProperties() []byte { return o.props }

func (o *HostOpen) ChannelID() uint16 {
	if o.ch == nil {
		return 0
	}
	return o.ch.id
}

func (o *HostOpen) PairingState() PairingState { return o.ps }

// HostStaticKey is the key sent in message 3, taken from the credential
// when one was found.
func (o *HostOpen) HostStaticKey() crypto.KeyPair { return o.hs.LocalStatic() }

// DeviceStaticKey is known once the second handshake message is processed.
func (o *HostOpen) DeviceStaticKey() []byte { return o.hs.PeerStatic() }

// Complete moves to the pairing phase.
func (o *HostOpen) Complete() (*HostPairing, error) {
	if o.ch == nil {
		return nil, errSpent
	}
	if o.state != hostFinished || o.ch.ciphers == nil {
		return nil, fmt.Errorf("%w: handshake not finished", protocol.ErrUnexpectedInput)
	}
	o.ch.log.Debug("handshake complete")
	p := &HostPairing{
		ch:        o.ch,
		props:     o.props,
		ps:        o.ps,
		hostKey:   o.hs.LocalStatic(),
		deviceKey: append([]byte(nil), o.hs.PeerStatic()...),
	}
	o.ch = nil
	return p, nil
}

var _ IO = (*HostOpen)(nil)

// HostPairing is a host channel in the pairing and credential phases. It
// carries pairing messages on session 0 until the device sends EndResponse.
type HostPairing struct {
	ch        *Channel
	props     []byte
	ps        PairingState
	hostKey   crypto.KeyPair
	deviceKey []byte
	finished  bool
}

func (p *HostPairing) PacketIn(packet, receive []byte) (PacketInResult, error) {
	if p.ch == nil {
		return PacketInResult{}, errSpent
	}
	return p.ch.PacketIn(packet, receive)
}

func (p *HostPairing) PacketInReady() bool { return p.ch != nil }

func (p *HostPairing) PacketOut(packet []byte) error {
	if p.ch == nil {
		return errSpent
	}
	return p.ch.PacketOut(packet)
}

func (p *HostPairing) PacketOutReady() bool { return p.ch != nil && p.ch.PacketOutReady() }

func (p *HostPairing) MessageIn(sessionID uint8, msgType uint16, msg, send []byte) error {
	if p.ch == nil {
		return errSpent
	}
	if sessionID != 0 {
		return fmt.Errorf("%w: session %d during pairing", protocol.ErrUnexpectedInput, sessionID)
	}
	return p.ch.MessageIn(sessionID, msgType, msg, send)
}

func (p *HostPairing) MessageInReady() bool { return p.ch != nil && p.ch.MessageInReady() }

func (p *HostPairing) MessageOut(receive []byte) (protocol.Message, error) {
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
	if m.Type == pairing.MessageTypeEndResponse {
		p.finished = true
	}
	return m, nil
}

func (p *HostPairing) MessageOutReady() bool { return p.ch != nil && p.ch.MessageOutReady() }

func (p *HostPairing) MessageRetransmit() error {
	if p.ch == nil {
		return errSpent
	}
	return p.ch.MessageRetransmit()
}

// PairingDone reports whether the device sent EndResponse.
func (p *HostPairing) PairingDone() bool { return p.finished }

func (p *HostPairing) PairingState() PairingState    { return p.ps }
func (p *HostPairing) DeviceProperties() []byte      { return p.props }
func (p *HostPairing) HostStaticKey() crypto.KeyPair { return p.hostKey }
func (p *HostPairing) DeviceStaticKey() []byte       { return p.deviceKey }

func (p *HostPairing) ChannelID() uint16 {
	if p.ch == nil {
		return 0
	}
	return p.ch.id
}

func (p *HostPairing) HandshakeHash() []byte {
	if p.ch == nil {
		return nil
	}
	return p.ch.HandshakeHash()
}

// Complete returns the established channel.
func (p *HostPairing) Complete() (*Channel, error) {
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

var _ IO = (*HostPairing)(nil)
