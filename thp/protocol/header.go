package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	InitHeaderLen = 5
	ContHeaderLen = 3
	ChecksumLen   = 4
	NonceLen      = 8

	MaxPayloadLen      = 60000
	MaxChannelID       = 0xFFEF
	BroadcastChannelID = 0xFFFF

	ackPayloadLen   = ChecksumLen
	errorPayloadLen = 1 + ChecksumLen
	noncePayloadLen = NonceLen + ChecksumLen
)

// ValidChannelID reports whether id may appear on the wire.
func ValidChannelID(id uint16) bool {
	return id <= MaxChannelID || id == BroadcastChannelID
}

// Header is a decoded packet header. Sync bits are not part of it; they are
// read from the packet with SyncBitsOf and supplied to Marshal.
type Header struct {
	Kind      Kind
	ChannelID uint16
	// PayloadLen includes the checksum. It is zero for continuation and
	// codec v1 packets.
	PayloadLen uint16
	Phase      HandshakePhase
	// ErrorCode is the raw first payload byte of a transport error packet.
	ErrorCode byte
	// Continued marks a codec v1 packet that is not the first of its message.
	Continued bool
}

func NewContinuation(channelID uint16) Header {
	return Header{Kind: KindContinuation, ChannelID: channelID}
}

func NewAck(channelID uint16) Header {
	return Header{Kind: KindAck, ChannelID: channelID, PayloadLen: ackPayloadLen}
}

func NewTransportErrorHeader(channelID uint16, code TransportError) Header {
	return Header{Kind: KindTransportError, ChannelID: channelID, PayloadLen: errorPayloadLen, ErrorCode: code.Byte()}
}

func NewAllocationRequest() Header {
	return Header{Kind: KindAllocationRequest, ChannelID: BroadcastChannelID, PayloadLen: noncePayloadLen}
}

// NewAllocationResponse takes the payload length without checksum.
func NewAllocationResponse(n int) Header {
	return Header{Kind: KindAllocationResponse, ChannelID: BroadcastChannelID, PayloadLen: uint16(n + ChecksumLen)}
}

func NewPing() Header {
	return Header{Kind: KindPing, ChannelID: BroadcastChannelID, PayloadLen: noncePayloadLen}
}

func NewPong() Header {
	return Header{Kind: KindPong, ChannelID: BroadcastChannelID, PayloadLen: noncePayloadLen}
}

// NewHandshake takes the payload length without checksum.
func NewHandshake(phase HandshakePhase, channelID uint16, n int) Header {
	return Header{Kind: KindHandshake, Phase: phase, ChannelID: channelID, PayloadLen: uint16(n + ChecksumLen)}
}

// NewEncrypted takes the ciphertext length without checksum.
func NewEncrypted(channelID uint16, n int) Header {
	return Header{Kind: KindEncrypted, ChannelID: channelID, PayloadLen: uint16(n + ChecksumLen)}
}

// Len returns the encoded size of the header.
func (h Header) Len() int {
	if h.Kind == KindContinuation {
		return ContHeaderLen
	}
	return InitHeaderLen
}

// DataLen returns the payload length without checksum.
func (h Header) DataLen() int {
	if h.PayloadLen < ChecksumLen {
		return 0
	}
	return int(h.PayloadLen) - ChecksumLen
}

// HasSyncBits reports whether the kind takes part in the alternating bit.
func (h Header) HasSyncBits() bool {
	return h.Kind == KindHandshake || h.Kind == KindEncrypted
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedData}, args...)...)
}

// PeekChannel reads the control byte and channel id without validating the
// rest of the packet. Codec v1 packets report the broadcast channel.
func PeekChannel(packet []byte) (ControlByte, uint16, error) {
	if len(packet) == 0 {
		return 0, 0, malformed("empty packet")
	}
	cb := ControlByte(packet[0])
	if cb.IsCodecV1() {
		return cb, BroadcastChannelID, nil
	}
	if len(packet) < ContHeaderLen {
		return cb, 0, malformed("short packet")
	}
	id := binary.BigEndian.Uint16(packet[1:3])
	if !ValidChannelID(id) {
		return cb, id, malformed("channel id %#04x out of bounds", id)
	}
	return cb, id, nil
}

// ParseHeader decodes the header of a packet received by role. The returned
// slice is the payload found in this packet with any padding removed.
func ParseHeader(role Role, packet []byte) (Header, []byte, error) {
	cb, id, err := PeekChannel(packet)
	if err != nil {
		return Header{}, nil, err
	}
	if cb.IsCodecV1() {
		if role == RoleHost {
			return Header{Kind: KindCodecV1Response, ChannelID: BroadcastChannelID}, nil, nil
		}
		first := len(packet) >= 3 && packet[1] == '#' && packet[2] == '#'
		return Header{Kind: KindCodecV1Request, ChannelID: BroadcastChannelID, Continued: !first}, nil, nil
	}
	if cb.IsContinuation() {
		return NewContinuation(id), packet[ContHeaderLen:], nil
	}
	if len(packet) < InitHeaderLen {
		return Header{}, nil, malformed("short packet")
	}
	n := binary.BigEndian.Uint16(packet[3:5])
	if n > MaxPayloadLen {
		return Header{}, nil, malformed("payload length %d out of bounds", n)
	}
	if n < ChecksumLen {
		return Header{}, nil, malformed("payload length %d below checksum size", n)
	}
	rest := packet[InitHeaderLen:]
	if len(rest) > int(n) {
		rest = rest[:n]
	}

	h, ok, err := parseFixed(role, packet, cb, id, n)
	if err != nil {
		return Header{}, nil, err
	}
	if ok {
		return h, rest, nil
	}
	if cb.IsHandshake() {
		phase := HandshakePhase(byte(cb) & DataMask)
		if phase.SentBy() == role {
			return Header{}, nil, malformed("%s not accepted by %s", phase, role)
		}
		return Header{Kind: KindHandshake, Phase: phase, ChannelID: id, PayloadLen: n}, rest, nil
	}
	if cb.IsEncrypted() {
		return Header{Kind: KindEncrypted, ChannelID: id, PayloadLen: n}, rest, nil
	}
	if role == RoleHost && id == BroadcastChannelID && cb.IsAllocationRes() {
		return Header{Kind: KindAllocationResponse, ChannelID: id, PayloadLen: n}, rest, nil
	}
	return Header{}, nil, malformed("control byte %#02x", byte(cb))
}

func parseFixed(role Role, packet []byte, cb ControlByte, id, n uint16) (Header, bool, error) {
	var h Header
	switch {
	case cb.IsAck():
		h = NewAck(id)
	case cb.IsError():
		if len(packet) <= InitHeaderLen {
			return Header{}, false, malformed("transport error without code")
		}
		h = Header{Kind: KindTransportError, ChannelID: id, PayloadLen: errorPayloadLen, ErrorCode: packet[InitHeaderLen]}
	case id != BroadcastChannelID:
		return Header{}, false, nil
	case cb.IsAllocationReq() && role == RoleDevice:
		h = NewAllocationRequest()
	case cb.IsPing() && role == RoleDevice:
		h = NewPing()
	case cb.IsPong() && role == RoleHost:
		h = NewPong()
	default:
		return Header{}, false, nil
	}
	if h.PayloadLen != n {
		return Header{}, false, malformed("%s with payload length %d", h.Kind, n)
	}
	return h, true, nil
}

func (h Header) controlByte(role Role, sb SyncBits) (ControlByte, error) {
	var cb ControlByte
	switch {
	case h.Kind == KindAck:
		if sb.Seq() {
			return 0, fmt.Errorf("%w: ACK with seq bit", ErrUnexpectedInput)
		}
		return ControlByte(AckMessage).withSyncBits(sb), nil
	case h.Kind == KindAllocationRequest && role == RoleHost:
		cb = ChannelAllocationReq
	case h.Kind == KindAllocationResponse && role == RoleDevice:
		cb = ChannelAllocationRes
	case h.Kind == KindTransportError:
		cb = ErrorMessage
	case h.Kind == KindPing && role == RoleHost:
		cb = PingMessage
	case h.Kind == KindPong && role == RoleDevice:
		cb = PongMessage
	case h.Kind == KindHandshake && h.Phase.SentBy() == role && h.Phase <= PhaseCompletionResponse:
		return ControlByte(h.Phase).withSyncBits(sb), nil
	case h.Kind == KindEncrypted:
		return ControlByte(EncryptedTransport).withSyncBits(sb), nil
	default:
		return 0, fmt.Errorf("%w: %s cannot be sent by %s", ErrUnexpectedInput, h.Kind, role)
	}
	return cb, nil
}

// Marshal writes the header as sent by role into dest and returns its length.
func (h Header) Marshal(role Role, sb SyncBits, dest []byte) (int, error) {
	if h.Kind == KindContinuation {
		if len(dest) < ContHeaderLen {
			return 0, ErrInsufficientBuffer
		}
		dest[0] = ContinuationPacket
		binary.BigEndian.PutUint16(dest[1:3], h.ChannelID)
		return ContHeaderLen, nil
	}
	if len(dest) < InitHeaderLen {
		return 0, ErrInsufficientBuffer
	}
	cb, err := h.controlByte(role, sb)
	if err != nil {
		return 0, err
	}
	dest[0] = byte(cb)
	binary.BigEndian.PutUint16(dest[1:3], h.ChannelID)
	binary.BigEndian.PutUint16(dest[3:5], h.PayloadLen)
	return InitHeaderLen, nil
}
