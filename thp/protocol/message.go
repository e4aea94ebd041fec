package protocol

import (
	"encoding/binary"
	"encoding/hex"
)

// AppHeaderLen is the session id plus the message type.
const AppHeaderLen = 3

// Message is the application envelope carried inside encrypted transport.
type Message struct {
	SessionID uint8
	Type      uint16
	Payload   []byte
}

// Len returns the encoded size of m.
func (m Message) Len() int { return AppHeaderLen + len(m.Payload) }

// MarshalTo writes m into dest and returns the number of bytes written.
func (m Message) MarshalTo(dest []byte) (int, error) {
	if len(dest) < m.Len() {
		return 0, ErrInsufficientBuffer
	}
	dest[0] = m.SessionID
	binary.BigEndian.PutUint16(dest[1:3], m.Type)
	return AppHeaderLen + copy(dest[AppHeaderLen:], m.Payload), nil
}

// ParseMessage splits a decrypted plaintext. Payload aliases b.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < AppHeaderLen {
		return Message{}, malformed("message of %d bytes", len(b))
	}
	return Message{
		SessionID: b[0],
		Type:      binary.BigEndian.Uint16(b[1:3]),
		Payload:   b[AppHeaderLen:],
	}, nil
}

// Nonce is the random value echoed in allocation and ping responses.
type Nonce [NonceLen]byte

func (n Nonce) String() string { return hex.EncodeToString(n[:]) }

// CodecV1Response is the fixed failure a device sends to legacy v1 hosts.
var CodecV1Response = []byte{0x3f, 0x23, 0x23, 0x00, 0x03, 0x00, 0x00, 0x00, 0x14, 0x08, 0x11}

// WriteCodecV1Response fills a packet with CodecV1Response and zero padding.
func WriteCodecV1Response(dest []byte) error {
	if len(dest) < len(CodecV1Response) {
		return ErrInsufficientBuffer
	}
	n := copy(dest, CodecV1Response)
	clear(dest[n:])
	return nil
}
