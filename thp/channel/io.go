package channel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/credential"
	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/protocol"
)

// BufferOverhead is the space a send buffer needs beyond the message
// payload: the application header plus the AEAD tag.
const BufferOverhead = protocol.AppHeaderLen + crypto.TagLen

// handshakeBufferLen bounds every handshake message: device properties plus
// overhead, two DH keys and two tags, or a DH key, a credential and two tags.
const handshakeBufferLen = 192

// maxDevicePropertiesLen bounds the allocation response payload.
const maxDevicePropertiesLen = 128

var errSpent = fmt.Errorf("%w: channel state already completed", protocol.ErrUnexpectedInput)

// ResultKind says what the caller should do after PacketIn.
type ResultKind uint8

const (
	// Accepted means the packet was consumed (or dropped).
	Accepted ResultKind = iota
	// EnlargeBuffer means the receive buffer is smaller than the incoming
	// message. Pass the same packet again with a buffer of BufferSize.
	EnlargeBuffer
	// Route means the packet belongs to channel ChannelID, not the mux.
	Route
	// ChannelAllocation means a channel id was allocated; call ChannelAlloc.
	ChannelAllocation
)

func (k ResultKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case EnlargeBuffer:
		return "enlarge-buffer"
	case Route:
		return "route"
	case ChannelAllocation:
		return "channel-allocation"
	}
	return "unknown"
}

// PacketInResult reports how a packet changed the channel.
type PacketInResult struct {
	Kind ResultKind
	// AckReceived is set when the outstanding message was acknowledged.
	AckReceived bool
	// MessageReady is set when MessageOut has something to return. The
	// message is not guaranteed to be valid.
	MessageReady bool
	// Pong is set when a ping was answered.
	Pong       bool
	BufferSize int
	ChannelID  uint16
}

// IO is implemented by every channel phase.
type IO interface {
	// PacketIn passes one received packet. receive is the reassembly
	// buffer; it must stay untouched between packets of one message.
	PacketIn(packet, receive []byte) (PacketInResult, error)
	PacketInReady() bool
	// PacketOut writes the next outgoing packet. It returns ErrNotReady if
	// there is none. The buffer given to MessageIn must not change until
	// the message is acknowledged.
	PacketOut(packet []byte) error
	PacketOutReady() bool
	// MessageIn encrypts msg into send and starts sending it. send must
	// have room for len(msg)+BufferOverhead bytes.
	MessageIn(sessionID uint8, msgType uint16, msg, send []byte) error
	MessageInReady() bool
	// MessageOut returns the reassembled message. Its payload aliases
	// receive.
	MessageOut(receive []byte) (protocol.Message, error)
	MessageOutReady() bool
	// MessageRetransmit restarts sending the unacknowledged message.
	MessageRetransmit() error
}

// PairingState is the device's verdict on the credential presented in the
// handshake.
type PairingState uint8

const (
	Unpaired          PairingState = 0
	Paired            PairingState = 1
	PairedAutoconnect PairingState = 2
)

func parsePairingState(b []byte) (PairingState, error) {
	if len(b) != 1 || b[0] > byte(PairedAutoconnect) {
		return 0, fmt.Errorf("%w: pairing state %x", protocol.ErrMalformedData, b)
	}
	return PairingState(b[0]), nil
}

func (s PairingState) IsPaired() bool { return s != Unpaired }

func (s PairingState) String() string {
	switch s {
	case Unpaired:
		return "unpaired"
	case Paired:
		return "paired"
	case PairedAutoconnect:
		return "paired-autoconnect"
	}
	return fmt.Sprintf("pairing-state(%d)", uint8(s))
}

// Verifier is the device's credential authority.
type Verifier interface {
	// DeviceProperties returns the encoded properties sent on allocation.
	DeviceProperties() []byte
	StaticKey() crypto.KeyPair
	// Validate checks the credential a host presented in handshake
	// message 3 for its static key.
	Validate(hostStaticKey, credential []byte) (paired, autoconnect bool)
}

// HostConfig configures the host side.
type HostConfig struct {
	Backend crypto.Backend
	// Store is consulted for a credential once the device static key is
	// known. Nil means credential.Null.
	Store credential.Store
	// StaticKey is used when the store has no credential for the device.
	// Nil generates a throwaway key per channel.
	StaticKey *crypto.KeyPair
	// TryToUnlock asks the device to prompt for unlocking.
	TryToUnlock bool
	Logger      *zap.Logger
}

func (c *HostConfig) setDefaults() {
	if c.Backend == nil {
		c.Backend = crypto.Default()
	}
	if c.Store == nil {
		c.Store = credential.Null{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// DeviceConfig configures the device side.
type DeviceConfig struct {
	Backend  crypto.Backend
	Verifier Verifier
	Logger   *zap.Logger
}

func (c *DeviceConfig) setDefaults() error {
	if c.Verifier == nil {
		return errors.New("channel: device needs a verifier")
	}
	if c.Backend == nil {
		c.Backend = crypto.Default()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if len(c.Verifier.DeviceProperties()) > maxDevicePropertiesLen {
		return fmt.Errorf("%w: device properties exceed %d bytes", protocol.ErrInsufficientBuffer, maxDevicePropertiesLen)
	}
	return nil
}
