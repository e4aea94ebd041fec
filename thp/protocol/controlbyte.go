package protocol

const (
	HandshakeInitRequest  = 0x00
	HandshakeInitResponse = 0x01
	HandshakeCompRequest  = 0x02
	HandshakeCompResponse = 0x03
	EncryptedTransport    = 0x04
	AckMessage            = 0x20
	ContinuationPacket    = 0x80
	ChannelAllocationReq  = 0x40
	ChannelAllocationRes  = 0x41
	ErrorMessage          = 0x42
	PingMessage           = 0x43
	PongMessage           = 0x44
	CodecV1               = 0x3f
)

const (
	// DataMask clears the seq and ack bits.
	DataMask byte = 0xe7
	SeqBit   byte = 0x10
	AckBit   byte = 0x08
)

// ControlByte is the first byte of every packet.
type ControlByte byte

func (cb ControlByte) masked() byte { return byte(cb) & DataMask }

func (cb ControlByte) IsCodecV1() bool       { return byte(cb) == CodecV1 }
func (cb ControlByte) IsContinuation() bool  { return cb.masked() == ContinuationPacket }
func (cb ControlByte) IsAck() bool           { return cb.masked() == AckMessage }
func (cb ControlByte) IsEncrypted() bool     { return cb.masked() == EncryptedTransport }
func (cb ControlByte) IsError() bool         { return byte(cb) == ErrorMessage }
func (cb ControlByte) IsPing() bool          { return byte(cb) == PingMessage }
func (cb ControlByte) IsPong() bool          { return byte(cb) == PongMessage }
func (cb ControlByte) IsAllocationReq() bool { return byte(cb) == ChannelAllocationReq }
func (cb ControlByte) IsAllocationRes() bool { return byte(cb) == ChannelAllocationRes }

// IsHandshake reports whether the byte is one of the four handshake phases,
// regardless of role.
func (cb ControlByte) IsHandshake() bool { return cb.masked() <= HandshakeCompResponse }

// SyncBits extracts the seq and ack bits.
func (cb ControlByte) SyncBits() SyncBits { return SyncBits(byte(cb) & (SeqBit | AckBit)) }

func (cb ControlByte) withSyncBits(sb SyncBits) ControlByte {
	return ControlByte(cb.masked() | byte(sb))
}
