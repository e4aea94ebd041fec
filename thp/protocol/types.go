package protocol

// Role is the side of the link a codec speaks for. Parsing and serializing
// are asymmetric: a device only accepts what a host may send and vice versa.
type Role uint8

const (
	RoleHost Role = iota + 1
	RoleDevice
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleDevice
	}
	return RoleHost
}

type Kind uint8

const (
	KindContinuation Kind = iota + 1
	KindAck
	KindCodecV1Request
	KindCodecV1Response
	KindAllocationRequest
	KindAllocationResponse
	KindTransportError
	KindPing
	KindPong
	KindHandshake
	KindEncrypted
)

func (k Kind) String() string {
	switch k {
	case KindContinuation:
		return "CONTINUATION"
	case KindAck:
		return "ACK"
	case KindCodecV1Request:
		return "CODEC_V1_REQUEST"
	case KindCodecV1Response:
		return "CODEC_V1_RESPONSE"
	case KindAllocationRequest:
		return "CHANNEL_ALLOCATION_REQ"
	case KindAllocationResponse:
		return "CHANNEL_ALLOCATION_RES"
	case KindTransportError:
		return "TRANSPORT_ERROR"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindHandshake:
		return "HANDSHAKE"
	case KindEncrypted:
		return "ENCRYPTED_TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// HandshakePhase numbers the four handshake messages. The value is also the
// masked control byte.
type HandshakePhase uint8

const (
	PhaseInitRequest HandshakePhase = iota
	PhaseInitResponse
	PhaseCompletionRequest
	PhaseCompletionResponse
)

func (p HandshakePhase) String() string {
	switch p {
	case PhaseInitRequest:
		return "HANDSHAKE_INIT_REQ"
	case PhaseInitResponse:
		return "HANDSHAKE_INIT_RES"
	case PhaseCompletionRequest:
		return "HANDSHAKE_COMP_REQ"
	case PhaseCompletionResponse:
		return "HANDSHAKE_COMP_RES"
	default:
		return "UNKNOWN"
	}
}

// SentBy returns the role that sends this phase.
func (p HandshakePhase) SentBy() Role {
	if p == PhaseInitRequest || p == PhaseCompletionRequest {
		return RoleHost
	}
	return RoleDevice
}
