package pairing

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/TheusHen/thp/thp/protocol"
)

// Message is any pairing-phase protobuf message.
type Message interface {
	MessageType() uint16
	Marshal() []byte
}

// DeviceProperties is sent in the channel allocation response and used as
// the Noise prologue.
type DeviceProperties struct {
	InternalModel        string
	ModelVariant         uint32
	ProtocolVersionMajor uint32
	ProtocolVersionMinor uint32
	PairingMethods       []Method
}

func (p *DeviceProperties) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, p.InternalModel)
	b = appendVarintField(b, 2, uint64(p.ModelVariant))
	b = appendVarintField(b, 3, uint64(p.ProtocolVersionMajor))
	b = appendVarintField(b, 4, uint64(p.ProtocolVersionMinor))
	if len(p.PairingMethods) > 0 {
		var packed []byte
		for _, m := range p.PairingMethods {
			packed = protowire.AppendVarint(packed, uint64(m))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func UnmarshalDeviceProperties(b []byte) (DeviceProperties, error) {
	var p DeviceProperties
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			p.InternalModel = f.str()
		case 2:
			p.ModelVariant = uint32(f.x)
		case 3:
			p.ProtocolVersionMajor = uint32(f.x)
		case 4:
			p.ProtocolVersionMinor = uint32(f.x)
		case 5:
			vs, err := f.varints()
			if err != nil {
				return err
			}
			for _, v := range vs {
				p.PairingMethods = append(p.PairingMethods, Method(v))
			}
		}
		return nil
	})
	return p, err
}

// Supports reports whether m is advertised.
func (p *DeviceProperties) Supports(m Method) bool {
	for _, x := range p.PairingMethods {
		if x == m {
			return true
		}
	}
	return false
}

// HandshakeCompletionReq is the encrypted payload of handshake message 3.
type HandshakeCompletionReq struct {
	HostPairingCredential []byte
}

func (m *HandshakeCompletionReq) Marshal() []byte {
	return appendBytesField(nil, 1, m.HostPairingCredential)
}

func UnmarshalHandshakeCompletionReq(b []byte) (HandshakeCompletionReq, error) {
	var m HandshakeCompletionReq
	err := walk(b, func(f field) error {
		if f.num == 1 {
			m.HostPairingCredential = f.bytes()
		}
		return nil
	})
	return m, err
}

// CredentialMetadata is authenticated by the device inside a credential.
type CredentialMetadata struct {
	HostName    string
	Autoconnect bool
	AppName     string
}

func (m *CredentialMetadata) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.HostName)
	b = appendBoolField(b, 2, m.Autoconnect)
	b = appendStringField(b, 3, m.AppName)
	return b
}

func unmarshalCredentialMetadata(b []byte) (CredentialMetadata, error) {
	var m CredentialMetadata
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.HostName = f.str()
		case 2:
			m.Autoconnect = f.x != 0
		case 3:
			m.AppName = f.str()
		}
		return nil
	})
	return m, err
}

// PairingCredential is the opaque blob a host stores: metadata plus a MAC
// only the issuing device can check.
type PairingCredential struct {
	Metadata CredentialMetadata
	Mac      []byte
}

func (c *PairingCredential) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, c.Metadata.Marshal())
	b = appendBytesField(b, 2, c.Mac)
	return b
}

func UnmarshalPairingCredential(b []byte) (PairingCredential, error) {
	var c PairingCredential
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			m, err := unmarshalCredentialMetadata(f.v)
			if err != nil {
				return err
			}
			c.Metadata = m
		case 2:
			c.Mac = f.bytes()
		}
		return nil
	})
	return c, err
}

type PairingRequest struct {
	HostName string
	AppName  string
}

func (*PairingRequest) MessageType() uint16 { return MessageTypePairingRequest }

func (m *PairingRequest) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.HostName)
	b = appendStringField(b, 2, m.AppName)
	return b
}

type PairingRequestApproved struct{}

func (*PairingRequestApproved) MessageType() uint16 { return MessageTypePairingRequestApproved }
func (*PairingRequestApproved) Marshal() []byte     { return nil }

type SelectMethod struct {
	Method Method
}

func (*SelectMethod) MessageType() uint16 { return MessageTypeSelectMethod }

func (m *SelectMethod) Marshal() []byte { return appendVarintField(nil, 1, uint64(m.Method)) }

type PairingPreparationsFinished struct{}

func (*PairingPreparationsFinished) MessageType() uint16 {
	return MessageTypePairingPreparationsFinished
}
func (*PairingPreparationsFinished) Marshal() []byte { return nil }

// Tag is the host's out-of-band proof for the selected method. Its type is
// one of the three host tag message types.
type Tag struct {
	Type uint16
	Tag  []byte
}

func (m *Tag) MessageType() uint16 { return m.Type }

func (m *Tag) field() protowire.Number {
	if m.Type == MessageTypeCodeEntryCpaceHostTag {
		return 2
	}
	return 1
}

func (m *Tag) Marshal() []byte { return appendBytesField(nil, m.field(), m.Tag) }

// Secret is the device's answer to a valid Tag.
type Secret struct {
	Type   uint16
	Secret []byte
}

func (m *Secret) MessageType() uint16 { return m.Type }
func (m *Secret) Marshal() []byte     { return appendBytesField(nil, 1, m.Secret) }

type CredentialRequest struct {
	HostStaticPubkey []byte
	Autoconnect      bool
	Credential       []byte
}

func (*CredentialRequest) MessageType() uint16 { return MessageTypeCredentialRequest }

func (m *CredentialRequest) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.HostStaticPubkey)
	b = appendBoolField(b, 2, m.Autoconnect)
	b = appendBytesField(b, 3, m.Credential)
	return b
}

type CredentialResponse struct {
	TrezorStaticPubkey []byte
	Credential         []byte
}

func (*CredentialResponse) MessageType() uint16 { return MessageTypeCredentialResponse }

func (m *CredentialResponse) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.TrezorStaticPubkey)
	b = appendBytesField(b, 2, m.Credential)
	return b
}

type EndRequest struct{}

func (*EndRequest) MessageType() uint16 { return MessageTypeEndRequest }
func (*EndRequest) Marshal() []byte     { return nil }

type EndResponse struct{}

func (*EndResponse) MessageType() uint16 { return MessageTypeEndResponse }
func (*EndResponse) Marshal() []byte     { return nil }

// Failure is sent by the device when it rejects a pairing step. It is also
// an error so a host can return it as is.
type Failure struct {
	Code    FailureType
	Message string
}

func (*Failure) MessageType() uint16 { return MessageTypeFailure }

func (m *Failure) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Code))
	b = appendStringField(b, 2, m.Message)
	return b
}

func (m *Failure) Error() string {
	return fmt.Sprintf("pairing: device failure %d: %s", m.Code, m.Message)
}

// Decode parses a pairing message of the given type.
func Decode(typ uint16, b []byte) (Message, error) {
	var m Message
	var err error
	switch typ {
	case MessageTypePairingRequest:
		r := &PairingRequest{}
		err = walk(b, func(f field) error {
			switch f.num {
			case 1:
				r.HostName = f.str()
			case 2:
				r.AppName = f.str()
			}
			return nil
		})
		m = r
	case MessageTypePairingRequestApproved:
		m = &PairingRequestApproved{}
	case MessageTypeSelectMethod:
		r := &SelectMethod{}
		err = walk(b, func(f field) error {
			if f.num == 1 {
				r.Method = Method(f.x)
			}
			return nil
		})
		m = r
	case MessageTypePairingPreparationsFinished:
		m = &PairingPreparationsFinished{}
	case MessageTypeCodeEntryCpaceHostTag, MessageTypeQrCodeTag, MessageTypeNfcTagHost:
		r := &Tag{Type: typ}
		err = walk(b, func(f field) error {
			if f.num == r.field() {
				r.Tag = f.bytes()
			}
			return nil
		})
		m = r
	case MessageTypeCodeEntrySecret, MessageTypeQrCodeSecret, MessageTypeNfcTagTrezor:
		r := &Secret{Type: typ}
		err = walk(b, func(f field) error {
			if f.num == 1 {
				r.Secret = f.bytes()
			}
			return nil
		})
		m = r
	case MessageTypeCredentialRequest:
		r := &CredentialRequest{}
		err = walk(b, func(f field) error {
			switch f.num {
			case 1:
				r.HostStaticPubkey = f.bytes()
			case 2:
				r.Autoconnect = f.x != 0
			case 3:
				r.Credential = f.bytes()
			}
			return nil
		})
		m = r
	case MessageTypeCredentialResponse:
		r := &CredentialResponse{}
		err = walk(b, func(f field) error {
			switch f.num {
			case 1:
				r.TrezorStaticPubkey = f.bytes()
			case 2:
				r.Credential = f.bytes()
			}
			return nil
		})
		m = r
	case MessageTypeEndRequest:
		m = &EndRequest{}
	case MessageTypeEndResponse:
		m = &EndResponse{}
	case MessageTypeFailure:
		r := &Failure{}
		err = walk(b, func(f field) error {
			switch f.num {
			case 1:
				r.Code = FailureType(f.x)
			case 2:
				r.Message = f.str()
			}
			return nil
		})
		m = r
	default:
		return nil, fmt.Errorf("%w: unexpected %s during pairing", protocol.ErrUnexpectedInput, MessageTypeName(typ))
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Envelope wraps m for sending on session 0.
func Envelope(m Message) protocol.Message {
	return protocol.Message{SessionID: 0, Type: m.MessageType(), Payload: m.Marshal()}
}
