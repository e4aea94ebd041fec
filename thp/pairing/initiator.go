package pairing

import (
	"fmt"

	"github.com/TheusHen/thp/thp/protocol"
)

// Tagger produces the host side of an out-of-band confirmation.
type Tagger interface {
	// Tag returns the value the host sends for method, bound to the
	// channel handshake hash.
	Tag(method Method, handshakeHash []byte) ([]byte, error)
	// VerifySecret checks the device's reply to the tag.
	VerifySecret(method Method, handshakeHash, secret []byte) error
}

// InitiatorConfig controls the host pairing flow.
type InitiatorConfig struct {
	HostName string
	AppName  string
	// Method is used when the device reports the host as unpaired.
	// Zero selects MethodSkipPairing.
	Method Method
	// Tagger is required for out-of-band methods.
	Tagger Tagger
	// RequestCredential asks the device for a credential before ending.
	RequestCredential bool
	Autoconnect       bool
	// HostStaticKey is the public key the credential will be bound to.
	HostStaticKey []byte
	// Credential is the previously stored credential, if any. It is
	// presented when asking for an autoconnect credential.
	Credential []byte
}

type initiatorStep uint8

const (
	stepStart initiatorStep = iota
	stepRequest
	stepSelect
	stepPreparations
	stepTag
	stepCredential
	stepEnd
	stepDone
	stepFailed
)

// Initiator drives the host side of pairing one message at a time. It
// is not safe for concurrent use.
type Initiator struct {
	cfg    InitiatorConfig
	props  DeviceProperties
	hash   []byte
	paired bool

	step       initiatorStep
	credential *CredentialResponse
}

// NewInitiator prepares a pairing flow. paired is the handshake outcome
// reported in the completion response.
func NewInitiator(cfg InitiatorConfig, props DeviceProperties, handshakeHash []byte, paired bool) *Initiator {
	if cfg.Method == 0 {
		cfg.Method = MethodSkipPairing
	}
	return &Initiator{cfg: cfg, props: props, hash: handshakeHash, paired: paired}
}

// Start returns the first message to send.
func (p *Initiator) Start() (Message, error) {
	if p.step != stepStart {
		return nil, fmt.Errorf("%w: pairing already started", protocol.ErrUnexpectedInput)
	}
	if p.paired {
		return p.afterPairing()
	}
	if !p.props.Supports(p.cfg.Method) {
		p.step = stepFailed
		return nil, fmt.Errorf("%w: device does not support %s pairing", protocol.ErrUnexpectedInput, p.cfg.Method)
	}
	if p.cfg.Method.OutOfBand() && p.cfg.Tagger == nil {
		p.step = stepFailed
		return nil, fmt.Errorf("%w: %s pairing needs a tagger", protocol.ErrNotReady, p.cfg.Method)
	}
	p.step = stepRequest
	return &PairingRequest{HostName: p.cfg.HostName, AppName: p.cfg.AppName}, nil
}

// Next consumes the device reply and returns the next message to send, or
// nil once pairing is complete.
func (p *Initiator) Next(resp Message) (Message, error) {
	if f, ok := resp.(*Failure); ok {
		p.step = stepFailed
		return nil, f
	}
	switch p.step {
	case stepRequest:
		if _, ok := resp.(*PairingRequestApproved); !ok {
			return p.unexpected(resp)
		}
		p.step = stepSelect
		return &SelectMethod{Method: p.cfg.Method}, nil

	case stepSelect:
		if p.cfg.Method == MethodSkipPairing {
			if _, ok := resp.(*EndResponse); !ok {
				return p.unexpected(resp)
			}
			p.step = stepDone
			return nil, nil
		}
		if _, ok := resp.(*PairingPreparationsFinished); !ok {
			return p.unexpected(resp)
		}
		tagType, _, _ := p.cfg.Method.tagTypes()
		tag, err := p.cfg.Tagger.Tag(p.cfg.Method, p.hash)
		if err != nil {
			p.step = stepFailed
			return nil, err
		}
		p.step = stepTag
		return &Tag{Type: tagType, Tag: tag}, nil

	case stepTag:
		_, secretType, _ := p.cfg.Method.tagTypes()
		s, ok := resp.(*Secret)
		if !ok || s.Type != secretType {
			return p.unexpected(resp)
		}
		if err := p.cfg.Tagger.VerifySecret(p.cfg.Method, p.hash, s.Secret); err != nil {
			p.step = stepFailed
			return nil, fmt.Errorf("pairing: device secret rejected: %w", err)
		}
		return p.afterPairing()

	case stepCredential:
		c, ok := resp.(*CredentialResponse)
		if !ok || len(c.Credential) == 0 {
			return p.unexpected(resp)
		}
		p.credential = c
		p.step = stepEnd
		return &EndRequest{}, nil

	case stepEnd:
		if _, ok := resp.(*EndResponse); !ok {
			return p.unexpected(resp)
		}
		p.step = stepDone
		return nil, nil
	}
	return nil, fmt.Errorf("%w: pairing is not in progress", protocol.ErrUnexpectedInput)
}

func (p *Initiator) afterPairing() (Message, error) {
	if p.cfg.RequestCredential {
		p.step = stepCredential
		req := &CredentialRequest{
			HostStaticPubkey: p.cfg.HostStaticKey,
			Autoconnect:      p.cfg.Autoconnect,
		}
		if p.cfg.Autoconnect {
			req.Credential = p.cfg.Credential
		}
		return req, nil
	}
	p.step = stepEnd
	return &EndRequest{}, nil
}

func (p *Initiator) unexpected(resp Message) (Message, error) {
	p.step = stepFailed
	return nil, fmt.Errorf("%w: unexpected %s during pairing", protocol.ErrUnexpectedInput, MessageTypeName(resp.MessageType()))
}

// Done reports whether the device sent its final EndResponse.
func (p *Initiator) Done() bool { return p.step == stepDone }

// Credential returns the credential issued during this flow.
func (p *Initiator) Credential() (*CredentialResponse, bool) {
	return p.credential, p.credential != nil
}
