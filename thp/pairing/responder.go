package pairing

import (
	"bytes"
	"fmt"

	"github.com/TheusHen/thp/thp/protocol"
)

// Issuer creates and checks pairing credentials on the device.
type Issuer interface {
	Issue(hostStaticKey []byte, meta CredentialMetadata) ([]byte, error)
	Check(hostStaticKey, credential []byte) (bool, CredentialMetadata)
}

// Confirmer validates an out-of-band tag on the device and returns the
// secret to reveal to the host.
type Confirmer interface {
	Confirm(method Method, handshakeHash, tag []byte) (secret []byte, err error)
}

type ResponderConfig struct {
	Properties      DeviceProperties
	DeviceStaticKey []byte
	Issuer          Issuer
	Confirmer       Confirmer
}

type responderStep uint8

const (
	respStart responderStep = iota
	respSelect
	respTag
	respCredential
	respDone
	respFailed
)

// Responder is the device side of pairing.
type Responder struct {
	cfg        ResponderConfig
	hash       []byte
	hostStatic []byte
	paired     bool

	step    responderStep
	method  Method
	request PairingRequest
}

// NewResponder starts a pairing flow for a host whose handshake reported
// paired (a valid credential was presented).
func NewResponder(cfg ResponderConfig, handshakeHash, hostStaticKey []byte, paired bool) *Responder {
	return &Responder{cfg: cfg, hash: handshakeHash, hostStatic: hostStaticKey, paired: paired}
}

// Handle answers one host message. On a protocol violation it returns both
// a Failure to send back and a non-nil error; the flow is then over.
func (r *Responder) Handle(req Message) (Message, error) {
	switch m := req.(type) {
	case *PairingRequest:
		if r.step != respStart {
			break
		}
		if m.HostName == "" {
			return r.fail(FailureDataError, "pairing request without a host name")
		}
		r.request = *m
		r.step = respSelect
		return &PairingRequestApproved{}, nil

	case *SelectMethod:
		if r.step != respSelect {
			break
		}
		if !r.cfg.Properties.Supports(m.Method) {
			return r.fail(FailureDataError, "pairing method %s not offered", m.Method)
		}
		r.method = m.Method
		if m.Method == MethodSkipPairing {
			r.step = respDone
			return &EndResponse{}, nil
		}
		if r.cfg.Confirmer == nil {
			return r.fail(FailureProcessError, "%s pairing unavailable", m.Method)
		}
		r.step = respTag
		return &PairingPreparationsFinished{}, nil

	case *Tag:
		tagType, secretType, _ := r.method.tagTypes()
		if r.step != respTag || m.Type != tagType {
			break
		}
		secret, err := r.cfg.Confirmer.Confirm(r.method, r.hash, m.Tag)
		if err != nil {
			return r.fail(FailureDataError, "%s confirmation failed", r.method)
		}
		r.step = respCredential
		return &Secret{Type: secretType, Secret: secret}, nil

	case *CredentialRequest:
		if !r.authorized() || r.cfg.Issuer == nil {
			break
		}
		return r.issue(m)

	case *EndRequest:
		if !r.authorized() {
			break
		}
		r.step = respDone
		return &EndResponse{}, nil
	}
	return r.fail(FailureUnexpectedMessage, "unexpected %s", MessageTypeName(req.MessageType()))
}

// authorized reports whether the credential phase may run.
func (r *Responder) authorized() bool {
	switch r.step {
	case respCredential:
		return true
	case respStart:
		return r.paired
	}
	return false
}

func (r *Responder) issue(m *CredentialRequest) (Message, error) {
	if !bytes.Equal(m.HostStaticPubkey, r.hostStatic) {
		return r.fail(FailureDataError, "credential requested for a foreign host key")
	}
	meta := CredentialMetadata{
		HostName:    r.request.HostName,
		AppName:     r.request.AppName,
		Autoconnect: m.Autoconnect,
	}
	if ok, prev := r.cfg.Issuer.Check(r.hostStatic, m.Credential); ok && meta.HostName == "" {
		meta.HostName, meta.AppName = prev.HostName, prev.AppName
	} else if m.Autoconnect && !r.paired && !ok {
		return r.fail(FailureDataError, "autoconnect needs a valid credential")
	}
	cred, err := r.cfg.Issuer.Issue(r.hostStatic, meta)
	if err != nil {
		return r.fail(FailureProcessError, "issue credential: %v", err)
	}
	r.step = respCredential
	return &CredentialResponse{TrezorStaticPubkey: r.cfg.DeviceStaticKey, Credential: cred}, nil
}

func (r *Responder) fail(code FailureType, format string, args ...any) (Message, error) {
	r.step = respFailed
	f := &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
	return f, fmt.Errorf("%w: %s", protocol.ErrUnexpectedInput, f.Message)
}

// Done reports whether EndResponse was produced.
func (r *Responder) Done() bool { return r.step == respDone }

// Method returns the selected method, zero if none was selected.
func (r *Responder) Method() Method { return r.method }
