package noise

import (
	"errors"
	"fmt"

	"github.com/TheusHen/thp/thp/crypto"
)

var (
	ErrHandshakeFinished = errors.New("noise: handshake already finished")
	ErrHandshakeFailed   = errors.New("noise: handshake failed")
	ErrOutOfOrder        = errors.New("noise: message out of order")
	ErrShortMessage      = errors.New("noise: message too short")
	ErrNotFinished       = errors.New("noise: handshake not finished")
	ErrStaticCommitted   = errors.New("noise: static key already sent")
	ErrCiphersDestroyed  = errors.New("noise: ciphers destroyed")
)

// MessageLen returns the size of handshake message i (0, 1 or 2) carrying a
// payload of payloadLen bytes.
func MessageLen(i, payloadLen int) int {
	switch i {
	case 0:
		return crypto.DHLen + payloadLen
	case 1:
		return crypto.DHLen + crypto.DHLen + crypto.TagLen + payloadLen + crypto.TagLen
	case 2:
		return crypto.DHLen + crypto.TagLen + payloadLen + crypto.TagLen
	}
	return 0
}

// Handshake is one side of a Noise_XX exchange. It is not safe for
// concurrent use.
type Handshake struct {
	b         crypto.Backend
	ss        symmetricState
	initiator bool
	s         crypto.KeyPair
	e         crypto.KeyPair
	rs        []byte
	re        []byte
	step      int
	failed    bool
}

// NewInitiator starts the handshake on the side that sends the first message.
func NewInitiator(b crypto.Backend, static crypto.KeyPair, prologue []byte) *Handshake {
	return newHandshake(b, true, static, prologue)
}

// NewResponder starts the handshake on the side that receives the first message.
func NewResponder(b crypto.Backend, static crypto.KeyPair, prologue []byte) *Handshake {
	return newHandshake(b, false, static, prologue)
}

func newHandshake(b crypto.Backend, initiator bool, static crypto.KeyPair, prologue []byte) *Handshake {
	hs := &Handshake{
		b:         b,
		ss:        symmetricState{b: b},
		initiator: initiator,
		s:         static,
	}
	hs.ss.initialize("Noise_XX_" + b.Name())
	hs.ss.mixHash(prologue)
	return hs
}

// Initiator reports which side of the exchange this is.
func (hs *Handshake) Initiator() bool { return hs.initiator }

// Step returns how many handshake messages have been processed.
func (hs *Handshake) Step() int { return hs.step }

// Finished reports whether all three messages have been processed.
func (hs *Handshake) Finished() bool { return hs.step == 3 }

// PeerStatic returns the remote static key once it has been received.
func (hs *Handshake) PeerStatic() []byte { return hs.rs }

// LocalStatic returns the static key this side will send or has sent.
func (hs *Handshake) LocalStatic() crypto.KeyPair { return hs.s }

// SetStatic replaces the local static key. The host does this between the
// second and third message once it knows which device it is talking to.
func (hs *Handshake) SetStatic(kp crypto.KeyPair) error {
	sent := (hs.initiator && hs.step > 2) || (!hs.initiator && hs.step > 1)
	if sent || hs.failed {
		return ErrStaticCommitted
	}
	hs.s = kp
	return nil
}

func (hs *Handshake) writesNext() bool {
	return (hs.step%2 == 0) == hs.initiator
}

func (hs *Handshake) fail(err error) error {
	hs.failed = true
	hs.e.Wipe()
	return err
}

// WriteMessage appends the next handshake message, with payload, to out.
func (hs *Handshake) WriteMessage(out, payload []byte) ([]byte, error) {
	switch {
	case hs.failed:
		return nil, ErrHandshakeFailed
	case hs.step >= 3:
		return nil, ErrHandshakeFinished
	case !hs.writesNext():
		return nil, ErrOutOfOrder
	}

	var err error
	switch hs.step {
	case 0:
		if out, err = hs.writeEphemeral(out); err != nil {
			return nil, hs.fail(err)
		}
	case 1:
		if out, err = hs.writeEphemeral(out); err != nil {
			return nil, hs.fail(err)
		}
		if err = hs.mixDH(hs.e, hs.re); err != nil { // ee
			return nil, hs.fail(err)
		}
		if out, err = hs.ss.encryptAndHash(out, hs.s.PublicKey[:]); err != nil {
			return nil, hs.fail(err)
		}
		if err = hs.mixDH(hs.s, hs.re); err != nil { // es
			return nil, hs.fail(err)
		}
	case 2:
		if out, err = hs.ss.encryptAndHash(out, hs.s.PublicKey[:]); err != nil {
			return nil, hs.fail(err)
		}
		if err = hs.mixDH(hs.s, hs.re); err != nil { // se
			return nil, hs.fail(err)
		}
	}
	if out, err = hs.ss.encryptAndHash(out, payload); err != nil {
		return nil, hs.fail(err)
	}
	hs.step++
	return out, nil
}

// ReadMessage consumes the next handshake message and appends its decrypted
// payload to out. Any failure is terminal.
func (hs *Handshake) ReadMessage(out, msg []byte) ([]byte, error) {
	switch {
	case hs.failed:
		return nil, ErrHandshakeFailed
	case hs.step >= 3:
		return nil, ErrHandshakeFinished
	case hs.writesNext():
		return nil, ErrOutOfOrder
	}

	var err error
	switch hs.step {
	case 0:
		if msg, err = hs.readEphemeral(msg); err != nil {
			return nil, hs.fail(err)
		}
	case 1:
		if msg, err = hs.readEphemeral(msg); err != nil {
			return nil, hs.fail(err)
		}
		if err = hs.mixDH(hs.e, hs.re); err != nil { // ee
			return nil, hs.fail(err)
		}
		if msg, err = hs.readStatic(msg); err != nil {
			return nil, hs.fail(err)
		}
		if err = hs.mixDH(hs.e, hs.rs); err != nil { // es
			return nil, hs.fail(err)
		}
	case 2:
		if msg, err = hs.readStatic(msg); err != nil {
			return nil, hs.fail(err)
		}
		if err = hs.mixDH(hs.e, hs.rs); err != nil { // se
			return nil, hs.fail(err)
		}
	}
	if out, err = hs.ss.decryptAndHash(out, msg); err != nil {
		return nil, hs.fail(err)
	}
	hs.step++
	return out, nil
}

func (hs *Handshake) writeEphemeral(out []byte) ([]byte, error) {
	e, err := hs.b.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	hs.e = e
	hs.ss.mixHash(e.PublicKey[:])
	return append(out, e.PublicKey[:]...), nil
}

func (hs *Handshake) readEphemeral(msg []byte) ([]byte, error) {
	if len(msg) < crypto.DHLen {
		return nil, ErrShortMessage
	}
	hs.re = append([]byte(nil), msg[:crypto.DHLen]...)
	hs.ss.mixHash(hs.re)
	return msg[crypto.DHLen:], nil
}

func (hs *Handshake) readStatic(msg []byte) ([]byte, error) {
	n := crypto.DHLen
	if hs.ss.cs.HasKey() {
		n += crypto.TagLen
	}
	if len(msg) < n {
		return nil, ErrShortMessage
	}
	rs, err := hs.ss.decryptAndHash(nil, msg[:n])
	if err != nil {
		return nil, fmt.Errorf("noise: remote static key: %w", err)
	}
	hs.rs = rs
	return msg[n:], nil
}

func (hs *Handshake) mixDH(local crypto.KeyPair, remote []byte) error {
	shared, err := hs.b.DH(local.PrivateKey[:], remote)
	if err != nil {
		return err
	}
	defer crypto.Wipe(shared)
	return hs.ss.mixKey(shared)
}

// HandshakeHash returns the current transcript hash.
func (hs *Handshake) HandshakeHash() []byte {
	h := hs.ss.h
	return h[:]
}

// Split derives the transport ciphers. It may only be called once the third
// message has been processed; ephemeral secrets are wiped afterwards.
func (hs *Handshake) Split() (*Ciphers, error) {
	if hs.failed {
		return nil, ErrHandshakeFailed
	}
	if !hs.Finished() {
		return nil, ErrNotFinished
	}
	c1, c2, err := hs.ss.split()
	if err != nil {
		return nil, err
	}
	c := &Ciphers{hash: hs.ss.h}
	if hs.initiator {
		c.send, c.recv = c1, c2
	} else {
		c.send, c.recv = c2, c1
	}
	hs.e.Wipe()
	crypto.Wipe(hs.ss.ck[:])
	hs.ss.cs.destroy()
	return c, nil
}

// Ciphers holds the transport keys of an established channel.
type Ciphers struct {
	send      CipherState
	recv      CipherState
	hash      [crypto.HashLen]byte
	destroyed bool
}

// Encrypt seals plaintext with the next send nonce and appends it to out.
func (c *Ciphers) Encrypt(out, plaintext []byte) ([]byte, error) {
	if c.destroyed {
		return nil, ErrCiphersDestroyed
	}
	return c.send.Encrypt(out, nil, plaintext)
}

// Decrypt opens ciphertext with the next receive nonce and appends it to out.
func (c *Ciphers) Decrypt(out, ciphertext []byte) ([]byte, error) {
	if c.destroyed {
		return nil, ErrCiphersDestroyed
	}
	return c.recv.Decrypt(out, nil, ciphertext)
}

func (c *Ciphers) SendNonce() uint64 { return c.send.Nonce() }
func (c *Ciphers) RecvNonce() uint64 { return c.recv.Nonce() }

// HandshakeHash is the channel binding value both sides agree on.
func (c *Ciphers) HandshakeHash() []byte {
	h := c.hash
	return h[:]
}

// Destroy drops both keys; Encrypt and Decrypt fail afterwards.
func (c *Ciphers) Destroy() {
	c.destroyed = true
	c.send.destroy()
	c.recv.destroy()
}
