package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	fnoise "github.com/flynn/noise"

	"github.com/TheusHen/thp/thp/crypto"
)

var prologue = []byte{0x01, 0x02, 0x03}

func mustKey(t *testing.T, b crypto.Backend) crypto.KeyPair {
	t.Helper()
	kp, err := b.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp
}

func runXX(t *testing.T, b crypto.Backend) (*Handshake, *Handshake) {
	t.Helper()
	ini := NewInitiator(b, mustKey(t, b), prologue)
	res := NewResponder(b, mustKey(t, b), prologue)

	msg1, err := ini.WriteMessage(nil, []byte{0x01})
	if err != nil {
		t.Fatalf("write msg1: %v", err)
	}
	if len(msg1) != MessageLen(0, 1) {
		t.Fatalf("msg1 len %d", len(msg1))
	}
	p, err := res.ReadMessage(nil, msg1)
	if err != nil || !bytes.Equal(p, []byte{0x01}) {
		t.Fatalf("read msg1: %x %v", p, err)
	}
	msg2, err := res.WriteMessage(nil, nil)
	if err != nil {
		t.Fatalf("write msg2: %v", err)
	}
	if len(msg2) != MessageLen(1, 0) {
		t.Fatalf("msg2 len %d", len(msg2))
	}
	if _, err := ini.ReadMessage(nil, msg2); err != nil {
		t.Fatalf("read msg2: %v", err)
	}
	msg3, err := ini.WriteMessage(nil, []byte("credential"))
	if err != nil {
		t.Fatalf("write msg3: %v", err)
	}
	if len(msg3) != MessageLen(2, len("credential")) {
		t.Fatalf("msg3 len %d", len(msg3))
	}
	p, err = res.ReadMessage(nil, msg3)
	if err != nil || string(p) != "credential" {
		t.Fatalf("read msg3: %q %v", p, err)
	}
	return ini, res
}

func TestXXBothSuites(t *testing.T) {
	for _, b := range []crypto.Backend{crypto.AESGCMSHA256(nil), crypto.ChaChaPolyBLAKE2s(nil)} {
		ini, res := runXX(t, b)
		resStatic, iniStatic := res.LocalStatic(), ini.LocalStatic()
		if !bytes.Equal(ini.PeerStatic(), resStatic.PublicKey[:]) {
			t.Fatalf("%s: initiator learned wrong static key", b.Name())
		}
		if !bytes.Equal(res.PeerStatic(), iniStatic.PublicKey[:]) {
			t.Fatalf("%s: responder learned wrong static key", b.Name())
		}
		ci, err := ini.Split()
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		cr, err := res.Split()
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		if !bytes.Equal(ci.HandshakeHash(), cr.HandshakeHash()) {
			t.Fatalf("%s: handshake hashes differ", b.Name())
		}
		ct, err := ci.Encrypt(nil, []byte("hello"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		pt, err := cr.Decrypt(nil, ct)
		if err != nil || string(pt) != "hello" {
			t.Fatalf("Decrypt: %q %v", pt, err)
		}
		ct, _ = cr.Encrypt(nil, []byte("back"))
		pt, err = ci.Decrypt(nil, ct)
		if err != nil || string(pt) != "back" {
			t.Fatalf("Decrypt reverse: %q %v", pt, err)
		}
	}
}

func TestReplayRejected(t *testing.T) {
	ini, res := runXX(t, crypto.Default())
	ci, _ := ini.Split()
	cr, _ := res.Split()
	ct, _ := ci.Encrypt(nil, []byte("once"))
	if _, err := cr.Decrypt(nil, ct); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if _, err := cr.Decrypt(nil, ct); err == nil {
		t.Fatalf("replayed message accepted")
	}
	if cr.RecvNonce() != 1 {
		t.Fatalf("failed decrypt advanced nonce to %d", cr.RecvNonce())
	}
}

func TestOutOfOrder(t *testing.T) {
	b := crypto.Default()
	res := NewResponder(b, mustKey(t, b), nil)
	if _, err := res.WriteMessage(nil, nil); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	ini := NewInitiator(b, mustKey(t, b), nil)
	if _, err := ini.ReadMessage(nil, make([]byte, 32)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if _, err := ini.Split(); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("expected ErrNotFinished, got %v", err)
	}
}

func TestFourthMessageRejected(t *testing.T) {
	ini, res := runXX(t, crypto.Default())
	if !ini.Finished() || !res.Finished() {
		t.Fatal("handshake not finished after three messages")
	}
	extra, err := ini.WriteMessage(nil, nil)
	if !errors.Is(err, ErrHandshakeFinished) || extra != nil {
		t.Fatalf("initiator WriteMessage = %x, %v", extra, err)
	}
	if _, err := res.ReadMessage(nil, make([]byte, 48)); !errors.Is(err, ErrHandshakeFinished) {
		t.Fatalf("responder ReadMessage = %v", err)
	}
	if _, err := res.WriteMessage(nil, nil); !errors.Is(err, ErrHandshakeFinished) {
		t.Fatalf("responder WriteMessage = %v", err)
	}
	if _, err := ini.ReadMessage(nil, make([]byte, 48)); !errors.Is(err, ErrHandshakeFinished) {
		t.Fatalf("initiator ReadMessage = %v", err)
	}
	if _, err := ini.Split(); err != nil {
		t.Fatalf("Split after rejected message: %v", err)
	}
}

func TestTamperedHandshakeIsTerminal(t *testing.T) {
	b := crypto.Default()
	ini := NewInitiator(b, mustKey(t, b), nil)
	res := NewResponder(b, mustKey(t, b), nil)
	msg1, _ := ini.WriteMessage(nil, nil)
	if _, err := res.ReadMessage(nil, msg1); err != nil {
		t.Fatalf("read msg1: %v", err)
	}
	msg2, _ := res.WriteMessage(nil, nil)
	msg2[40] ^= 0x01
	if _, err := ini.ReadMessage(nil, msg2); err == nil {
		t.Fatalf("tampered msg2 accepted")
	}
	if _, err := ini.WriteMessage(nil, nil); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
}

func TestPrologueMismatch(t *testing.T) {
	b := crypto.Default()
	ini := NewInitiator(b, mustKey(t, b), []byte("a"))
	res := NewResponder(b, mustKey(t, b), []byte("b"))
	msg1, _ := ini.WriteMessage(nil, nil)
	if _, err := res.ReadMessage(nil, msg1); err != nil {
		t.Fatalf("read msg1: %v", err)
	}
	msg2, _ := res.WriteMessage(nil, nil)
	if _, err := ini.ReadMessage(nil, msg2); err == nil {
		t.Fatalf("prologue mismatch went unnoticed")
	}
}

func TestSetStatic(t *testing.T) {
	b := crypto.Default()
	ini := NewInitiator(b, mustKey(t, b), nil)
	res := NewResponder(b, mustKey(t, b), nil)
	msg1, _ := ini.WriteMessage(nil, nil)
	res.ReadMessage(nil, msg1)
	msg2, _ := res.WriteMessage(nil, nil)
	if err := res.SetStatic(mustKey(t, b)); !errors.Is(err, ErrStaticCommitted) {
		t.Fatalf("responder static changed after sending: %v", err)
	}
	ini.ReadMessage(nil, msg2)

	replacement := mustKey(t, b)
	if err := ini.SetStatic(replacement); err != nil {
		t.Fatalf("SetStatic: %v", err)
	}
	msg3, _ := ini.WriteMessage(nil, nil)
	if _, err := res.ReadMessage(nil, msg3); err != nil {
		t.Fatalf("read msg3: %v", err)
	}
	if !bytes.Equal(res.PeerStatic(), replacement.PublicKey[:]) {
		t.Fatalf("responder did not see replacement key")
	}
}

func TestLongProtocolNameIsHashed(t *testing.T) {
	// "Noise_XX_25519_ChaChaPoly_BLAKE2s" is 33 bytes.
	b := crypto.ChaChaPolyBLAKE2s(nil)
	hs := NewInitiator(b, mustKey(t, b), nil)
	name := "Noise_XX_" + b.Name()
	if len(name) <= crypto.HashLen {
		t.Fatalf("name unexpectedly short: %d", len(name))
	}
	if bytes.HasPrefix(hs.ss.ck[:], []byte(name[:crypto.HashLen])) {
		t.Fatalf("long protocol name was not hashed")
	}
}

func flynnSuite(b crypto.Backend) fnoise.CipherSuite {
	if b.Name() == "25519_ChaChaPoly_BLAKE2s" {
		return fnoise.NewCipherSuite(fnoise.DH25519, fnoise.CipherChaChaPoly, fnoise.HashBLAKE2s)
	}
	return fnoise.NewCipherSuite(fnoise.DH25519, fnoise.CipherAESGCM, fnoise.HashSHA256)
}

func TestInteropFlynnInitiator(t *testing.T) {
	for _, b := range []crypto.Backend{crypto.AESGCMSHA256(nil), crypto.ChaChaPolyBLAKE2s(nil)} {
		cs := flynnSuite(b)
		fkey, _ := cs.GenerateKeypair(rand.Reader)
		fi, err := fnoise.NewHandshakeState(fnoise.Config{
			CipherSuite:   cs,
			Random:        rand.Reader,
			Pattern:       fnoise.HandshakeXX,
			Initiator:     true,
			Prologue:      prologue,
			StaticKeypair: fkey,
		})
		if err != nil {
			t.Fatalf("NewHandshakeState: %v", err)
		}
		res := NewResponder(b, mustKey(t, b), prologue)

		msg1, _, _, err := fi.WriteMessage(nil, []byte{0x00})
		if err != nil {
			t.Fatalf("flynn msg1: %v", err)
		}
		if _, err := res.ReadMessage(nil, msg1); err != nil {
			t.Fatalf("%s read msg1: %v", b.Name(), err)
		}
		msg2, _ := res.WriteMessage(nil, nil)
		if _, _, _, err := fi.ReadMessage(nil, msg2); err != nil {
			t.Fatalf("%s flynn read msg2: %v", b.Name(), err)
		}
		msg3, toResp, toInit, err := fi.WriteMessage(nil, []byte("payload"))
		if err != nil {
			t.Fatalf("flynn msg3: %v", err)
		}
		p, err := res.ReadMessage(nil, msg3)
		if err != nil || string(p) != "payload" {
			t.Fatalf("%s read msg3: %q %v", b.Name(), p, err)
		}
		if !bytes.Equal(res.PeerStatic(), fkey.Public) {
			t.Fatalf("%s: wrong peer static", b.Name())
		}
		ours, err := res.Split()
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		if !bytes.Equal(ours.HandshakeHash(), fi.ChannelBinding()) {
			t.Fatalf("%s: handshake hash mismatch", b.Name())
		}
		ct, err := toResp.Encrypt(nil, nil, []byte("ping"))
		if err != nil {
			t.Fatalf("flynn Encrypt: %v", err)
		}
		pt, err := ours.Decrypt(nil, ct)
		if err != nil || string(pt) != "ping" {
			t.Fatalf("%s Decrypt: %q %v", b.Name(), pt, err)
		}
		ct, _ = ours.Encrypt(nil, []byte("pong"))
		pt, err = toInit.Decrypt(nil, nil, ct)
		if err != nil || string(pt) != "pong" {
			t.Fatalf("%s flynn Decrypt: %q %v", b.Name(), pt, err)
		}
	}
}

func TestInteropFlynnResponder(t *testing.T) {
	b := crypto.Default()
	cs := flynnSuite(b)
	fkey, _ := cs.GenerateKeypair(rand.Reader)
	fr, err := fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:   cs,
		Random:        rand.Reader,
		Pattern:       fnoise.HandshakeXX,
		Prologue:      prologue,
		StaticKeypair: fkey,
	})
	if err != nil {
		t.Fatalf("NewHandshakeState: %v", err)
	}
	ini := NewInitiator(b, mustKey(t, b), prologue)

	msg1, _ := ini.WriteMessage(nil, []byte{0x01})
	if _, _, _, err := fr.ReadMessage(nil, msg1); err != nil {
		t.Fatalf("flynn read msg1: %v", err)
	}
	msg2, _, _, err := fr.WriteMessage(nil, nil)
	if err != nil {
		t.Fatalf("flynn msg2: %v", err)
	}
	if _, err := ini.ReadMessage(nil, msg2); err != nil {
		t.Fatalf("read msg2: %v", err)
	}
	if !bytes.Equal(ini.PeerStatic(), fkey.Public) {
		t.Fatalf("wrong peer static")
	}
	msg3, _ := ini.WriteMessage(nil, nil)
	_, toResp, _, err := fr.ReadMessage(nil, msg3)
	if err != nil {
		t.Fatalf("flynn read msg3: %v", err)
	}
	ours, _ := ini.Split()
	ct, _ := ours.Encrypt(nil, []byte("req"))
	pt, err := toResp.Decrypt(nil, nil, ct)
	if err != nil || string(pt) != "req" {
		t.Fatalf("flynn Decrypt: %q %v", pt, err)
	}
}

func TestDestroy(t *testing.T) {
	ini, _ := runXX(t, crypto.Default())
	c, _ := ini.Split()
	c.Destroy()
	if _, err := c.Encrypt(nil, []byte("x")); !errors.Is(err, ErrCiphersDestroyed) {
		t.Fatalf("expected ErrCiphersDestroyed, got %v", err)
	}
}

func BenchmarkHandshake(b *testing.B) {
	backend := crypto.Default()
	s1, _ := backend.GenerateKeypair()
	s2, _ := backend.GenerateKeypair()
	for i := 0; i < b.N; i++ {
		ini := NewInitiator(backend, s1, nil)
		res := NewResponder(backend, s2, nil)
		m, _ := ini.WriteMessage(nil, nil)
		res.ReadMessage(nil, m)
		m, _ = res.WriteMessage(nil, nil)
		ini.ReadMessage(nil, m)
		m, _ = ini.WriteMessage(nil, nil)
		res.ReadMessage(nil, m)
	}
}
