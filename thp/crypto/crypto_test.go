package crypto

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

func seeded(seed byte) *rand.ChaCha8 {
	var s [32]byte
	s[0] = seed
	return rand.NewChaCha8(s)
}

func TestX25519KeyExchange(t *testing.T) {
	for _, b := range []Backend{AESGCMSHA256(nil), ChaChaPolyBLAKE2s(nil)} {
		alice, err := b.GenerateKeypair()
		if err != nil {
			t.Fatalf("%s GenerateKeypair: %v", b.Name(), err)
		}
		bob, err := b.GenerateKeypair()
		if err != nil {
			t.Fatalf("%s GenerateKeypair: %v", b.Name(), err)
		}
		s1, err := b.DH(alice.PrivateKey[:], bob.PublicKey[:])
		if err != nil {
			t.Fatalf("%s DH: %v", b.Name(), err)
		}
		s2, err := b.DH(bob.PrivateKey[:], alice.PublicKey[:])
		if err != nil {
			t.Fatalf("%s DH: %v", b.Name(), err)
		}
		if !bytes.Equal(s1, s2) {
			t.Fatalf("%s shared secrets differ", b.Name())
		}
	}
}

func TestECDHRejectsZeroKey(t *testing.T) {
	kp, err := GenerateX25519(nil)
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	var zero [DHLen]byte
	if _, err := ECDH(kp.PrivateKey[:], zero[:]); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if _, err := ECDH(kp.PrivateKey[:], []byte{1, 2, 3}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for short key, got %v", err)
	}
}

func TestKeyPairFromPrivateStable(t *testing.T) {
	kp, _ := GenerateX25519(nil)
	again, err := KeyPairFromPrivate(kp.PrivateKey[:])
	if err != nil {
		t.Fatalf("KeyPairFromPrivate: %v", err)
	}
	if again != kp {
		t.Fatalf("keypair mismatch")
	}
	if _, err := KeyPairFromPrivate(kp.PrivateKey[:31]); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestDeterministicRandomness(t *testing.T) {
	a := AESGCMSHA256(seeded(7))
	b := AESGCMSHA256(seeded(7))
	ka, _ := a.GenerateKeypair()
	kb, _ := b.GenerateKeypair()
	if ka != kb {
		t.Fatalf("same seed produced different keys")
	}
	var ra, rb [8]byte
	if err := a.RandomBytes(ra[:]); err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	_ = b.RandomBytes(rb[:])
	if ra != rb {
		t.Fatalf("same seed produced different bytes")
	}
}

func TestAEADCounterNonce(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	for _, b := range []Backend{AESGCMSHA256(nil), ChaChaPolyBLAKE2s(nil)} {
		c, err := b.Cipher(key)
		if err != nil {
			t.Fatalf("%s Cipher: %v", b.Name(), err)
		}
		msg := []byte("hello device")
		ct0 := c.Seal(nil, 0, nil, msg)
		ct1 := c.Seal(nil, 1, nil, msg)
		if bytes.Equal(ct0, ct1) {
			t.Fatalf("%s: different counters produced identical ciphertext", b.Name())
		}
		if len(ct0) != len(msg)+TagLen {
			t.Fatalf("%s: unexpected ciphertext length %d", b.Name(), len(ct0))
		}
		pt, err := c.Open(nil, 0, nil, ct0)
		if err != nil {
			t.Fatalf("%s Open: %v", b.Name(), err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatalf("%s: plaintext mismatch", b.Name())
		}
		if _, err := c.Open(nil, 1, nil, ct0); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed with wrong counter, got %v", b.Name(), err)
		}
		if _, err := c.Open(nil, 0, []byte("ad"), ct0); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed with wrong ad, got %v", b.Name(), err)
		}
		if _, err := c.Open(nil, 0, nil, ct0[:TagLen-1]); !errors.Is(err, ErrCiphertextTooShort) {
			t.Fatalf("%s: expected ErrCiphertextTooShort, got %v", b.Name(), err)
		}
	}
}

func TestAEADInPlace(t *testing.T) {
	c, _ := Default().Cipher(make([]byte, KeySize))
	buf := make([]byte, 5, 5+TagLen)
	copy(buf, "abcde")
	sealed := c.Seal(buf[:0], 3, nil, buf)
	opened, err := c.Open(sealed[:0], 3, nil, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != "abcde" {
		t.Fatalf("got %q", opened)
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := Default().Cipher(make([]byte, 16)); !errors.Is(err, ErrInvalidKeySize) {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestHKDFOutputs(t *testing.T) {
	b := Default()
	ck := bytes.Repeat([]byte{1}, HashLen)
	k1, k2, err := HKDF(b, ck, []byte("ikm"))
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("HKDF outputs must differ")
	}
	j1, j2, _ := HKDF(b, ck, []byte("ikm"))
	if j1 != k1 || j2 != k2 {
		t.Fatalf("HKDF not deterministic")
	}
	c1, _, _ := HKDF(ChaChaPolyBLAKE2s(nil), ck, []byte("ikm"))
	if c1 == k1 {
		t.Fatalf("different hashes produced the same output")
	}
}

func BenchmarkAESGCMSeal(b *testing.B) {
	c, _ := Default().Cipher(make([]byte, KeySize))
	msg := make([]byte, 1024)
	out := make([]byte, 0, len(msg)+TagLen)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out = c.Seal(out[:0], uint64(i), nil, msg)
	}
}

func BenchmarkChaChaPolySeal(b *testing.B) {
	c, _ := ChaChaPolyBLAKE2s(nil).Cipher(make([]byte, KeySize))
	msg := make([]byte, 1024)
	out := make([]byte, 0, len(msg)+TagLen)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out = c.Seal(out[:0], uint64(i), nil, msg)
	}
}
