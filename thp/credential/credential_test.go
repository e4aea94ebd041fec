package credential

import (
	"bytes"
	"testing"

	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/pairing"
)

func testKey(t *testing.T, seed byte) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.KeyPairFromPrivate(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestNullStore(t *testing.T) {
	var s Store = Null{}
	if err := s.Save(Credential{Blob: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Lookup(make([]byte, 32)); ok || err != nil {
		t.Fatalf("null store hit: %v %v", ok, err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	dev := testKey(t, 7)
	c := Credential{DeviceKey: dev.PublicKey, HostKey: testKey(t, 8), Blob: []byte("blob")}
	if err := s.Save(c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Lookup(dev.PublicKey[:])
	if err != nil || !ok {
		t.Fatalf("Lookup: %v %v", ok, err)
	}
	if got.HostKey != c.HostKey || !bytes.Equal(got.Blob, c.Blob) {
		t.Fatalf("got %+v", got)
	}
	got.Blob[0] = 'X'
	again, _, _ := s.Lookup(dev.PublicKey[:])
	if again.Blob[0] != 'b' {
		t.Fatalf("lookup aliases stored blob")
	}

	if err := s.Save(Credential{DeviceKey: dev.PublicKey}); err == nil {
		t.Fatalf("empty blob saved")
	}
	s.Forget(c.DeviceID())
	if _, ok, _ := s.Lookup(dev.PublicKey[:]); ok || s.Count() != 0 {
		t.Fatalf("credential survived Forget")
	}
}

func TestAuthorityIssueValidate(t *testing.T) {
	var secret [SecretSize]byte
	secret[0] = 1
	dev := testKey(t, 1)
	host := testKey(t, 2)
	a := NewAuthority(secret, dev, []byte{0x0a, 0x01, 'T'})

	blob, err := a.Issue(host.PublicKey[:], pairing.CredentialMetadata{HostName: "desk", Autoconnect: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	paired, auto := a.Validate(host.PublicKey[:], blob)
	if !paired || !auto {
		t.Fatalf("Validate = %v %v", paired, auto)
	}

	other := testKey(t, 3)
	if paired, _ := a.Validate(other.PublicKey[:], blob); paired {
		t.Fatalf("credential accepted for another host key")
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 1
	if paired, _ := a.Validate(host.PublicKey[:], tampered); paired {
		t.Fatalf("tampered credential accepted")
	}

	var secret2 [SecretSize]byte
	if paired, _ := NewAuthority(secret2, dev, nil).Validate(host.PublicKey[:], blob); paired {
		t.Fatalf("credential accepted by another device")
	}

	if paired, _ := a.Validate(host.PublicKey[:], nil); paired {
		t.Fatalf("empty credential accepted")
	}
}

func TestAuthorityRevoke(t *testing.T) {
	a, err := NewRandomAuthority(crypto.Default(), testKey(t, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	host := testKey(t, 2)
	blob, _ := a.Issue(host.PublicKey[:], pairing.CredentialMetadata{})
	a.Revoke(host.PublicKey[:])
	if ok, _ := a.Check(host.PublicKey[:], blob); ok {
		t.Fatalf("revoked credential accepted")
	}
	fresh, _ := a.Issue(host.PublicKey[:], pairing.CredentialMetadata{})
	if ok, _ := a.Check(host.PublicKey[:], fresh); !ok {
		t.Fatalf("reissued credential rejected")
	}
}

func TestAuthorityIsPairingIssuer(t *testing.T) {
	var _ pairing.Issuer = (*Authority)(nil)
}
