package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/identity"
	"github.com/TheusHen/thp/thp/pairing"
)

// SecretSize is the size of the device credential key.
const SecretSize = 32

// Authority is the device side: it issues credentials bound to a host
// static key and validates them in later handshakes. Only the device holding
// the secret can produce or check a credential MAC.
type Authority struct {
	mu         sync.RWMutex
	secret     [SecretSize]byte
	staticKey  crypto.KeyPair
	properties []byte
	revoked    map[identity.DeviceID]struct{}
}

// NewAuthority creates an authority for a device with the given static key
// and encoded device properties.
func NewAuthority(secret [SecretSize]byte, staticKey crypto.KeyPair, properties []byte) *Authority {
	return &Authority{
		secret:     secret,
		staticKey:  staticKey,
		properties: append([]byte(nil), properties...),
		revoked:    make(map[identity.DeviceID]struct{}),
	}
}

// NewRandomAuthority draws a fresh secret from b.
func NewRandomAuthority(b crypto.Backend, staticKey crypto.KeyPair, properties []byte) (*Authority, error) {
	var secret [SecretSize]byte
	if err := b.RandomBytes(secret[:]); err != nil {
		return nil, err
	}
	return NewAuthority(secret, staticKey, properties), nil
}

func (a *Authority) DeviceProperties() []byte { return a.properties }

func (a *Authority) StaticKey() crypto.KeyPair { return a.staticKey }

func (a *Authority) mac(hostStaticKey []byte, meta *pairing.CredentialMetadata) []byte {
	h := hmac.New(sha256.New, a.secret[:])
	h.Write(hostStaticKey)
	h.Write(meta.Marshal())
	return h.Sum(nil)
}

// Issue creates a credential for hostStaticKey.
func (a *Authority) Issue(hostStaticKey []byte, meta pairing.CredentialMetadata) ([]byte, error) {
	if len(hostStaticKey) != crypto.DHLen {
		return nil, errors.New("credential: host key must be 32 bytes")
	}
	a.mu.Lock()
	delete(a.revoked, identity.DeviceIDFromPublicKey(hostStaticKey))
	a.mu.Unlock()

	c := pairing.PairingCredential{Metadata: meta, Mac: a.mac(hostStaticKey, &meta)}
	return c.Marshal(), nil
}

// Check validates a credential presented for hostStaticKey.
func (a *Authority) Check(hostStaticKey, blob []byte) (bool, pairing.CredentialMetadata) {
	if len(blob) == 0 {
		return false, pairing.CredentialMetadata{}
	}
	c, err := pairing.UnmarshalPairingCredential(blob)
	if err != nil {
		return false, pairing.CredentialMetadata{}
	}
	a.mu.RLock()
	_, revoked := a.revoked[identity.DeviceIDFromPublicKey(hostStaticKey)]
	a.mu.RUnlock()
	if revoked || !hmac.Equal(c.Mac, a.mac(hostStaticKey, &c.Metadata)) {
		return false, pairing.CredentialMetadata{}
	}
	return true, c.Metadata
}

// Validate decides the pairing state reported in the completion response.
func (a *Authority) Validate(hostStaticKey, blob []byte) (paired, autoconnect bool) {
	ok, meta := a.Check(hostStaticKey, blob)
	return ok, ok && meta.Autoconnect
}

// Revoke invalidates every credential issued to a host key until a new one
// is issued.
func (a *Authority) Revoke(hostStaticKey []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[identity.DeviceIDFromPublicKey(hostStaticKey)] = struct{}{}
}
