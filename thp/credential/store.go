// Package credential stores pairing credentials on the host and issues
// and validates them on the device.
package credential

import (
	"errors"
	"time"

	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/identity"
)

var ErrInvalidCredential = errors.New("credential: invalid credential")

// Credential is what a host keeps for one paired device.
type Credential struct {
	// DeviceKey is the device static public key learned in the handshake.
	DeviceKey [crypto.DHLen]byte
	// HostKey is the static key the credential was issued to. The host
	// must present this key in the handshake together with Blob.
	HostKey crypto.KeyPair
	// Blob is the opaque credential issued by the device.
	Blob        []byte
	Autoconnect bool
	IssuedAt    time.Time
}

// DeviceID identifies the device the credential belongs to.
func (c *Credential) DeviceID() identity.DeviceID {
	return identity.DeviceIDFromPublicKey(c.DeviceKey[:])
}

// Store persists host credentials keyed by device static key.
// Lookup reports ok=false when the device is unknown.
type Store interface {
	Lookup(deviceKey []byte) (c Credential, ok bool, err error)
	Save(c Credential) error
}

// Null never finds anything and discards saves.
type Null struct{}

func (Null) Lookup([]byte) (Credential, bool, error) { return Credential{}, false, nil }
func (Null) Save(Credential) error                   { return nil }
