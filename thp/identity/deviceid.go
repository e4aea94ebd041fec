package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// DeviceID is the stable identifier of a THP static key.
// It is defined as: DeviceID = SHA-256(StaticPublicKey).
type DeviceID [32]byte

func DeviceIDFromPublicKey(publicKey []byte) DeviceID {
	return DeviceID(sha256.Sum256(publicKey))
}

func ParseDeviceIDHex(s string) (DeviceID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return DeviceID{}, err
	}
	if len(b) != len(DeviceID{}) {
		return DeviceID{}, errors.New("identity: invalid DeviceID length")
	}
	return DeviceID(b), nil
}

func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first 8 hex digits, for logs and prompts.
func (id DeviceID) Short() string {
	return id.String()[:8]
}
