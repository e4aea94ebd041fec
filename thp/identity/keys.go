package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/TheusHen/thp/thp/crypto"
)

var ErrKeyFile = errors.New("identity: invalid key file")

// Generate creates a static X25519 key pair from r (nil for crypto/rand).
func Generate(r io.Reader) (crypto.KeyPair, error) {
	return crypto.GenerateX25519(r)
}

// ID returns the DeviceID of kp's public key.
func ID(kp crypto.KeyPair) DeviceID {
	return DeviceIDFromPublicKey(kp.PublicKey[:])
}

// Save writes the hex encoded private key to path with owner-only
// permissions.
func Save(path string, kp crypto.KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data := hex.AppendEncode(nil, kp.PrivateKey[:])
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

// Load reads a key written by Save.
func Load(path string) (crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	priv, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil || len(priv) != crypto.DHLen {
		return crypto.KeyPair{}, fmt.Errorf("%w: %s", ErrKeyFile, path)
	}
	defer crypto.Wipe(priv)
	return crypto.KeyPairFromPrivate(priv)
}

// LoadOrCreate loads the key at path, generating and saving one if the
// file does not exist. created reports which happened.
func LoadOrCreate(path string) (kp crypto.KeyPair, created bool, err error) {
	kp, err = Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return kp, false, err
	}
	kp, err = Generate(nil)
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	if err := Save(path, kp); err != nil {
		return crypto.KeyPair{}, false, err
	}
	return kp, true, nil
}
