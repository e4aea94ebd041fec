package crypto

import (
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 keypair, used both for ephemeral and static keys.
type KeyPair struct {
	PublicKey  [DHLen]byte
	PrivateKey [DHLen]byte
}

var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid X25519 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid X25519 private key")
)

// GenerateX25519 generates a keypair from r.
func GenerateX25519(r io.Reader) (KeyPair, error) {
	var priv [DHLen]byte
	if _, err := io.ReadFull(orDefault(r), priv[:]); err != nil {
		return KeyPair{}, errors.Join(ErrRandomSource, err)
	}
	return KeyPairFromPrivate(priv[:])
}

// KeyPairFromPrivate derives the public key of a stored private key.
func KeyPairFromPrivate(privateKey []byte) (KeyPair, error) {
	if len(privateKey) != DHLen {
		return KeyPair{}, ErrInvalidPrivateKey
	}
	var kp KeyPair
	copy(kp.PrivateKey[:], privateKey)
	// Clamp private key per RFC 7748
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	pub, err := curve25519.X25519(kp.PrivateKey[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// ECDH computes the X25519 shared secret.
func ECDH(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != DHLen {
		return nil, ErrInvalidPrivateKey
	}
	var zero [DHLen]byte
	if len(peerPublicKey) != DHLen || subtle.ConstantTimeCompare(peerPublicKey, zero[:]) == 1 {
		return nil, ErrInvalidPublicKey
	}
	shared, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		// low order point
		return nil, errors.Join(ErrInvalidPublicKey, err)
	}
	return shared, nil
}

// Wipe zeroes the private half of the keypair.
func (kp *KeyPair) Wipe() {
	Wipe(kp.PrivateKey[:])
}
