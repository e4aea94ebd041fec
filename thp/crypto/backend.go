package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
)

const (
	// DHLen is the size of X25519 keys and shared secrets.
	DHLen = 32
	// KeySize is the size of AEAD keys.
	KeySize = 32
	// TagLen is the size of the AEAD authentication tag.
	TagLen = 16
	// HashLen is the output size of every supported hash.
	HashLen = 32
)

var ErrRandomSource = errors.New("crypto: random source failed")

// Backend is the capability set a channel is bound to for its whole lifetime.
// Implementations must be safe to share between channels; they hold no
// per-channel state.
type Backend interface {
	// Name returns the Noise suffix, e.g. "25519_AESGCM_SHA256".
	Name() string
	GenerateKeypair() (KeyPair, error)
	DH(privateKey, publicKey []byte) ([]byte, error)
	Cipher(key []byte) (Cipher, error)
	Hash() hash.Hash
	// RandomBytes fills dst from the backend's entropy source.
	RandomBytes(dst []byte) error
}

// Cipher is an AEAD keyed once, with the nonce supplied as a counter.
type Cipher interface {
	Seal(dst []byte, n uint64, ad, plaintext []byte) []byte
	Open(dst []byte, n uint64, ad, ciphertext []byte) ([]byte, error)
	Overhead() int
}

// Suite is the stock Backend implementation.
type Suite struct {
	name         string
	newAEAD      func(key []byte) (cipher.AEAD, error)
	littleEndian bool
	newHash      func() hash.Hash
	random       io.Reader
}

// AESGCMSHA256 returns the suite used by Trezor devices:
// X25519, AES-256-GCM and SHA-256. A nil random reader selects crypto/rand.
func AESGCMSHA256(random io.Reader) *Suite {
	return &Suite{
		name:    "25519_AESGCM_SHA256",
		newAEAD: newAESGCM,
		newHash: sha256.New,
		random:  orDefault(random),
	}
}

// ChaChaPolyBLAKE2s returns X25519, ChaCha20-Poly1305 and BLAKE2s-256.
func ChaChaPolyBLAKE2s(random io.Reader) *Suite {
	return &Suite{
		name:         "25519_ChaChaPoly_BLAKE2s",
		newAEAD:      newChaChaPoly,
		littleEndian: true,
		newHash:      newBLAKE2s,
		random:       orDefault(random),
	}
}

// Default is AESGCMSHA256 backed by crypto/rand.
func Default() *Suite { return AESGCMSHA256(nil) }

func orDefault(r io.Reader) io.Reader {
	if r == nil {
		return rand.Reader
	}
	return r
}

func newBLAKE2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		// only possible with an oversized key
		panic(err)
	}
	return h
}

func (s *Suite) Name() string { return s.name }

func (s *Suite) GenerateKeypair() (KeyPair, error) {
	return GenerateX25519(s.random)
}

func (s *Suite) DH(privateKey, publicKey []byte) ([]byte, error) {
	return ECDH(privateKey, publicKey)
}

func (s *Suite) Cipher(key []byte) (Cipher, error) {
	return NewAEAD(key, s.newAEAD, s.littleEndian)
}

func (s *Suite) Hash() hash.Hash { return s.newHash() }

func (s *Suite) RandomBytes(dst []byte) error {
	if _, err := io.ReadFull(s.random, dst); err != nil {
		return errors.Join(ErrRandomSource, err)
	}
	return nil
}
