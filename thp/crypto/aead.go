package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size")
)

// AEAD wraps a 96-bit nonce AEAD whose nonce is built from a 64-bit counter
// owned by the caller: 4 zero bytes followed by the counter. AES-GCM encodes
// the counter big endian, ChaCha20-Poly1305 little endian.
type AEAD struct {
	aead         cipher.AEAD
	littleEndian bool
}

// NewAEAD keys the AEAD produced by newAEAD.
func NewAEAD(key []byte, newAEAD func([]byte) (cipher.AEAD, error), littleEndian bool) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: aead, littleEndian: littleEndian}, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func newChaChaPoly(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

func (a *AEAD) nonce(n uint64) []byte {
	nonce := make([]byte, a.aead.NonceSize())
	if a.littleEndian {
		binary.LittleEndian.PutUint64(nonce[4:], n)
	} else {
		binary.BigEndian.PutUint64(nonce[4:], n)
	}
	return nonce
}

// Seal encrypts and authenticates plaintext with counter n, appending
// ciphertext || tag to dst. plaintext[:0] may be passed as dst.
func (a *AEAD) Seal(dst []byte, n uint64, ad, plaintext []byte) []byte {
	return a.aead.Seal(dst, a.nonce(n), plaintext, ad)
}

// Open verifies and decrypts ciphertext || tag sealed with counter n.
func (a *AEAD) Open(dst []byte, n uint64, ad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(dst, a.nonce(n), ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }
