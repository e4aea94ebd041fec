package noise

import (
	"errors"
	"math"

	"github.com/TheusHen/thp/thp/crypto"
)

var ErrNonceExhausted = errors.New("noise: nonce exhausted")

// CipherState is a key plus the counter used as nonce for the next message.
// Before a key is set it passes data through unchanged.
type CipherState struct {
	c crypto.Cipher
	n uint64
}

func (cs *CipherState) initializeKey(b crypto.Backend, key []byte) error {
	c, err := b.Cipher(key)
	if err != nil {
		return err
	}
	cs.c = c
	cs.n = 0
	return nil
}

// HasKey reports whether a key has been set.
func (cs *CipherState) HasKey() bool { return cs.c != nil }

// Nonce returns the counter the next Encrypt or Decrypt will use.
func (cs *CipherState) Nonce() uint64 { return cs.n }

// Encrypt appends the sealed plaintext to out. plaintext[:0] may be used as
// out to encrypt in place, provided the buffer has room for the tag.
func (cs *CipherState) Encrypt(out, ad, plaintext []byte) ([]byte, error) {
	if cs.c == nil {
		return append(out, plaintext...), nil
	}
	if cs.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out = cs.c.Seal(out, cs.n, ad, plaintext)
	cs.n++
	return out, nil
}

// Decrypt appends the opened ciphertext to out. The counter only advances on
// success, so a replayed or forged message never moves the receiver forward.
func (cs *CipherState) Decrypt(out, ad, ciphertext []byte) ([]byte, error) {
	if cs.c == nil {
		return append(out, ciphertext...), nil
	}
	if cs.n == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	plaintext, err := cs.c.Open(out, cs.n, ad, ciphertext)
	if err != nil {
		return nil, err
	}
	cs.n++
	return plaintext, nil
}

func (cs *CipherState) destroy() {
	cs.c = nil
	cs.n = 0
}

type symmetricState struct {
	b  crypto.Backend
	cs CipherState
	ck [crypto.HashLen]byte
	h  [crypto.HashLen]byte
}

func (s *symmetricState) initialize(protocolName string) {
	if len(protocolName) <= crypto.HashLen {
		copy(s.h[:], protocolName)
	} else {
		hh := s.b.Hash()
		hh.Write([]byte(protocolName))
		copy(s.h[:], hh.Sum(nil))
	}
	s.ck = s.h
}

func (s *symmetricState) mixKey(ikm []byte) error {
	ck, tempK, err := crypto.HKDF(s.b, s.ck[:], ikm)
	if err != nil {
		return err
	}
	s.ck = ck
	defer crypto.Wipe(tempK[:])
	return s.cs.initializeKey(s.b, tempK[:crypto.KeySize])
}

func (s *symmetricState) mixHash(data []byte) {
	hh := s.b.Hash()
	hh.Write(s.h[:])
	hh.Write(data)
	copy(s.h[:], hh.Sum(nil))
}

func (s *symmetricState) encryptAndHash(out, plaintext []byte) ([]byte, error) {
	start := len(out)
	out, err := s.cs.Encrypt(out, s.h[:], plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(out[start:])
	return out, nil
}

func (s *symmetricState) decryptAndHash(out, ciphertext []byte) ([]byte, error) {
	out, err := s.cs.Decrypt(out, s.h[:], ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return out, nil
}

func (s *symmetricState) split() (c1, c2 CipherState, err error) {
	k1, k2, err := crypto.HKDF(s.b, s.ck[:], nil)
	if err != nil {
		return c1, c2, err
	}
	defer crypto.Wipe(k1[:])
	defer crypto.Wipe(k2[:])
	if err := c1.initializeKey(s.b, k1[:crypto.KeySize]); err != nil {
		return c1, c2, err
	}
	if err := c2.initializeKey(s.b, k2[:crypto.KeySize]); err != nil {
		return c1, c2, err
	}
	return c1, c2, nil
}
