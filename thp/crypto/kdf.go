package crypto

import (
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF is the Noise HKDF with two outputs: HMAC-HASH keyed with the chaining
// key extracts from ikm, then expands with empty info.
func HKDF(b Backend, chainingKey, ikm []byte) (out1, out2 [HashLen]byte, err error) {
	r := hkdf.New(b.Hash, ikm, chainingKey, nil)
	if _, err = io.ReadFull(r, out1[:]); err != nil {
		return out1, out2, err
	}
	_, err = io.ReadFull(r, out2[:])
	return out1, out2, err
}

// Wipe zeroes secret material held in b.
func Wipe(b []byte) {
	clear(b)
}
