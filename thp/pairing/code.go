package pairing

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

var ErrCodeMismatch = errors.New("pairing: code mismatch")

// SharedCode confirms an out-of-band method with a code both sides know:
// the digits shown on the device screen, or the QR/NFC payload. The tag is
// an HMAC of the handshake hash keyed by the code, so it only verifies on
// the channel it was computed for. The secret is the code itself.
//
// SharedCode implements both Tagger and Confirmer.
type SharedCode struct {
	Code []byte
}

func (c SharedCode) mac(method Method, handshakeHash []byte) []byte {
	h := hmac.New(sha256.New, c.Code)
	h.Write([]byte{byte(method)})
	h.Write(handshakeHash)
	return h.Sum(nil)
}

func (c SharedCode) Tag(method Method, handshakeHash []byte) ([]byte, error) {
	if len(c.Code) == 0 {
		return nil, fmt.Errorf("pairing: empty %s code", method)
	}
	return c.mac(method, handshakeHash), nil
}

func (c SharedCode) VerifySecret(_ Method, _, secret []byte) error {
	if !hmac.Equal(secret, c.Code) {
		return ErrCodeMismatch
	}
	return nil
}

func (c SharedCode) Confirm(method Method, handshakeHash, tag []byte) ([]byte, error) {
	if len(c.Code) == 0 || !hmac.Equal(tag, c.mac(method, handshakeHash)) {
		return nil, ErrCodeMismatch
	}
	return append([]byte(nil), c.Code...), nil
}
