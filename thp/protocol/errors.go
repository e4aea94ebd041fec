package protocol

import (
	"errors"
	"fmt"
)

// Local failures. Every package wraps one of these so callers can classify
// with errors.Is.
var (
	// ErrUnexpectedInput reports caller misuse, or a peer message that is
	// valid on the wire but illegal in the current state.
	ErrUnexpectedInput = errors.New("thp: unexpected input")
	// ErrNotReady reports an operation requested before its precondition.
	ErrNotReady           = errors.New("thp: not ready")
	ErrMalformedData      = errors.New("thp: malformed data")
	ErrInvalidChecksum    = errors.New("thp: invalid checksum")
	ErrInsufficientBuffer = errors.New("thp: insufficient buffer")
	// ErrCrypto wraps handshake and AEAD failures. It is fatal to the channel.
	ErrCrypto = errors.New("thp: crypto error")
)

// CryptoError wraps err so that it matches both ErrCrypto and err.
func CryptoError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCrypto, err)
}

// TransportError is a failure reported by the peer in a 0x42 packet.
type TransportError uint8

const (
	TransportBusy      TransportError = 1
	UnallocatedChannel TransportError = 2
	DecryptionFailed   TransportError = 3
	DeviceLocked       TransportError = 5
)

// ParseTransportError accepts only the declared codes.
func ParseTransportError(b byte) (TransportError, error) {
	switch e := TransportError(b); e {
	case TransportBusy, UnallocatedChannel, DecryptionFailed, DeviceLocked:
		return e, nil
	}
	return 0, fmt.Errorf("%w: transport error code %d", ErrMalformedData, b)
}

func (e TransportError) Byte() byte { return byte(e) }

func (e TransportError) Error() string {
	switch e {
	case TransportBusy:
		return "thp: transport busy"
	case UnallocatedChannel:
		return "thp: unallocated channel"
	case DecryptionFailed:
		return "thp: decryption failed"
	case DeviceLocked:
		return "thp: device locked"
	default:
		return fmt.Sprintf("thp: transport error %d", uint8(e))
	}
}

// Recoverable reports whether the caller may retry after a wait.
func (e TransportError) Recoverable() bool {
	return e == TransportBusy || e == DeviceLocked
}

// IsRecoverable reports whether err, or an error it wraps, is a recoverable
// TransportError. Local errors are never recoverable.
func IsRecoverable(err error) bool {
	var te TransportError
	return errors.As(err, &te) && te.Recoverable()
}
