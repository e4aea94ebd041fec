// Package transport defines the packet link THP runs over and an
// in-memory implementation for tests and loopback setups.
//
// A link carries fixed-size packets. It may drop packets; it must not
// corrupt or split them. THP's own checksum and acknowledgements cover
// loss.
package transport

import (
	"context"
	"errors"
)

// DefaultPacketSize is the USB HID report size.
const DefaultPacketSize = 64

var (
	ErrClosed     = errors.New("transport: link closed")
	ErrPacketSize = errors.New("transport: wrong packet size")
)

// Link is a bidirectional packet link. ReadPacket fills p, which must be at
// least PacketSize bytes, and returns the number of bytes received.
// WritePacket sends exactly one packet of at most PacketSize bytes.
type Link interface {
	PacketSize() int
	ReadPacket(ctx context.Context, p []byte) (int, error)
	WritePacket(ctx context.Context, p []byte) error
	Close() error
}
