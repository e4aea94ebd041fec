package transport

import (
	"context"
	"fmt"
	"sync"
)

// PipeOptions tunes an in-memory link pair.
type PipeOptions struct {
	PacketSize int
	// Depth is the number of packets buffered per direction.
	Depth int
	// Drop is called for every written packet; returning true loses it.
	Drop func(p []byte) bool
}

// Pipe returns the two ends of an in-memory link.
func Pipe(opts PipeOptions) (*PipeEnd, *PipeEnd) {
	if opts.PacketSize <= 0 {
		opts.PacketSize = DefaultPacketSize
	}
	if opts.Depth <= 0 {
		opts.Depth = 64
	}
	ab := make(chan []byte, opts.Depth)
	ba := make(chan []byte, opts.Depth)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &PipeEnd{opts: opts, in: ba, out: ab, done: done, once: once}
	b := &PipeEnd{opts: opts, in: ab, out: ba, done: done, once: once}
	return a, b
}

// PipeEnd is one side of a Pipe. Closing either end closes both.
type PipeEnd struct {
	opts PipeOptions
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (e *PipeEnd) PacketSize() int { return e.opts.PacketSize }

func (e *PipeEnd) ReadPacket(ctx context.Context, p []byte) (int, error) {
	if len(p) < e.opts.PacketSize {
		return 0, fmt.Errorf("%w: buffer of %d bytes", ErrPacketSize, len(p))
	}
	select {
	case pkt := <-e.in:
		return copy(p, pkt), nil
	case <-e.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *PipeEnd) WritePacket(ctx context.Context, p []byte) error {
	if len(p) > e.opts.PacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketSize, len(p))
	}
	pkt := make([]byte, e.opts.PacketSize)
	copy(pkt, p)
	if e.opts.Drop != nil && e.opts.Drop(pkt) {
		return nil
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- pkt:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *PipeEnd) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

var _ Link = (*PipeEnd)(nil)
