package protocol

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
)

// MinPacketSize is the smallest packet the fragmenter can fill: an initial
// header plus one byte.
const MinPacketSize = InitHeaderLen + 1

// Fragmenter splits one message into packets. It keeps a reference to the
// payload, which must not change until the fragmenter is done.
type Fragmenter struct {
	role      Role
	header    Header
	sync      SyncBits
	payload   []byte
	started   bool
	offset    int
	crc       hash.Hash32
	sum       [ChecksumLen]byte
	crcOffset int
}

func NewFragmenter(role Role, h Header, sb SyncBits, payload []byte) (*Fragmenter, error) {
	if h.Kind == KindContinuation || len(payload)+ChecksumLen != int(h.PayloadLen) {
		return nil, ErrUnexpectedInput
	}
	return &Fragmenter{
		role:    role,
		header:  h,
		sync:    sb,
		payload: payload,
		crc:     crc32.NewIEEE(),
	}, nil
}

func (f *Fragmenter) Header() Header     { return f.header }
func (f *Fragmenter) SyncBits() SyncBits { return f.sync }

// Done reports whether the payload and checksum have been fully emitted.
func (f *Fragmenter) Done() bool {
	return f.offset >= len(f.payload) && f.crcOffset >= ChecksumLen
}

// Next fills dest with the next packet. It returns false once Done.
func (f *Fragmenter) Next(dest []byte) (bool, error) {
	if len(dest) < MinPacketSize {
		return false, ErrInsufficientBuffer
	}
	if f.Done() {
		return false, nil
	}

	var n int
	var err error
	if !f.started {
		n, err = f.header.Marshal(f.role, f.sync, dest)
		if err != nil {
			return false, err
		}
		f.crc.Write(dest[:n])
		f.started = true
	} else {
		n, err = NewContinuation(f.header.ChannelID).Marshal(f.role, 0, dest)
		if err != nil {
			return false, err
		}
	}
	rest := dest[n:]

	if f.offset < len(f.payload) {
		c := copy(rest, f.payload[f.offset:])
		f.crc.Write(rest[:c])
		f.offset += c
		rest = rest[c:]
	}
	if f.offset >= len(f.payload) && f.crcOffset < ChecksumLen {
		if f.crcOffset == 0 {
			binary.BigEndian.PutUint32(f.sum[:], f.crc.Sum32())
		}
		c := copy(rest, f.sum[f.crcOffset:])
		f.crcOffset += c
		rest = rest[c:]
	}
	clear(rest)
	return true, nil
}

// Reset rewinds to the first packet, for retransmission.
func (f *Fragmenter) Reset() {
	f.started = false
	f.offset = 0
	f.crcOffset = 0
	f.crc.Reset()
}

// WriteSingle serializes a message that must fit in one packet.
func WriteSingle(role Role, h Header, sb SyncBits, payload, dest []byte) error {
	f, err := NewFragmenter(role, h, sb, payload)
	if err != nil {
		return err
	}
	if _, err := f.Next(dest); err != nil {
		return err
	}
	if !f.Done() {
		return ErrInsufficientBuffer
	}
	return nil
}

// Reassembler collects the packets of one message into a caller supplied
// buffer and verifies the checksum at the end.
type Reassembler struct {
	role   Role
	header Header
	offset int
	crc    hash.Hash32
}

// NewReassembler starts from the initial packet. buf must hold the whole
// payload including checksum, see Header.PayloadLen.
func NewReassembler(role Role, packet, buf []byte) (*Reassembler, error) {
	h, rest, err := ParseHeader(role, packet)
	if err != nil {
		return nil, err
	}
	if h.Kind == KindContinuation || h.Kind == KindCodecV1Request || h.Kind == KindCodecV1Response {
		return nil, ErrUnexpectedInput
	}
	if len(buf) < int(h.PayloadLen) {
		return nil, ErrInsufficientBuffer
	}
	r := &Reassembler{role: role, header: h, crc: crc32.NewIEEE()}
	r.crc.Write(packet[:InitHeaderLen])
	n := copy(buf, rest)
	r.crc.Write(rest[:min(n, h.DataLen())])
	r.offset = n
	return r, nil
}

func (r *Reassembler) Header() Header { return r.header }

// Received returns the number of payload bytes collected so far.
func (r *Reassembler) Received() int { return r.offset }

// Update appends a continuation packet.
func (r *Reassembler) Update(packet, buf []byte) error {
	h, rest, err := ParseHeader(r.role, packet)
	if err != nil {
		return err
	}
	if h.Kind != KindContinuation {
		return ErrUnexpectedInput
	}
	if h.ChannelID != r.header.ChannelID {
		return malformed("continuation for channel %#04x", h.ChannelID)
	}
	total := int(r.header.PayloadLen)
	if len(buf) < total {
		return ErrInsufficientBuffer
	}
	remaining := max(total-r.offset, 0)
	n := min(len(rest), remaining)
	copy(buf[r.offset:], rest[:n])
	r.crc.Write(rest[:min(max(remaining-ChecksumLen, 0), n)])
	r.offset += n
	return nil
}

func (r *Reassembler) Done() bool { return r.offset >= int(r.header.PayloadLen) }

// Verify checks the trailing checksum and returns the payload length without it.
func (r *Reassembler) Verify(buf []byte) (int, error) {
	if !r.Done() {
		return 0, ErrInvalidChecksum
	}
	n := r.header.DataLen()
	if len(buf) < n+ChecksumLen {
		return 0, ErrInvalidChecksum
	}
	if binary.BigEndian.Uint32(buf[n:n+ChecksumLen]) != r.crc.Sum32() {
		return 0, ErrInvalidChecksum
	}
	return n, nil
}

// ReadSingle parses a message that fits in one packet and returns its
// payload, stored in dest.
func ReadSingle(role Role, packet, dest []byte) (Header, []byte, error) {
	r, err := NewReassembler(role, packet, dest)
	if err != nil {
		return Header{}, nil, err
	}
	if !r.Done() {
		return Header{}, nil, malformed("%s does not fit one packet", r.header.Kind)
	}
	n, err := r.Verify(dest)
	if err != nil {
		return Header{}, nil, err
	}
	return r.header, dest[:n], nil
}
