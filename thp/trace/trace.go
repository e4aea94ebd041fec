// Package trace records the packets crossing a transport.Link into an
// lz4-compressed capture file and reads them back.
//
// A capture starts with a magic string followed by records of
// direction (1 byte), unix nanoseconds (8 bytes), length (2 bytes) and the
// packet bytes, all big endian.
package trace

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/TheusHen/thp/thp/transport"
)

const magic = "THPTRACE1"

var ErrBadCapture = errors.New("trace: not a packet capture")

type Direction uint8

const (
	Received Direction = iota + 1
	Sent
)

func (d Direction) String() string {
	switch d {
	case Received:
		return "<-"
	case Sent:
		return "->"
	}
	return "??"
}

type Record struct {
	Direction Direction
	Time      time.Time
	Packet    []byte
}

// Writer appends records to a compressed stream. It is safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	zw  *lz4.Writer
	hdr [11]byte
}

func NewWriter(w io.Writer) (*Writer, error) {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	if _, err := zw.Write([]byte(magic)); err != nil {
		return nil, err
	}
	return &Writer{zw: zw}, nil
}

func (w *Writer) Write(r Record) error {
	if len(r.Packet) > 0xffff {
		return fmt.Errorf("trace: packet of %d bytes", len(r.Packet))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hdr[0] = byte(r.Direction)
	binary.BigEndian.PutUint64(w.hdr[1:9], uint64(r.Time.UnixNano()))
	binary.BigEndian.PutUint16(w.hdr[9:11], uint16(len(r.Packet)))
	if _, err := w.zw.Write(w.hdr[:]); err != nil {
		return err
	}
	_, err := w.zw.Write(r.Packet)
	return err
}

// Flush pushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.zw.Flush()
}

// Close finishes the lz4 frame. It does not close the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.zw.Close()
}

// Reader iterates over a capture.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(lz4.NewReader(r))
	var m [len(magic)]byte
	if _, err := io.ReadFull(br, m[:]); err != nil || string(m[:]) != magic {
		return nil, ErrBadCapture
	}
	return &Reader{r: br}, nil
}

// Next returns the next record, or io.EOF at the end of the capture.
func (r *Reader) Next() (Record, error) {
	var hdr [11]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %w", ErrBadCapture, err)
	}
	rec := Record{
		Direction: Direction(hdr[0]),
		Time:      time.Unix(0, int64(binary.BigEndian.Uint64(hdr[1:9]))),
		Packet:    make([]byte, binary.BigEndian.Uint16(hdr[9:11])),
	}
	if _, err := io.ReadFull(r.r, rec.Packet); err != nil {
		return Record{}, fmt.Errorf("%w: truncated record: %w", ErrBadCapture, err)
	}
	return rec, nil
}

// Recorder is a transport.Link that copies every packet into a Writer.
type Recorder struct {
	transport.Link
	w   *Writer
	now func() time.Time
}

func NewRecorder(link transport.Link, w *Writer) *Recorder {
	return &Recorder{Link: link, w: w, now: time.Now}
}

func (r *Recorder) ReadPacket(ctx context.Context, p []byte) (int, error) {
	n, err := r.Link.ReadPacket(ctx, p)
	if err != nil {
		return n, err
	}
	return n, r.w.Write(Record{Direction: Received, Time: r.now(), Packet: p[:n]})
}

func (r *Recorder) WritePacket(ctx context.Context, p []byte) error {
	if err := r.Link.WritePacket(ctx, p); err != nil {
		return err
	}
	return r.w.Write(Record{Direction: Sent, Time: r.now(), Packet: p})
}

// Close closes the link and finishes the capture.
func (r *Recorder) Close() error {
	return errors.Join(r.Link.Close(), r.w.Close())
}
