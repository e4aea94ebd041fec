package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const vectorChannel = 0x1234

func fragment(t testing.TB, role Role, h Header, sb SyncBits, payload []byte, packetSize int) [][]byte {
	t.Helper()
	f, err := NewFragmenter(role, h, sb, payload)
	if err != nil {
		t.Fatalf("NewFragmenter: %v", err)
	}
	var packets [][]byte
	for !f.Done() {
		p := make([]byte, packetSize)
		ok, err := f.Next(p)
		if err != nil || !ok {
			t.Fatalf("Next: %v %v", ok, err)
		}
		packets = append(packets, p)
	}
	return packets
}

func assemble(t testing.TB, role Role, packets [][]byte) []byte {
	t.Helper()
	buf := make([]byte, 8192)
	r, err := NewReassembler(role, packets[0], buf)
	if err != nil {
		t.Fatalf("NewReassembler: %v", err)
	}
	for _, p := range packets[1:] {
		if r.Done() {
			t.Fatalf("done before last packet")
		}
		if err := r.Update(p, buf); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if !r.Done() {
		t.Fatalf("not done after last packet")
	}
	n, err := r.Verify(buf)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return buf[:n]
}

func checkPackets(t *testing.T, got [][]byte, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d packets, want %d", len(got), len(want))
	}
	for i := range want {
		if hex.EncodeToString(got[i]) != want[i] {
			t.Fatalf("packet %d:\n got %x\nwant %s", i, got[i], want[i])
		}
	}
}

func padded(s string, size int) string {
	return s + strings.Repeat("00", size-len(s)/2)
}

func TestWriteEmptyPayload(t *testing.T) {
	packets := fragment(t, RoleDevice, NewEncrypted(vectorChannel, 0), 0, nil, 64)
	checkPackets(t, packets, []string{padded("0412340004edbd479c", 64)})
}

func TestWriteShortPayload(t *testing.T) {
	data := []byte{0x07}
	packets := fragment(t, RoleDevice, NewEncrypted(vectorChannel, len(data)), 0, data, 64)
	checkPackets(t, packets, []string{padded("041234000507ac292947", 64)})
}

func TestWriteLongerPayload(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	packets := fragment(t, RoleDevice, NewEncrypted(vectorChannel, len(data)), 0, data, 64)
	checkPackets(t, packets, longerPayloadPackets)
}

func TestWriteEvenLongerPayload(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i)
	}
	packets := fragment(t, RoleDevice, NewEncrypted(vectorChannel, len(data)), 0, data, 64)
	checkPackets(t, packets, evenLongerPayloadPackets)
	if got := assemble(t, RoleHost, packets); !bytes.Equal(got, data) {
		t.Fatalf("reassembled payload differs")
	}
}

func TestRoundTripAllPrefixes(t *testing.T) {
	const data = "The Quick Brown Fox Jumps Over the Lazy Dog The Quick Brown Fox Jumps Over the Lazy Dog"
	for i := 0; i < len(data); i++ {
		src := []byte(data[:i])
		packets := fragment(t, RoleDevice, NewEncrypted(uint16(i), len(src)), 0, src, 13)
		got := assemble(t, RoleHost, packets)
		if !bytes.Equal(got, src) {
			t.Fatalf("prefix %d: got %q", i, got)
		}
	}
}

func TestMinimalPacketSize(t *testing.T) {
	packets := fragment(t, RoleHost, NewEncrypted(7, 0), SeqBits(true), nil, MinPacketSize)
	if len(packets) != 2 {
		t.Fatalf("got %d packets", len(packets))
	}
	if got := assemble(t, RoleDevice, packets); len(got) != 0 {
		t.Fatalf("got %x", got)
	}
	f, _ := NewFragmenter(RoleHost, NewEncrypted(7, 0), 0, nil)
	if _, err := f.Next(make([]byte, MinPacketSize-1)); !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}
}

func TestFragmenterReset(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 100)
	f, _ := NewFragmenter(RoleHost, NewEncrypted(1, len(data)), SeqBits(true), data)
	var first []byte
	p := make([]byte, 64)
	f.Next(p)
	first = append(first, p...)
	f.Next(p)
	f.Reset()
	f.Next(p)
	if !bytes.Equal(p, first) {
		t.Fatalf("first packet differs after Reset")
	}
}

func TestFragmenterLengthMismatch(t *testing.T) {
	if _, err := NewFragmenter(RoleHost, NewEncrypted(1, 5), 0, []byte{1}); !errors.Is(err, ErrUnexpectedInput) {
		t.Fatalf("expected ErrUnexpectedInput, got %v", err)
	}
}

func TestCorruptedChecksum(t *testing.T) {
	data := []byte("corrupt me")
	packets := fragment(t, RoleHost, NewEncrypted(3, len(data)), 0, data, 64)
	packets[0][6] ^= 0xff
	buf := make([]byte, 64)
	r, err := NewReassembler(RoleDevice, packets[0], buf)
	if err != nil {
		t.Fatalf("NewReassembler: %v", err)
	}
	if _, err := r.Verify(buf); !errors.Is(err, ErrInvalidChecksum) {
		t.Fatalf("expected ErrInvalidChecksum, got %v", err)
	}
}

func TestReassemblerBufferTooSmall(t *testing.T) {
	data := make([]byte, 100)
	packets := fragment(t, RoleHost, NewEncrypted(3, len(data)), 0, data, 64)
	if _, err := NewReassembler(RoleDevice, packets[0], make([]byte, 64)); !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}
}

func TestReassemblerWrongChannel(t *testing.T) {
	data := make([]byte, 100)
	packets := fragment(t, RoleHost, NewEncrypted(3, len(data)), 0, data, 64)
	buf := make([]byte, 128)
	r, _ := NewReassembler(RoleDevice, packets[0], buf)
	other := append([]byte(nil), packets[1]...)
	other[2] = 4
	if err := r.Update(other, buf); !errors.Is(err, ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData, got %v", err)
	}
	if err := r.Update(packets[0], buf); !errors.Is(err, ErrUnexpectedInput) {
		t.Fatalf("expected ErrUnexpectedInput, got %v", err)
	}
}

func TestSingle(t *testing.T) {
	var pkt [64]byte
	if err := WriteSingle(RoleDevice, NewAck(0x1337), AckBits(false), nil, pkt[:]); err != nil {
		t.Fatalf("WriteSingle: %v", err)
	}
	if hex.EncodeToString(pkt[:9]) != "201337000463061764" {
		t.Fatalf("ack packet %x", pkt[:9])
	}

	var buf [8]byte
	h, payload, err := ReadSingle(RoleHost, mustHex(t, "4213370005022a97b2e7"), buf[:])
	if err != nil {
		t.Fatalf("ReadSingle: %v", err)
	}
	if h.Kind != KindTransportError || !bytes.Equal(payload, []byte{0x02}) {
		t.Fatalf("got %+v %x", h, payload)
	}

	data := make([]byte, 80)
	if err := WriteSingle(RoleHost, NewEncrypted(1, len(data)), 0, data, pkt[:]); !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}
}

func BenchmarkFragment(b *testing.B) {
	data := make([]byte, 4096)
	p := make([]byte, 64)
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		f, _ := NewFragmenter(RoleHost, NewEncrypted(1, len(data)), 0, data)
		for !f.Done() {
			f.Next(p)
		}
	}
}

func BenchmarkReassemble(b *testing.B) {
	data := make([]byte, 4096)
	packets := fragment(b, RoleHost, NewEncrypted(1, len(data)), 0, data, 64)
	buf := make([]byte, len(data)+ChecksumLen)
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		r, _ := NewReassembler(RoleDevice, packets[0], buf)
		for _, p := range packets[1:] {
			r.Update(p, buf)
		}
		if _, err := r.Verify(buf); err != nil {
			b.Fatal(err)
		}
	}
}
