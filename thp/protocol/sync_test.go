package protocol

import (
	"errors"
	"testing"
)

func TestChannelSyncAlternates(t *testing.T) {
	var sender, receiver ChannelSync
	for i := 0; i < 4; i++ {
		sb, ok := sender.SendStart()
		if !ok {
			t.Fatalf("round %d: send slot busy", i)
		}
		if sb.Seq() != (i%2 == 1) {
			t.Fatalf("round %d: seq bit %v", i, sb.Seq())
		}
		if _, ok := sender.SendStart(); ok {
			t.Fatalf("round %d: second message allowed before ACK", i)
		}
		if !receiver.ReceiveStart(sb) {
			t.Fatalf("round %d: receiver rejected seq bit", i)
		}
		ack := receiver.ReceiveAcknowledge()
		if receiver.ReceiveStart(sb) {
			t.Fatalf("round %d: duplicate accepted", i)
		}
		if sender.SendMarkDelivered(ack ^ SyncBits(AckBit)) {
			t.Fatalf("round %d: wrong ACK accepted", i)
		}
		if !sender.SendMarkDelivered(ack) {
			t.Fatalf("round %d: ACK rejected", i)
		}
		if !sender.CanSend() {
			t.Fatalf("round %d: cannot send after ACK", i)
		}
	}
}

func TestChannelSyncImplicitDelivery(t *testing.T) {
	var s ChannelSync
	if s.SendMarkDeliveredImplicit() {
		t.Fatalf("nothing pending but delivery accepted")
	}
	first, _ := s.SendStart()
	if !s.SendMarkDeliveredImplicit() || !s.CanSend() {
		t.Fatalf("implicit delivery rejected")
	}
	second, _ := s.SendStart()
	if first.Seq() == second.Seq() {
		t.Fatalf("send bit did not flip")
	}
}

func TestTransportErrorRoundTrip(t *testing.T) {
	for _, b := range []byte{1, 2, 3, 5} {
		e, err := ParseTransportError(b)
		if err != nil {
			t.Fatalf("ParseTransportError(%d): %v", b, err)
		}
		if e.Byte() != b {
			t.Fatalf("round trip %d -> %d", b, e.Byte())
		}
	}
	for b := 0; b < 256; b++ {
		switch b {
		case 1, 2, 3, 5:
			continue
		}
		if _, err := ParseTransportError(byte(b)); !errors.Is(err, ErrMalformedData) {
			t.Fatalf("ParseTransportError(%d): %v", b, err)
		}
	}
}

func TestRecoverable(t *testing.T) {
	cases := map[error]bool{
		TransportBusy:      true,
		DeviceLocked:       true,
		UnallocatedChannel: false,
		DecryptionFailed:   false,
		ErrNotReady:        false,
	}
	for err, want := range cases {
		if IsRecoverable(err) != want {
			t.Fatalf("IsRecoverable(%v) != %v", err, want)
		}
	}
	wrapped := errors.Join(errors.New("call"), TransportBusy)
	if !IsRecoverable(wrapped) {
		t.Fatalf("wrapped TransportBusy not recoverable")
	}
	if err := CryptoError(errors.New("tag")); !errors.Is(err, ErrCrypto) {
		t.Fatalf("CryptoError does not match ErrCrypto")
	}
}

func TestMessageEnvelope(t *testing.T) {
	m := Message{SessionID: 1, Type: 0x1234, Payload: []byte("abc")}
	buf := make([]byte, m.Len())
	if _, err := m.MarshalTo(buf); err != nil {
		t.Fatalf("MarshalTo: %v", err)
	}
	got, err := ParseMessage(buf)
	if err != nil || got.SessionID != 1 || got.Type != 0x1234 || string(got.Payload) != "abc" {
		t.Fatalf("ParseMessage: %+v %v", got, err)
	}
	if _, err := ParseMessage(buf[:2]); !errors.Is(err, ErrMalformedData) {
		t.Fatalf("expected ErrMalformedData, got %v", err)
	}
}
