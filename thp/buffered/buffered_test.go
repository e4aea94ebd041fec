package buffered_test

import (
	"bytes"
	"testing"

	"github.com/TheusHen/thp/thp/buffered"
	"github.com/TheusHen/thp/thp/channel"
	"github.com/TheusHen/thp/thp/credential"
	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/pairing"
)

const packetLen = 64

type endpoint interface {
	PacketIn([]byte) (channel.PacketInResult, error)
	PacketOut([]byte) error
	PacketOutReady() bool
}

func pump(t *testing.T, a, b endpoint) {
	t.Helper()
	for i := 0; a.PacketOutReady() || b.PacketOutReady(); i++ {
		if i > 1000 {
			t.Fatal("packet exchange does not settle")
		}
		for _, dir := range [][2]endpoint{{a, b}, {b, a}} {
			for dir[0].PacketOutReady() {
				p := make([]byte, packetLen)
				if err := dir[0].PacketOut(p); err != nil {
					t.Fatalf("PacketOut: %v", err)
				}
				if _, err := dir[1].PacketIn(p); err != nil {
					t.Fatalf("PacketIn: %v", err)
				}
			}
		}
	}
}

// connect runs allocation, handshake and an empty pairing phase through
// the buffered wrappers.
func connect(t *testing.T, size int) (host, device *buffered.Channel) {
	t.Helper()
	b := crypto.Default()
	kp, err := b.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	props := (&pairing.DeviceProperties{InternalModel: "T3W1", PairingMethods: []pairing.Method{pairing.MethodSkipPairing}}).Marshal()
	auth, err := credential.NewRandomAuthority(b, kp, props)
	if err != nil {
		t.Fatal(err)
	}
	hm := channel.NewHostMux(channel.HostConfig{})
	dm, err := channel.NewDeviceMux(channel.DeviceConfig{Verifier: auth})
	if err != nil {
		t.Fatal(err)
	}
	hmb, dmb := buffered.New(hm, buffered.Options{}), buffered.New(dm, buffered.Options{})
	hm.RequestChannel()
	pump(t, hmb, dmb)
	do, err := dm.ChannelAlloc()
	if err != nil {
		t.Fatal(err)
	}
	device = buffered.New(do, buffered.Options{InitialSize: size})
	pump(t, device, hmb)
	ho, err := hm.ChannelAlloc()
	if err != nil {
		t.Fatal(err)
	}
	host = buffered.New(ho, buffered.Options{InitialSize: size})
	pump(t, host, device)
	if !ho.HandshakeDone() || !do.HandshakeDone() {
		t.Fatal("handshake not finished")
	}

	hp, err := ho.Complete()
	if err != nil {
		t.Fatal(err)
	}
	dp, err := do.Complete()
	if err != nil {
		t.Fatal(err)
	}
	host.Replace(hp)
	device.Replace(dp)
	if err := host.MessageIn(0, pairing.MessageTypeEndRequest, nil); err != nil {
		t.Fatal(err)
	}
	pump(t, host, device)
	if _, err := device.MessageOut(); err != nil {
		t.Fatal(err)
	}
	if err := device.MessageIn(0, pairing.MessageTypeEndResponse, nil); err != nil {
		t.Fatal(err)
	}
	pump(t, host, device)
	if _, err := host.MessageOut(); err != nil {
		t.Fatal(err)
	}
	hc, err := hp.Complete()
	if err != nil {
		t.Fatal(err)
	}
	dc, err := dp.Complete()
	if err != nil {
		t.Fatal(err)
	}
	host.Replace(hc)
	device.Replace(dc)
	pump(t, host, device)
	return host, device
}

func TestGrowsReceiveBuffer(t *testing.T) {
	host, device := connect(t, 32)
	msg := bytes.Repeat([]byte{0xab}, 1000)
	if err := host.MessageIn(2, 7, msg); err != nil {
		t.Fatal(err)
	}
	pump(t, host, device)
	if !device.MessageOutReady() {
		t.Fatal("no message after growing")
	}
	if device.ReceiveCapacity() < len(msg) {
		t.Fatalf("receive capacity %d", device.ReceiveCapacity())
	}
	m, err := device.MessageOut()
	if err != nil {
		t.Fatal(err)
	}
	if m.SessionID != 2 || m.Type != 7 || !bytes.Equal(m.Payload, msg) {
		t.Fatalf("got session %d type %d len %d", m.SessionID, m.Type, len(m.Payload))
	}
}

func TestPayloadOwnership(t *testing.T) {
	host, device := connect(t, 0)
	var got [][]byte
	for _, s := range []string{"first message", "second"} {
		if err := host.MessageIn(1, 1, []byte(s)); err != nil {
			t.Fatal(err)
		}
		pump(t, host, device)
		m, err := device.MessageOut()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, m.Payload)
		pump(t, host, device)
	}
	if string(got[0]) != "first message" || string(got[1]) != "second" {
		t.Fatalf("payloads = %q", got)
	}
}
