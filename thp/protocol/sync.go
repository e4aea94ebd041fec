package protocol

// SyncBits are the seq and ack bits in their control byte positions.
type SyncBits uint8

// SeqBits returns sync bits carrying only the given seq bit.
func SeqBits(seq bool) SyncBits {
	if seq {
		return SyncBits(SeqBit)
	}
	return 0
}

// AckBits returns sync bits carrying only the given ack bit.
func AckBits(ack bool) SyncBits {
	if ack {
		return SyncBits(AckBit)
	}
	return 0
}

// SyncBitsOf reads the sync bits of a packet. An empty packet has none.
func SyncBitsOf(packet []byte) SyncBits {
	if len(packet) == 0 {
		return 0
	}
	return ControlByte(packet[0]).SyncBits()
}

func (sb SyncBits) Seq() bool { return byte(sb)&SeqBit != 0 }
func (sb SyncBits) Ack() bool { return byte(sb)&AckBit != 0 }

// ChannelSync is the alternating-bit state of one channel. At most one
// message may be unacknowledged per direction. The zero value is ready to
// send and expects seq bit 0.
type ChannelSync struct {
	sendBit bool
	pending bool
	recvBit bool
}

// CanSend reports whether the previous outgoing message was acknowledged.
func (s *ChannelSync) CanSend() bool { return !s.pending }

// SendStart claims the send slot and returns the bits for the new message.
func (s *ChannelSync) SendStart() (SyncBits, bool) {
	if s.pending {
		return 0, false
	}
	s.pending = true
	return SeqBits(s.sendBit), true
}

// SendMarkDelivered consumes an ACK. It returns true when the ACK matched the
// outstanding message, which frees the send slot and flips the send bit.
func (s *ChannelSync) SendMarkDelivered(ack SyncBits) bool {
	if !s.pending || ack.Ack() != s.sendBit {
		return false
	}
	s.pending = false
	s.sendBit = !s.sendBit
	return true
}

// SendMarkDeliveredImplicit frees the send slot without an ACK. A reply
// that carries the expected seq bit proves the peer received our message
// even when its ACK was lost.
func (s *ChannelSync) SendMarkDeliveredImplicit() bool {
	return s.SendMarkDelivered(AckBits(s.sendBit))
}

// ReceiveStart reports whether an incoming message carries the expected
// seq bit. A mismatch means the peer retransmitted a message we already have.
func (s *ChannelSync) ReceiveStart(sb SyncBits) bool {
	return sb.Seq() == s.recvBit
}

// ReceiveAcknowledge returns the ACK bits for a fully received message and
// moves on to expect the next seq bit.
func (s *ChannelSync) ReceiveAcknowledge() SyncBits {
	ack := AckBits(s.recvBit)
	s.recvBit = !s.recvBit
	return ack
}
