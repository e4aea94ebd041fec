// Package channel implements THP channels as sans-I/O state machines.
//
// A channel moves through three phases, each with its own type:
//
//	host:   HostMux -> HostOpen -> HostPairing -> Channel
//	device: DeviceMux -> DeviceOpen -> DevicePairing -> Channel
//
// Every phase implements IO. The caller feeds packets in with PacketIn,
// drains packets with PacketOut, submits application messages with
// MessageIn and picks up decrypted ones with MessageOut. Complete moves to
// the next phase; the previous value is then spent and rejects all further
// calls with ErrUnexpectedInput.
//
// Nothing in this package blocks or reads a clock. Retransmission timing is
// the caller's job: call MessageRetransmit when an ACK does not arrive in
// time.
package channel
