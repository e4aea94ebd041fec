// Package pairing holds the protobuf messages exchanged after the handshake
// and the two message-level state machines that drive them: Initiator on the
// host and Responder on the device. Neither does I/O; callers feed decoded
// messages in and send what comes back out over an encrypted channel with
// session id 0.
package pairing
