// Package protocol implements the THP packet layer: control bytes, headers,
// checksums, fragmentation and reassembly, the alternating-bit sync state and
// the error taxonomy shared by every other package.
//
// Packets are fixed size (64 bytes on USB). An initial packet starts with
//
//	1 byte:  control byte (message kind plus seq/ack bits)
//	2 bytes: channel id (big endian)
//	2 bytes: payload length including the 4 byte CRC-32 (big endian)
//
// and continuation packets with 0x80 followed by the channel id. The CRC-32
// covers the initial header and the payload and is appended big endian; the
// final packet is zero padded.
package protocol
