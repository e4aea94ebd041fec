// Package crypto provides the cryptographic capability the THP engine is generic over.
//
// A Backend bundles the algorithms of one Noise cipher suite:
//   - Diffie-Hellman over Curve25519 (X25519)
//   - an AEAD cipher, AES-256-GCM or ChaCha20-Poly1305 (RFC 8439)
//   - a hash function for the transcript and HKDF, SHA-256 or BLAKE2s
//
// Randomness comes from a single reader owned by the Backend, so a whole
// handshake can be replayed deterministically in tests.
package crypto
