// Package noise implements the Noise_XX handshake THP uses to authenticate
// a channel and derive its transport keys.
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// The cipher suite is whatever crypto.Backend the handshake is created with;
// the protocol name is "Noise_XX_" followed by Backend.Name(). After the
// third message Split yields one CipherState per direction and the final
// handshake hash, which THP uses as the channel binding value.
package noise
