// Package thp drives Trezor Host Protocol channels over a packet link.
//
// The sans-IO state machines live in the channel package; this package
// owns the blocking loops around them. A Host allocates a channel, runs
// the Noise XX handshake, completes pairing and then exchanges encrypted
// request/response messages. A Device serves any number of channels on one
// link and hands application messages to a Handler.
//
// Both sides are half duplex per channel: every message is acknowledged
// before the next one is sent, and unacknowledged messages are
// retransmitted after a timeout.
package thp
