package transport

import "net"

// Pipe returns two connected in-memory control pairs, one per endpoint.
// Used by tests and single-process setups.
func Pipe() (ControlPair, ControlPair) {
	replyA, replyB := net.Pipe()
	ackA, ackB := net.Pipe()
	return ControlPair{Reply: replyA, Ack: ackA}, ControlPair{Reply: replyB, Ack: ackB}
}
