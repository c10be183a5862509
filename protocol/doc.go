// Package protocol implements RESP encoding and decoding: Reader/Writer
// for the single-value handshake traffic of replication setup, and
// ParseFrames for the buffer-oriented decoding of steady-state client
// and replicated-command traffic.
package protocol
