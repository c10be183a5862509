package engine

import "github.com/arjunsk/goredis-server/protocol"

// Session holds the state that belongs to one connection rather than to
// the server as a whole: the transaction queue. It travels with the
// connection so multiple clients can be mid-MULTI at once.
type Session struct {
	InTransaction bool
	Queue         []queuedCommand
}

type queuedCommand struct {
	cmd protocol.Command
	raw []byte
}

// NewSession creates per-connection state for one client.
func NewSession() *Session {
	return &Session{}
}
