// Package server implements the client-facing TCP listener: one goroutine
// per connection, RESP frame accumulation, and command dispatch through
// the engine package.
//
// The server is compatible with Redis clients such as
// github.com/redis/go-redis/v9 and supports:
//   - The command set implemented by engine.Execute, including streams,
//     transactions, and the Lua scripting commands
//   - RESP request/response framing via the protocol package
//   - Concurrent client handling, with connections that complete PSYNC
//     transitioning into replica write-propagation targets
package server
