// Package server implements the TCP connection dispatcher: one goroutine
// per client connection, accumulating inbound bytes into a growing buffer
// and handing complete frames to the command engine in arrival order.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/arjunsk/goredis-server/engine"
	"github.com/arjunsk/goredis-server/protocol"
)

// Server accepts client connections and dispatches their commands against
// a shared engine.
type Server struct {
	engine *engine.Engine
	log    engine.Logger

	addr     string
	password string

	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	connCount    int64
	commandCount int64
	errorCount   int64
}

// Client is one connected client's read loop, buffer, and write side. It
// also implements engine.ReplicaHandle, so the engine can write propagated
// bytes straight to a connection that has completed PSYNC.
type Client struct {
	conn   net.Conn
	writer *protocol.Writer
	server *Server
	sess   *engine.Session

	writeMu sync.Mutex

	authenticated bool
	lastCmd       time.Time
	isReplica     bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a Redis protocol server dispatching against eng.
func NewServer(addr string, eng *engine.Engine, logger engine.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = engine.NewDefaultLogger(false)
	}

	return &Server{
		engine: eng,
		log:    logger,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetPassword sets the authentication password for the server.
func (s *Server) SetPassword(password string) {
	s.password = password
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every client connection, then waits for
// their goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics.
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount,
		"total_errors":      s.errorCount,
		"total_connections": s.connCount,
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		conn:          conn,
		writer:        protocol.NewWriter(conn),
		server:        s,
		sess:          engine.NewSession(),
		authenticated: s.password == "",
		lastCmd:       time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.clients.Store(conn, client)

	s.wg.Add(1)
	go client.handle()
}

// Close tears down the client connection and removes it from the engine's
// replica list if it had completed PSYNC.
func (c *Client) Close() {
	c.cancel()
	c.conn.Close()
	c.server.clients.Delete(c.conn)
	if c.isReplica {
		c.server.engine.RemoveReplica(c)
	}
}

// WriteRaw writes propagated bytes straight to the connection. It is the
// only method the engine calls on a client once PSYNC has registered it as
// a replica.
func (c *Client) WriteRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// handle is the per-connection read loop: it accumulates inbound bytes,
// hands each complete frame to the engine in arrival order, and writes the
// response before reading more. A parse error on the buffer is fatal to
// the connection; a command-level error is written back as a simple-error
// frame and the connection stays open.
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		cmds, consumed, err := protocol.ParseFrames(buf)
		if err != nil {
			c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			return
		}
		frame := buf[:consumed]
		buf = buf[consumed:]

		offset := 0
		for _, cmd := range cmds {
			raw := append([]byte(nil), frame[offset:offset+cmd.Length]...)
			offset += cmd.Length
			c.lastCmd = time.Now()
			if !c.executeCommand(cmd, raw) {
				return
			}
		}

		c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := c.conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			if c.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// executeCommand routes one parsed frame through the engine and writes its
// reply. raw is the exact bytes this frame occupied on the wire, forwarded
// to Execute for write propagation: replicas must see the inbound bytes
// verbatim, not a re-serialization, so that offsets stay byte-for-byte
// consistent between master and replica. executeCommand returns false only
// for QUIT, when the connection should close; a connection that completed
// PSYNC stays open as a replica.
func (c *Client) executeCommand(cmd protocol.Command, raw []byte) bool {
	c.server.mu.Lock()
	c.server.commandCount++
	c.server.mu.Unlock()

	if !c.authenticated && cmd.Name != "AUTH" {
		c.writeError("NOAUTH Authentication required")
		return true
	}

	if cmd.Name == "AUTH" {
		c.handleAuth(cmd)
		return true
	}
	if cmd.Name == "QUIT" {
		c.writeSimple("OK")
		return false
	}

	reply, err := c.server.engine.Execute(c.sess, c, cmd, raw)
	if err != nil {
		c.writeError(err.Error())
		return true
	}
	if cmd.Name == "PSYNC" {
		c.isReplica = true
	}
	if reply.Suppress {
		return true
	}
	c.writeValue(reply.Value)
	return true
}

func (c *Client) handleAuth(cmd protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError("ERR wrong number of arguments for 'auth' command")
		return
	}

	if c.server.password == "" {
		c.writeError("ERR Client sent AUTH, but no password is set")
		return
	}

	if string(cmd.Args[0]) == c.server.password {
		c.authenticated = true
		c.writeSimple("OK")
	} else {
		c.writeError("ERR invalid password")
	}
}

func (c *Client) writeSimple(s string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *Client) writeError(s string) {
	c.server.mu.Lock()
	c.server.errorCount++
	c.server.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteError(s)
	c.writer.Flush()
}

func (c *Client) writeValue(v protocol.Value) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.WriteValue(v)
	c.writer.Flush()
}
