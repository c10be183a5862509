package replication

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunsk/goredis-server/protocol"
	"github.com/arjunsk/goredis-server/rdb"
	"github.com/arjunsk/goredis-server/store"
)

// Client drives one replica connection to a master, carrying it through
// the handshake (PING, REPLCONF listening-port, REPLCONF capa, PSYNC),
// the RDB file transfer, and then the steady-state streaming of
// propagated write commands.
type Client struct {
	masterAddr     string
	masterPassword string
	listeningPort  int
	tlsConfig      *tls.Config
	store          *store.Store

	mu        sync.RWMutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	connected bool

	replID     string
	replOffset int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	doneChan chan struct{}
	stopped  int32
	runEnded int32

	stats *Stats

	onSyncComplete []func()

	logger         Logger
	syncTimeout    time.Duration
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
}

// Stats tracks replication progress, surfaced via (*Client).Stats and
// through the server's INFO replication section.
type Stats struct {
	mu sync.RWMutex

	Connected            bool
	MasterAddr           string
	MasterReplID         string
	ReplicationOffset    int64
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
	ReconnectCount       int64
	InitialSyncCompleted bool
}

// Logger is the structured logging seam for the replication client.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NewClient creates a replication client that will apply master writes
// to s.
func NewClient(masterAddr string, listeningPort int, s *store.Store) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		masterAddr:     masterAddr,
		listeningPort:  listeningPort,
		store:          s,
		ctx:            ctx,
		cancel:         cancel,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
		stats:          &Stats{MasterAddr: masterAddr},
		syncTimeout:    30 * time.Second,
		connectTimeout: 5 * time.Second,
		readTimeout:    30 * time.Second,
		writeTimeout:   10 * time.Second,
		logger:         &defaultLogger{},
	}
}

func (c *Client) SetAuth(password string)       { c.masterPassword = password }
func (c *Client) SetTLS(config *tls.Config)      { c.tlsConfig = config }
func (c *Client) SetLogger(logger Logger)        { c.logger = logger }
func (c *Client) SetSyncTimeout(d time.Duration) { c.syncTimeout = d }

// Start begins replication in the background and waits until the first
// handshake and RDB transfer complete (nil), the sync timeout elapses,
// ctx is done, or the run loop exits. Failed handshake attempts are
// retried by the run loop while Start waits.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting replication client", "master", c.masterAddr)

	synced := make(chan struct{})
	var once sync.Once
	c.OnSyncComplete(func() { once.Do(func() { close(synced) }) })

	go c.run()

	select {
	case <-synced:
		return nil
	case <-time.After(c.syncTimeout):
		return fmt.Errorf("connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneChan:
		return fmt.Errorf("replication stopped unexpectedly")
	}
}

// Stop halts replication and waits for the run loop to exit.
func (c *Client) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	c.logger.Info("stopping replication client")
	c.cancel()
	close(c.stopChan)

	select {
	case <-c.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// Stats returns a snapshot of replication progress.
func (c *Client) Stats() Stats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return Stats{
		Connected:            c.stats.Connected,
		MasterAddr:           c.stats.MasterAddr,
		MasterReplID:         c.stats.MasterReplID,
		ReplicationOffset:    c.stats.ReplicationOffset,
		LastSyncTime:         c.stats.LastSyncTime,
		BytesReceived:        c.stats.BytesReceived,
		CommandsProcessed:    c.stats.CommandsProcessed,
		ReconnectCount:       c.stats.ReconnectCount,
		InitialSyncCompleted: c.stats.InitialSyncCompleted,
	}
}

// ReplicationID returns the master's replication id learned during the
// handshake. It satisfies engine.ReplicationSource.
func (c *Client) ReplicationID() string {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return c.stats.MasterReplID
}

// ReplicationOffset returns the number of bytes applied from the
// master so far. It satisfies engine.ReplicationSource.
func (c *Client) ReplicationOffset() int64 {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return c.stats.ReplicationOffset
}

// OnSyncComplete registers a callback invoked once the initial RDB
// transfer has been applied.
func (c *Client) OnSyncComplete(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncComplete = append(c.onSyncComplete, fn)
}

func (c *Client) run() {
	defer func() {
		if atomic.CompareAndSwapInt32(&c.runEnded, 0, 1) {
			close(c.doneChan)
		}
	}()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		default:
		}

		if err := c.handshake(); err != nil {
			c.logger.Error("handshake failed", "error", err)
			c.disconnect()
			select {
			case <-time.After(time.Second):
			case <-c.stopChan:
				return
			}
			continue
		}

		if err := c.streamCommands(); err != nil {
			c.logger.Error("streaming failed", "error", err)
			c.disconnect()
			continue
		}
	}
}

// handshake drives the replica through every state of the protocol:
// connect, PING, REPLCONF listening-port, REPLCONF capa, PSYNC,
// FULLRESYNC, and the RDB file transfer. Returning nil means the client
// is positioned to begin streaming.
func (c *Client) handshake() error {
	if err := c.connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if c.masterPassword != "" {
		if err := c.sendExpectOK("AUTH", c.masterPassword); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.sendExpectPONG(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	if err := c.sendExpectOK("REPLCONF", "listening-port", strconv.Itoa(c.listeningPort)); err != nil {
		return fmt.Errorf("replconf listening-port: %w", err)
	}

	if err := c.sendExpectOK("REPLCONF", "capa", "eof", "capa", "psync2"); err != nil {
		return fmt.Errorf("replconf capa: %w", err)
	}

	if err := c.sendPSYNC(); err != nil {
		return fmt.Errorf("psync: %w", err)
	}

	if err := c.readFullresync(); err != nil {
		return fmt.Errorf("fullresync: %w", err)
	}

	if err := c.transferRDB(); err != nil {
		return fmt.Errorf("rdb transfer: %w", err)
	}

	c.updateStats(func(s *Stats) {
		s.InitialSyncCompleted = true
		s.LastSyncTime = time.Now()
	})

	c.mu.RLock()
	callbacks := append([]func(){}, c.onSyncComplete...)
	c.mu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}

	return nil
}

func (c *Client) connect() error {
	dialer := &net.Dialer{Timeout: c.connectTimeout}

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.masterAddr, c.tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", c.masterAddr)
	}
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = protocol.NewReader(conn)
	c.writer = protocol.NewWriter(conn)
	c.connected = true
	c.mu.Unlock()

	c.updateStats(func(s *Stats) {
		s.Connected = true
		s.ReconnectCount++
	})

	c.logger.Info("connected to master", "addr", c.masterAddr)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	c.updateStats(func(s *Stats) { s.Connected = false })
}

func (c *Client) sendExpectOK(cmd string, args ...string) error {
	if err := c.writer.WriteCommand(cmd, args...); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	resp, err := c.reader.ReadNext()
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s", resp.Error())
	}
	return nil
}

func (c *Client) sendExpectPONG() error {
	if err := c.writer.WriteCommand("PING"); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	resp, err := c.reader.ReadNext()
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s", resp.Error())
	}
	return nil
}

func (c *Client) sendPSYNC() error {
	if err := c.writer.WriteCommand("PSYNC", "?", "-1"); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) readFullresync() error {
	resp, err := c.reader.ReadNext()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("connection closed by master during PSYNC")
		}
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s", resp.Error())
	}

	parts := strings.Fields(resp.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return fmt.Errorf("unexpected PSYNC response: %s", resp.String())
	}

	c.replID = parts[1]
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", parts[2], err)
	}
	c.replOffset = offset
	c.updateStats(func(s *Stats) { s.MasterReplID = c.replID })
	return nil
}

// transferRDB reads the length-prefixed raw RDB blob following
// FULLRESYNC and loads every entry it carries into the store. A parse
// failure here aborts the handshake; the caller's retry loop will
// reconnect and try again.
func (c *Client) transferRDB() error {
	var buf []byte
	err := c.reader.ReadBulkStringForReplication(func(chunk []byte) error {
		buf = append(buf, chunk...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read RDB payload: %w", err)
	}

	c.updateStats(func(s *Stats) { s.BytesReceived += int64(len(buf)) })

	snap, err := rdb.Parse(buf)
	if err != nil {
		return fmt.Errorf("parse RDB: %w", err)
	}

	for key, e := range snap.DB.Entries {
		c.store.LoadString(key, e.Value, e.ExpireAtMs)
	}

	return nil
}

// streamCommands is the STREAMING state: it accumulates bytes off the
// master connection, hands complete frames to ParseFrames, applies each
// one to the store, and advances the tracked offset by the frame's
// exact byte length rather than by command count.
func (c *Client) streamCommands() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-c.stopChan:
			return nil
		default:
		}

		cmds, consumed, err := protocol.ParseFrames(buf)
		if err != nil {
			return fmt.Errorf("protocol error while streaming: %w", err)
		}
		buf = buf[consumed:]

		for _, cmd := range cmds {
			c.replOffset += int64(cmd.Length)
			if err := c.applyCommand(cmd); err != nil {
				c.logger.Error("failed to apply replicated command", "command", cmd.Name, "error", err)
			}
			c.updateStats(func(s *Stats) {
				s.CommandsProcessed++
				s.ReplicationOffset = c.replOffset
			})
		}

		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF {
				return fmt.Errorf("connection closed by master")
			}
			return err
		}
	}
}

// applyCommand executes one replicated frame against the store. A
// REPLCONF GETACK from the master is answered with the replica's
// current offset; this is the one place that reply travels, since the
// master-link connection is driven entirely by this client, never by
// the generic command dispatcher.
func (c *Client) applyCommand(cmd protocol.Command) error {
	switch cmd.Name {
	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("SET requires at least 2 arguments")
		}
		var ttl time.Duration
		if len(cmd.Args) == 4 && strings.EqualFold(string(cmd.Args[2]), "PX") {
			ms, err := strconv.ParseInt(string(cmd.Args[3]), 10, 64)
			if err == nil {
				ttl = time.Duration(ms) * time.Millisecond
			}
		}
		c.store.Set(string(cmd.Args[0]), cmd.Args[1], ttl)
		return nil

	case "INCR":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("INCR requires 1 argument")
		}
		_, err := c.store.Incr(string(cmd.Args[0]))
		return err

	case "XADD":
		if len(cmd.Args) < 4 {
			return fmt.Errorf("XADD requires at least 4 arguments")
		}
		fields := make([]store.Field, 0, (len(cmd.Args)-2)/2)
		for i := 2; i+1 < len(cmd.Args); i += 2 {
			fields = append(fields, store.Field{Name: cmd.Args[i], Value: cmd.Args[i+1]})
		}
		_, err := c.store.XAdd(string(cmd.Args[0]), string(cmd.Args[1]), fields, time.Now().UnixMilli())
		return err

	case "PING":
		return nil

	case "REPLCONF":
		if len(cmd.Args) == 2 && strings.EqualFold(string(cmd.Args[0]), "GETACK") {
			return c.sendAck()
		}
		return nil

	default:
		c.logger.Debug("unsupported replicated command", "command", cmd.Name)
		return nil
	}
}

func (c *Client) sendAck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return nil
	}
	if err := c.writer.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(c.replOffset, 10)); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) updateStats(fn func(*Stats)) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	fn(c.stats)
}

type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}
func (l *defaultLogger) Info(msg string, fields ...interface{})  {}
func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
