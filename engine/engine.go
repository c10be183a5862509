// Package engine implements command dispatch against the shared store:
// per-command semantics, transaction queuing, and the WAIT / blocking
// XREAD completion coordinators. It is the one place that holds the
// server-wide replication bookkeeping (role, replication id and
// offset, the attached-replica list) alongside the command switch,
// since every operation that touches that state is itself a command
// this dispatcher already handles under one mutex.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arjunsk/goredis-server/lua"
	"github.com/arjunsk/goredis-server/protocol"
	"github.com/arjunsk/goredis-server/store"
)

// ReplicaHandle is how the engine reaches back out to a connection that
// has completed PSYNC: writing raw propagated bytes to it. The server
// package's connection type implements this; the engine never sees a
// net.Conn directly.
type ReplicaHandle interface {
	WriteRaw(b []byte) error
}

// ReplicationSource reports live replication progress. When this
// process runs as a replica, replication.Client satisfies this
// interface; cmdInfo consults it directly rather than mirroring its
// offset into the engine's own master-side bookkeeping, which tracks a
// different thing (bytes propagated to attached replicas, not bytes
// applied from a master).
type ReplicationSource interface {
	ReplicationID() string
	ReplicationOffset() int64
}

// Engine is the process-wide command dispatcher and replication state
// holder. All exported methods are safe for concurrent use.
type Engine struct {
	store *store.Store
	lua   *lua.Engine
	log   Logger

	dir        string
	dbfilename string

	mu               sync.Mutex
	role             string
	masterReplID     string
	masterReplOffset uint64
	replicas         []ReplicaHandle
	replSource       ReplicationSource
	wait             *waitCoordinator
	block            *blockCoordinator
}

// Config carries the server-wide settings surfaced through CONFIG GET
// and INFO.
type Config struct {
	Dir          string
	Dbfilename   string
	Role         string // "master" or "slave"
	MasterReplID string
}

// New creates an Engine bound to s.
func New(s *store.Store, cfg Config, logger Logger) *Engine {
	if logger == nil {
		logger = NewDefaultLogger(false)
	}
	role := cfg.Role
	if role == "" {
		role = "master"
	}
	return &Engine{
		store:        s,
		lua:          lua.NewEngine(s),
		log:          logger,
		dir:          cfg.Dir,
		dbfilename:   cfg.Dbfilename,
		role:         role,
		masterReplID: cfg.MasterReplID,
	}
}

// Store exposes the underlying store, e.g. for the RDB loader and the
// replication client's direct application of master writes.
func (e *Engine) Store() *store.Store {
	return e.store
}

// SetReplicationSource wires a replica's live progress into INFO
// replication. Called once at startup when the process runs with
// -replicaof; nil (the default) leaves INFO reporting the engine's own
// master-side bookkeeping.
func (e *Engine) SetReplicationSource(src ReplicationSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replSource = src
}

// ReplicationOffset returns the current master_repl_offset.
func (e *Engine) ReplicationOffset() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.masterReplOffset
}

// Execute runs one command for sess. self is the calling connection's
// own ReplicaHandle, used only by PSYNC to register it as a replica.
// raw is the exact bytes of this command's frame, used only for write
// propagation, which must forward the inbound bytes verbatim rather
// than a re-serialization (so offsets stay byte-for-byte consistent
// between master and replica).
func (e *Engine) Execute(sess *Session, self ReplicaHandle, cmd protocol.Command, raw []byte) (Reply, error) {
	name := cmd.Name

	if sess.InTransaction && name != "EXEC" && name != "MULTI" && name != "DISCARD" {
		sess.Queue = append(sess.Queue, queuedCommand{cmd: cmd, raw: raw})
		return replySimple("QUEUED"), nil
	}

	switch name {
	case "PING":
		return e.cmdPing(cmd)
	case "ECHO":
		return e.cmdEcho(cmd)
	case "SET":
		return e.cmdSet(cmd, raw)
	case "GET":
		return e.cmdGet(cmd)
	case "CONFIG":
		return e.cmdConfig(cmd)
	case "KEYS":
		return e.cmdKeys(cmd)
	case "INFO":
		return e.cmdInfo(cmd)
	case "TYPE":
		return e.cmdType(cmd)
	case "INCR":
		return e.cmdIncr(cmd, raw)
	case "XADD":
		return e.cmdXAdd(cmd, raw)
	case "XRANGE":
		return e.cmdXRange(cmd)
	case "XREAD":
		return e.cmdXRead(cmd)
	case "MULTI":
		sess.InTransaction = true
		sess.Queue = nil
		return replySimple("OK"), nil
	case "EXEC":
		return e.cmdExec(sess, self)
	case "DISCARD":
		if !sess.InTransaction {
			return Reply{}, newCommandError("ERR DISCARD without MULTI")
		}
		sess.InTransaction = false
		sess.Queue = nil
		return replySimple("OK"), nil
	case "REPLCONF":
		return e.cmdReplconf(cmd)
	case "PSYNC":
		return e.cmdPsync(self)
	case "WAIT":
		return e.cmdWait(cmd)
	case "EVAL":
		return e.cmdEval(cmd)
	case "EVALSHA":
		return e.cmdEvalSHA(cmd)
	case "SCRIPT":
		return e.cmdScript(cmd)
	default:
		return Reply{}, errUnknownCommand(name)
	}
}

func (e *Engine) cmdPing(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 0 {
		return Reply{}, errArity("ping")
	}
	return replySimple("PONG"), nil
}

func (e *Engine) cmdEcho(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 1 {
		return Reply{}, errArity("echo")
	}
	return replyBulk(cmd.Args[0]), nil
}

func (e *Engine) cmdSet(cmd protocol.Command, raw []byte) (Reply, error) {
	if len(cmd.Args) < 2 {
		return Reply{}, errArity("set")
	}
	key := string(cmd.Args[0])
	val := cmd.Args[1]

	var ttl time.Duration
	if len(cmd.Args) > 2 {
		if len(cmd.Args) != 4 || !strings.EqualFold(string(cmd.Args[2]), "PX") {
			return Reply{}, errSyntax()
		}
		ms, err := strconv.ParseInt(string(cmd.Args[3]), 10, 64)
		if err != nil {
			return Reply{}, errSyntax()
		}
		ttl = time.Duration(ms) * time.Millisecond
	}

	e.store.Set(key, val, ttl)
	e.propagate(raw)
	return replySimple("OK"), nil
}

func (e *Engine) cmdGet(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 1 {
		return Reply{}, errArity("get")
	}
	val, ok, wrongType := e.store.Get(string(cmd.Args[0]))
	if wrongType {
		return Reply{}, store.ErrWrongType
	}
	if !ok {
		return replyNullBulk(), nil
	}
	return replyBulk(val), nil
}

func (e *Engine) cmdConfig(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) < 1 {
		return Reply{}, errArity("config")
	}
	if !strings.EqualFold(string(cmd.Args[0]), "GET") {
		return Reply{}, newCommandError("ERR unknown CONFIG subcommand '%s'", cmd.Args[0])
	}
	if len(cmd.Args) != 2 {
		return Reply{}, errArity("config|get")
	}
	name := string(cmd.Args[1])
	switch strings.ToLower(name) {
	case "dir":
		return replyArray([]protocol.Value{bulkValue([]byte(name)), bulkValue([]byte(e.dir))}), nil
	case "dbfilename":
		return replyArray([]protocol.Value{bulkValue([]byte(name)), bulkValue([]byte(e.dbfilename))}), nil
	default:
		return replyArray([]protocol.Value{}), nil
	}
}

func (e *Engine) cmdKeys(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 1 {
		return Reply{}, errArity("keys")
	}
	if string(cmd.Args[0]) != "*" {
		return replyBulk([]byte{}), nil
	}
	keys := e.store.Keys()
	vals := make([]protocol.Value, len(keys))
	for i, k := range keys {
		vals[i] = bulkValue([]byte(k))
	}
	return replyArray(vals), nil
}

func (e *Engine) cmdInfo(cmd protocol.Command) (Reply, error) {
	e.mu.Lock()
	role, id, off, src := e.role, e.masterReplID, e.masterReplOffset, e.replSource
	e.mu.Unlock()

	if src != nil {
		id, off = src.ReplicationID(), uint64(src.ReplicationOffset())
	}

	body := fmt.Sprintf("# Replication\nrole:%s\nmaster_replid:%s\nmaster_repl_offset:%d\n", role, id, off)
	return replyBulk([]byte(body)), nil
}

func (e *Engine) cmdType(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 1 {
		return Reply{}, errArity("type")
	}
	return replySimple(e.store.Type(string(cmd.Args[0])).String()), nil
}

func (e *Engine) cmdIncr(cmd protocol.Command, raw []byte) (Reply, error) {
	if len(cmd.Args) != 1 {
		return Reply{}, errArity("incr")
	}
	n, err := e.store.Incr(string(cmd.Args[0]))
	if err != nil {
		return Reply{}, err
	}
	e.propagate(raw)
	return replyInteger(n), nil
}

func (e *Engine) cmdExec(sess *Session, self ReplicaHandle) (Reply, error) {
	if !sess.InTransaction {
		return Reply{}, newCommandError("ERR EXEC without MULTI")
	}
	queued := sess.Queue
	sess.InTransaction = false
	sess.Queue = nil

	results := make([]protocol.Value, 0, len(queued))
	for _, q := range queued {
		r, err := e.Execute(sess, self, q.cmd, q.raw)
		if err != nil {
			results = append(results, protocol.Value{Type: protocol.TypeError, Data: []byte(err.Error())})
			continue
		}
		if r.Suppress {
			continue
		}
		results = append(results, r.Value)
	}
	return replyArray(results), nil
}

// RemoveReplica drops h from the replica list, e.g. when its connection
// closes. It is a no-op if h was never registered.
func (e *Engine) RemoveReplica(h ReplicaHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.replicas {
		if r == h {
			e.replicas = append(e.replicas[:i], e.replicas[i+1:]...)
			return
		}
	}
}

// propagate forwards raw to every attached replica and advances
// master_repl_offset, dropping any replica whose write fails (the
// master removes it from the fleet; a pending WAIT continues with the
// reduced count).
func (e *Engine) propagate(raw []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alive := e.replicas[:0]
	for _, r := range e.replicas {
		if err := r.WriteRaw(raw); err == nil {
			alive = append(alive, r)
		} else {
			e.log.Info("dropping replica after write error", Field{"error", err})
		}
	}
	e.replicas = alive
	e.masterReplOffset += uint64(len(raw))
}
