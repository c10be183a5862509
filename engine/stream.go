package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/arjunsk/goredis-server/protocol"
	"github.com/arjunsk/goredis-server/store"
)

// blockCoordinator tracks the single outstanding blocking XREAD, matching
// the single-process-wide-WAIT limitation called out for WAIT itself: only
// one blocking read may be in flight at a time.
type blockCoordinator struct {
	keys     []string
	after    []store.StreamID
	resolved bool
	woken    chan string
}

func (e *Engine) cmdXAdd(cmd protocol.Command, raw []byte) (Reply, error) {
	if len(cmd.Args) < 4 || len(cmd.Args)%2 != 0 {
		return Reply{}, errArity("xadd")
	}
	key := string(cmd.Args[0])
	idSpec := string(cmd.Args[1])

	fieldArgs := cmd.Args[2:]
	fields := make([]store.Field, 0, len(fieldArgs)/2)
	for i := 0; i+1 < len(fieldArgs); i += 2 {
		fields = append(fields, store.Field{Name: fieldArgs[i], Value: fieldArgs[i+1]})
	}

	id, err := e.store.XAdd(key, idSpec, fields, time.Now().UnixMilli())
	if err != nil {
		return Reply{}, err
	}
	e.propagate(raw)
	e.wakeBlockedRead(key, id)
	return replyBulk([]byte(id.String())), nil
}

// wakeBlockedRead resolves the single outstanding blocking XREAD if key is
// one it is waiting on and id advances past the point it started from.
// Clears e.block specifically, never e.wait.
func (e *Engine) wakeBlockedRead(key string, id store.StreamID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.block
	if b == nil || b.resolved {
		return
	}
	for i, k := range b.keys {
		if k == key && id.Compare(b.after[i]) > 0 {
			b.resolved = true
			b.woken <- key
			e.block = nil
			return
		}
	}
}

func (e *Engine) cmdXRange(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 3 {
		return Reply{}, errArity("xrange")
	}
	key := string(cmd.Args[0])
	start, err := parseRangeBound(string(cmd.Args[1]), false)
	if err != nil {
		return Reply{}, err
	}
	end, err := parseRangeBound(string(cmd.Args[2]), true)
	if err != nil {
		return Reply{}, err
	}

	entries, rerr := e.store.XRange(key, start, end)
	if rerr != nil {
		return Reply{}, rerr
	}
	return replyArray(streamEntriesToValues(entries)), nil
}

// parseRangeBound parses an XRANGE start/end bound: either a bare "<ms>",
// whose missing seq defaults to 0 for start and +inf-ish (max uint64) for
// end, or a fully-qualified "<ms>-<seq>".
func parseRangeBound(s string, isEnd bool) (store.StreamID, error) {
	if !strings.Contains(s, "-") {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return store.StreamID{}, newCommandError("ERR Invalid stream ID specified as stream command argument")
		}
		seq := uint64(0)
		if isEnd {
			seq = ^uint64(0)
		}
		return store.StreamID{Ms: ms, Seq: seq}, nil
	}
	id, err := store.ParseStreamID(s)
	if err != nil {
		return store.StreamID{}, newCommandError("ERR Invalid stream ID specified as stream command argument")
	}
	return id, nil
}

func streamEntriesToValues(entries []store.StreamEntry) []protocol.Value {
	out := make([]protocol.Value, len(entries))
	for i, se := range entries {
		fieldVals := make([]protocol.Value, 0, len(se.Fields)*2)
		for _, f := range se.Fields {
			fieldVals = append(fieldVals, bulkValue(f.Name), bulkValue(f.Value))
		}
		out[i] = protocol.Value{
			Type: protocol.TypeArray,
			Array: []protocol.Value{
				bulkValue([]byte(se.ID.String())),
				{Type: protocol.TypeArray, Array: fieldVals},
			},
		}
	}
	return out
}

func (e *Engine) cmdXRead(cmd protocol.Command) (Reply, error) {
	args := cmd.Args
	var blockMs int64 = -1
	i := 0
	if len(args) > 0 && strings.EqualFold(string(args[0]), "BLOCK") {
		if len(args) < 2 {
			return Reply{}, errSyntax()
		}
		ms, err := strconv.ParseInt(string(args[1]), 10, 64)
		if err != nil {
			return Reply{}, errSyntax()
		}
		blockMs = ms
		i = 2
	}
	if i >= len(args) || !strings.EqualFold(string(args[i]), "STREAMS") {
		return Reply{}, errSyntax()
	}
	i++
	rest := args[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return Reply{}, errArity("xread")
	}
	n := len(rest) / 2
	keys := make([]string, n)
	after := make([]store.StreamID, n)
	for j := 0; j < n; j++ {
		keys[j] = string(rest[j])
		idSpec := string(rest[n+j])
		if idSpec == "$" {
			after[j] = e.store.LastStreamID(keys[j])
			continue
		}
		id, err := store.ParseStreamID(idSpec)
		if err != nil {
			return Reply{}, newCommandError("ERR Invalid stream ID specified as stream command argument")
		}
		after[j] = id
	}

	result, err := e.collectXRead(keys, after)
	if err != nil {
		return Reply{}, err
	}
	if len(result) > 0 || blockMs < 0 {
		if len(result) == 0 {
			return replyNullArray(), nil
		}
		return replyArray(result), nil
	}

	return e.blockXRead(keys, after, blockMs)
}

func (e *Engine) collectXRead(keys []string, after []store.StreamID) ([]protocol.Value, error) {
	var out []protocol.Value
	for i, key := range keys {
		entries, err := e.store.XReadAfter(key, after[i])
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		out = append(out, protocol.Value{
			Type: protocol.TypeArray,
			Array: []protocol.Value{
				bulkValue([]byte(key)),
				{Type: protocol.TypeArray, Array: streamEntriesToValues(entries)},
			},
		})
	}
	return out, nil
}

// blockXRead installs the single process-wide blocking-read coordinator and
// waits for either a wakeup or the timeout. Per the wakeup contract, a
// wakeup re-reads only the key that was signaled, not every watched key;
// any update to a sibling key that arrived in the same window is missed.
func (e *Engine) blockXRead(keys []string, after []store.StreamID, blockMs int64) (Reply, error) {
	woken := make(chan string, 1)
	e.mu.Lock()
	e.block = &blockCoordinator{keys: keys, after: after, woken: woken}
	e.mu.Unlock()

	var timer *time.Timer
	var timeoutC <-chan time.Time
	if blockMs > 0 {
		timer = time.NewTimer(time.Duration(blockMs) * time.Millisecond)
		timeoutC = timer.C
		defer timer.Stop()
	}

	select {
	case key := <-woken:
		idx := -1
		for i, k := range keys {
			if k == key {
				idx = i
				break
			}
		}
		if idx < 0 {
			return replyNullArray(), nil
		}
		entries, err := e.store.XReadAfter(key, after[idx])
		if err != nil {
			return Reply{}, err
		}
		return replyArray([]protocol.Value{{
			Type: protocol.TypeArray,
			Array: []protocol.Value{
				bulkValue([]byte(key)),
				{Type: protocol.TypeArray, Array: streamEntriesToValues(entries)},
			},
		}}), nil
	case <-timeoutC:
		e.mu.Lock()
		e.block = nil
		e.mu.Unlock()
		return replyNullBulk(), nil
	}
}
