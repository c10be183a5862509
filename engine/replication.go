package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/arjunsk/goredis-server/protocol"
)

// emptyRDBPayload is the fixed, minimal RDB image sent immediately after a
// FULLRESYNC reply. It never carries real data: every key a replica needs
// arrives afterward through normal write propagation.
var emptyRDBPayload = []byte{
	0x52, 0x45, 0x44, 0x49, 0x53, 0x30, 0x30, 0x31, 0x31,
	0xfa, 0x09, 0x72, 0x65, 0x64, 0x69, 0x73, 0x2d, 0x76, 0x65, 0x72, 0x05, 0x37, 0x2e, 0x32, 0x2e, 0x30,
	0xfa, 0x0a, 0x72, 0x65, 0x64, 0x69, 0x73, 0x2d, 0x62, 0x69, 0x74, 0x73, 0xc0, 0x40,
	0xfa, 0x05, 0x63, 0x74, 0x69, 0x6d, 0x65, 0xc2, 0x6d, 0x08, 0xbc, 0x65,
	0xfa, 0x08, 0x75, 0x73, 0x65, 0x64, 0x2d, 0x6d, 0x65, 0x6d, 0xc2, 0xb0, 0xc4, 0x10, 0x00,
	0xfa, 0x08, 0x61, 0x6f, 0x66, 0x2d, 0x62, 0x61, 0x73, 0x65, 0xc0, 0x00,
	0xff, 0xf0, 0x6e, 0x3b, 0xfe, 0xc0, 0xff, 0x5a, 0xa2,
}

// waitCoordinator tracks the single outstanding WAIT call, matching the
// process-wide limitation called out for blocking XREAD.
type waitCoordinator struct {
	goal     int
	acked    int
	resolved bool
	done     chan struct{}
}

func (e *Engine) cmdReplconf(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) == 0 {
		return Reply{}, errArity("replconf")
	}
	if strings.EqualFold(string(cmd.Args[0]), "ACK") {
		e.mu.Lock()
		if w := e.wait; w != nil && !w.resolved {
			w.acked++
			if w.acked >= w.goal {
				w.resolved = true
				close(w.done)
			}
		}
		e.mu.Unlock()
		return replyNone(), nil
	}
	return replySimple("OK"), nil
}

func (e *Engine) cmdPsync(self ReplicaHandle) (Reply, error) {
	e.mu.Lock()
	replID, offset := e.masterReplID, e.masterReplOffset
	e.mu.Unlock()

	fullresync := "+FULLRESYNC " + replID + " " + strconv.FormatUint(offset, 10) + "\r\n"
	if err := self.WriteRaw([]byte(fullresync)); err != nil {
		return Reply{}, err
	}
	if err := self.WriteRaw([]byte("$" + strconv.Itoa(len(emptyRDBPayload)) + "\r\n")); err != nil {
		return Reply{}, err
	}
	if err := self.WriteRaw(emptyRDBPayload); err != nil {
		return Reply{}, err
	}

	e.mu.Lock()
	e.replicas = append(e.replicas, self)
	e.mu.Unlock()

	return replyNone(), nil
}

func (e *Engine) cmdWait(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) != 2 {
		return Reply{}, errArity("wait")
	}
	n, err := strconv.Atoi(string(cmd.Args[0]))
	if err != nil {
		return Reply{}, errSyntax()
	}
	timeoutMs, err := strconv.ParseInt(string(cmd.Args[1]), 10, 64)
	if err != nil {
		return Reply{}, errSyntax()
	}

	if n <= 0 {
		return replyInteger(0), nil
	}

	e.mu.Lock()
	if e.masterReplOffset == 0 {
		count := len(e.replicas)
		e.mu.Unlock()
		return replyInteger(int64(count)), nil
	}
	replicas := append([]ReplicaHandle{}, e.replicas...)
	w := &waitCoordinator{goal: n, done: make(chan struct{})}
	e.wait = w
	e.mu.Unlock()

	getack := []byte("*3\r\n$8\r\nREPLCONF\r\n$6\r\nGETACK\r\n$1\r\n*\r\n")
	for _, r := range replicas {
		_ = r.WriteRaw(getack)
	}

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
	}

	e.mu.Lock()
	acked := w.acked
	if e.wait == w {
		e.wait = nil
	}
	e.mu.Unlock()

	return replyInteger(int64(acked)), nil
}
