package engine

import (
	"testing"
	"time"

	"github.com/arjunsk/goredis-server/protocol"
	"github.com/arjunsk/goredis-server/store"
)

// fakeReplica records every raw write it receives, standing in for a
// connection that has completed PSYNC.
type fakeReplica struct {
	writes [][]byte
	fail   bool
}

func (f *fakeReplica) WriteRaw(b []byte) error {
	if f.fail {
		return errArity("fake")
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return nil
}

func newTestEngine() *Engine {
	return New(store.New(), Config{Role: "master", MasterReplID: "0123456789012345678901234567890123456789"}, nil)
}

func mustParse(t *testing.T, raw string) (protocol.Command, []byte) {
	t.Helper()
	cmds, consumed, err := protocol.ParseFrames([]byte(raw))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	return cmds[0], []byte(raw)[:consumed]
}

func TestPing(t *testing.T) {
	e := newTestEngine()
	sess := NewSession()
	cmd, raw := mustParse(t, "*1\r\n$4\r\nPING\r\n")

	reply, err := e.Execute(sess, nil, cmd, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Value.Type != protocol.TypeSimpleString || string(reply.Value.Data) != "PONG" {
		t.Fatalf("expected +PONG, got %+v", reply.Value)
	}
}

func TestSetGet(t *testing.T) {
	e := newTestEngine()
	sess := NewSession()

	setCmd, setRaw := mustParse(t, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	if _, err := e.Execute(sess, nil, setCmd, setRaw); err != nil {
		t.Fatalf("SET failed: %v", err)
	}

	getCmd, getRaw := mustParse(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	reply, err := e.Execute(sess, nil, getCmd, getRaw)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if string(reply.Value.Data) != "bar" {
		t.Fatalf("expected bar, got %q", reply.Value.Data)
	}
}

func TestSetWithExpiry(t *testing.T) {
	e := newTestEngine()
	sess := NewSession()

	setCmd, setRaw := mustParse(t, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$3\r\n100\r\n")
	if _, err := e.Execute(sess, nil, setCmd, setRaw); err != nil {
		t.Fatalf("SET failed: %v", err)
	}

	getCmd, getRaw := mustParse(t, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	reply, err := e.Execute(sess, nil, getCmd, getRaw)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if reply.Value.IsNull {
		t.Fatalf("expected value present immediately after SET")
	}

	time.Sleep(150 * time.Millisecond)

	reply, err = e.Execute(sess, nil, getCmd, getRaw)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if !reply.Value.IsNull {
		t.Fatalf("expected null bulk after expiry, got %q", reply.Value.Data)
	}
}

func TestXAddDuplicateID(t *testing.T) {
	e := newTestEngine()
	sess := NewSession()

	cmd, raw := mustParse(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n1-1\r\n$1\r\nf\r\n$1\r\nv\r\n")
	if _, err := e.Execute(sess, nil, cmd, raw); err != nil {
		t.Fatalf("first XADD failed: %v", err)
	}

	_, err := e.Execute(sess, nil, cmd, raw)
	if err == nil {
		t.Fatal("expected second XADD with same id to fail")
	}
	want := "ERR The ID specified in XADD is equal or smaller than the target stream top item"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestMultiExec(t *testing.T) {
	e := newTestEngine()
	sess := NewSession()

	multiCmd, multiRaw := mustParse(t, "*1\r\n$5\r\nMULTI\r\n")
	reply, err := e.Execute(sess, nil, multiCmd, multiRaw)
	if err != nil || string(reply.Value.Data) != "OK" {
		t.Fatalf("MULTI failed: %v %+v", err, reply)
	}

	for _, raw := range []string{
		"*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n",
		"*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n",
	} {
		cmd, r := mustParse(t, raw)
		reply, err = e.Execute(sess, nil, cmd, r)
		if err != nil || string(reply.Value.Data) != "QUEUED" {
			t.Fatalf("expected QUEUED, got %v %+v", err, reply)
		}
	}

	execCmd, execRaw := mustParse(t, "*1\r\n$4\r\nEXEC\r\n")
	reply, err = e.Execute(sess, nil, execCmd, execRaw)
	if err != nil {
		t.Fatalf("EXEC failed: %v", err)
	}
	if len(reply.Value.Array) != 2 {
		t.Fatalf("expected 2 results, got %d", len(reply.Value.Array))
	}
	for _, v := range reply.Value.Array {
		if string(v.Data) != "OK" {
			t.Fatalf("expected OK, got %q", v.Data)
		}
	}
}

func TestWaitWithReplicas(t *testing.T) {
	e := newTestEngine()
	sess := NewSession()

	r1 := &fakeReplica{}
	r2 := &fakeReplica{}
	e.replicas = []ReplicaHandle{r1, r2}

	setCmd, setRaw := mustParse(t, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	if _, err := e.Execute(sess, nil, setCmd, setRaw); err != nil {
		t.Fatalf("SET failed: %v", err)
	}

	done := make(chan Reply, 1)
	go func() {
		cmd, raw := mustParse(t, "*3\r\n$4\r\nWAIT\r\n$1\r\n2\r\n$3\r\n500\r\n")
		reply, err := e.Execute(sess, nil, cmd, raw)
		if err != nil {
			t.Errorf("WAIT failed: %v", err)
		}
		done <- reply
	}()

	time.Sleep(20 * time.Millisecond)
	ackCmd1, ackRaw1 := mustParse(t, "*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$1\r\n1\r\n")
	ackCmd2, ackRaw2 := mustParse(t, "*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$1\r\n1\r\n")
	if _, err := e.Execute(sess, nil, ackCmd1, ackRaw1); err != nil {
		t.Fatalf("ACK failed: %v", err)
	}
	if _, err := e.Execute(sess, nil, ackCmd2, ackRaw2); err != nil {
		t.Fatalf("ACK failed: %v", err)
	}

	select {
	case reply := <-done:
		if reply.Value.Integer != 2 {
			t.Fatalf("expected :2, got %d", reply.Value.Integer)
		}
	case <-time.After(time.Second):
		t.Fatal("WAIT did not resolve in time")
	}
}
