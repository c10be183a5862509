package protocol_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/arjunsk/goredis-server/protocol"
)

func TestRESPReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected protocol.Value
	}{
		{
			name:     "simple string",
			input:    "+OK\r\n",
			expected: protocol.Value{Type: protocol.TypeSimpleString, Data: []byte("OK")},
		},
		{
			name:     "error",
			input:    "-ERR unknown command\r\n",
			expected: protocol.Value{Type: protocol.TypeError, Data: []byte("ERR unknown command")},
		},
		{
			name:     "integer",
			input:    ":42\r\n",
			expected: protocol.Value{Type: protocol.TypeInteger, Integer: 42},
		},
		{
			name:     "bulk string",
			input:    "$5\r\nhello\r\n",
			expected: protocol.Value{Type: protocol.TypeBulkString, Data: []byte("hello")},
		},
		{
			name:     "null bulk string",
			input:    "$-1\r\n",
			expected: protocol.Value{Type: protocol.TypeBulkString, IsNull: true},
		},
		{
			name:     "empty bulk string",
			input:    "$0\r\n\r\n",
			expected: protocol.Value{Type: protocol.TypeBulkString, Data: []byte("")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))
			value, err := reader.ReadNext()
			if err != nil {
				t.Fatalf("ReadNext() error = %v", err)
			}
			if value.Type != tt.expected.Type {
				t.Errorf("Type = %v, want %v", value.Type, tt.expected.Type)
			}
			if !bytes.Equal(value.Data, tt.expected.Data) {
				t.Errorf("Data = %v, want %v", value.Data, tt.expected.Data)
			}
			if value.Integer != tt.expected.Integer {
				t.Errorf("Integer = %v, want %v", value.Integer, tt.expected.Integer)
			}
			if value.IsNull != tt.expected.IsNull {
				t.Errorf("IsNull = %v, want %v", value.IsNull, tt.expected.IsNull)
			}
		})
	}
}

func TestRESPWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)

	if err := writer.WriteSimpleString("OK"); err != nil {
		t.Fatalf("WriteSimpleString() error = %v", err)
	}
	writer.Flush()
	if got, want := buf.String(), "+OK\r\n"; got != want {
		t.Errorf("WriteSimpleString() = %q, want %q", got, want)
	}

	buf.Reset()
	if err := writer.WriteBulkString([]byte("hello")); err != nil {
		t.Fatalf("WriteBulkString() error = %v", err)
	}
	writer.Flush()
	if got, want := buf.String(), "$5\r\nhello\r\n"; got != want {
		t.Errorf("WriteBulkString() = %q, want %q", got, want)
	}

	buf.Reset()
	if err := writer.WriteBulkString(nil); err != nil {
		t.Fatalf("WriteBulkString(nil) error = %v", err)
	}
	writer.Flush()
	if got, want := buf.String(), "$-1\r\n"; got != want {
		t.Errorf("WriteBulkString(nil) = %q, want %q", got, want)
	}

	buf.Reset()
	if err := writer.WriteInteger(42); err != nil {
		t.Fatalf("WriteInteger() error = %v", err)
	}
	writer.Flush()
	if got, want := buf.String(), ":42\r\n"; got != want {
		t.Errorf("WriteInteger() = %q, want %q", got, want)
	}

	buf.Reset()
	if err := writer.WriteCommand("SET", "key", "value"); err != nil {
		t.Fatalf("WriteCommand() error = %v", err)
	}
	writer.Flush()
	if got, want := buf.String(), "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"; got != want {
		t.Errorf("WriteCommand() = %q, want %q", got, want)
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		name     string
		value    protocol.Value
		expected string
	}{
		{
			name:     "simple string",
			value:    protocol.Value{Type: protocol.TypeSimpleString, Data: []byte("OK")},
			expected: "OK",
		},
		{
			name:     "integer",
			value:    protocol.Value{Type: protocol.TypeInteger, Integer: 42},
			expected: "42",
		},
		{
			name:     "null bulk string",
			value:    protocol.Value{Type: protocol.TypeBulkString, IsNull: true},
			expected: "(nil)",
		},
		{
			name:     "error",
			value:    protocol.Value{Type: protocol.TypeError, Data: []byte("ERR unknown command")},
			expected: "ERR unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.value.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseFramesSingle(t *testing.T) {
	input := []byte("*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n")

	cmds, consumed, err := protocol.ParseFrames(input)
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if consumed != len(input) {
		t.Fatalf("consumed = %d, want %d", consumed, len(input))
	}
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	if cmds[0].Name != "SET" {
		t.Errorf("Name = %s, want SET", cmds[0].Name)
	}
	if len(cmds[0].Args) != 2 || string(cmds[0].Args[0]) != "key" || string(cmds[0].Args[1]) != "value" {
		t.Errorf("Args = %v, want [key value]", cmds[0].Args)
	}
	if cmds[0].Length != len(input) {
		t.Errorf("Length = %d, want %d", cmds[0].Length, len(input))
	}
}

func TestParseFramesCoalesced(t *testing.T) {
	one := "*1\r\n$4\r\nPING\r\n"
	input := []byte(one + one + one)

	cmds, consumed, err := protocol.ParseFrames(input)
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if consumed != len(input) {
		t.Fatalf("consumed = %d, want %d", consumed, len(input))
	}
	if len(cmds) != 3 {
		t.Fatalf("got %d commands, want 3", len(cmds))
	}
	for _, c := range cmds {
		if c.Name != "PING" {
			t.Errorf("Name = %s, want PING", c.Name)
		}
	}
}

func TestParseFramesPartial(t *testing.T) {
	full := "*2\r\n$4\r\nECHO\r\n$2\r\nhi\r\n"
	// Cut the buffer mid-frame, well before the final CRLF.
	partial := []byte(full[:len(full)-5])

	cmds, consumed, err := protocol.ParseFrames(partial)
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if len(cmds) != 0 {
		t.Fatalf("got %d commands from a partial frame, want 0", len(cmds))
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0", consumed)
	}

	complete, consumed, err := protocol.ParseFrames([]byte(full))
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if len(complete) != 1 || consumed != len(full) {
		t.Fatalf("got %d commands, consumed %d, want 1 and %d", len(complete), consumed, len(full))
	}
}

func TestParseFramesSimpleStringElement(t *testing.T) {
	input := []byte("*2\r\n$4\r\nECHO\r\n+hi\r\n")

	cmds, consumed, err := protocol.ParseFrames(input)
	if err != nil {
		t.Fatalf("ParseFrames() error = %v", err)
	}
	if consumed != len(input) {
		t.Fatalf("consumed = %d, want %d", consumed, len(input))
	}
	if len(cmds) != 1 {
		t.Fatalf("got %d commands, want 1", len(cmds))
	}
	if cmds[0].Name != "ECHO" {
		t.Errorf("Name = %s, want ECHO", cmds[0].Name)
	}
	if len(cmds[0].Args) != 1 || string(cmds[0].Args[0]) != "hi" {
		t.Errorf("Args = %v, want [hi]", cmds[0].Args)
	}
}

func TestParseFramesMalformed(t *testing.T) {
	_, _, err := protocol.ParseFrames([]byte("*1\r\n:5\r\n"))
	if err == nil {
		t.Fatal("expected a protocol error for a non-bulk-string array element")
	}
}
