// Package protocol implements the RESP wire codec used by the server,
// the replication client, and the replication handshake: encoding
// outbound values and decoding inbound command arrays from a byte
// buffer that may hold partial or coalesced frames.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType tags a decoded RESP value.
type ValueType byte

const (
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value is a single decoded RESP value, as produced by the handshake
// reader for PONG/OK/FULLRESYNC replies.
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String renders the value the way redis-cli would print it.
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError reports whether this value is a RESP error reply.
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Error returns the error message if this is a RESP error reply.
func (v Value) Error() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}
