package engine

import "github.com/arjunsk/goredis-server/protocol"

// Reply is what Execute hands back to the dispatcher: either a value to
// write, or Suppress set, meaning "write nothing" (the REPLCONF ACK
// case).
type Reply struct {
	Value    protocol.Value
	Suppress bool
}

func replySimple(s string) Reply {
	return Reply{Value: protocol.Value{Type: protocol.TypeSimpleString, Data: []byte(s)}}
}

func replyInteger(n int64) Reply {
	return Reply{Value: protocol.Value{Type: protocol.TypeInteger, Integer: n}}
}

// replyBulk writes data as a bulk string. A nil slice is marked null;
// an empty slice is not marked null, but protocol.Writer.WriteValue
// still sends it as the null bulk string.
func replyBulk(data []byte) Reply {
	return Reply{Value: protocol.Value{Type: protocol.TypeBulkString, Data: data, IsNull: data == nil}}
}

func replyNullBulk() Reply {
	return Reply{Value: protocol.Value{Type: protocol.TypeBulkString, IsNull: true}}
}

func replyArray(vals []protocol.Value) Reply {
	return Reply{Value: protocol.Value{Type: protocol.TypeArray, Array: vals}}
}

func replyNullArray() Reply {
	return Reply{Value: protocol.Value{Type: protocol.TypeArray, IsNull: true}}
}

func replyNone() Reply {
	return Reply{Suppress: true}
}

func bulkValue(b []byte) protocol.Value {
	return protocol.Value{Type: protocol.TypeBulkString, Data: b, IsNull: b == nil}
}
