package engine

import (
	"strconv"
	"strings"

	"github.com/arjunsk/goredis-server/protocol"
)

func (e *Engine) cmdEval(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) < 2 {
		return Reply{}, errArity("eval")
	}
	script := string(cmd.Args[0])
	keys, args, err := splitKeysArgs(cmd.Args[1:])
	if err != nil {
		return Reply{}, err
	}
	result, rerr := e.lua.Eval(script, keys, args)
	if rerr != nil {
		return Reply{}, newCommandError("ERR %s", rerr.Error())
	}
	return luaResultToReply(result), nil
}

func (e *Engine) cmdEvalSHA(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) < 2 {
		return Reply{}, errArity("evalsha")
	}
	sha := string(cmd.Args[0])
	keys, args, err := splitKeysArgs(cmd.Args[1:])
	if err != nil {
		return Reply{}, err
	}
	result, rerr := e.lua.EvalSHA(sha, keys, args)
	if rerr != nil {
		return Reply{}, newCommandError("ERR %s", rerr.Error())
	}
	return luaResultToReply(result), nil
}

func (e *Engine) cmdScript(cmd protocol.Command) (Reply, error) {
	if len(cmd.Args) < 1 {
		return Reply{}, errArity("script")
	}
	switch strings.ToUpper(string(cmd.Args[0])) {
	case "LOAD":
		if len(cmd.Args) != 2 {
			return Reply{}, errArity("script|load")
		}
		sha := e.lua.LoadScript(string(cmd.Args[1]))
		return replyBulk([]byte(sha)), nil
	case "EXISTS":
		hashes := make([]string, len(cmd.Args)-1)
		for i, h := range cmd.Args[1:] {
			hashes[i] = string(h)
		}
		results := e.lua.ScriptExists(hashes)
		vals := make([]protocol.Value, len(results))
		for i, ok := range results {
			n := int64(0)
			if ok {
				n = 1
			}
			vals[i] = protocol.Value{Type: protocol.TypeInteger, Integer: n}
		}
		return replyArray(vals), nil
	case "FLUSH":
		e.lua.ScriptFlush()
		return replySimple("OK"), nil
	default:
		return Reply{}, newCommandError("ERR unknown SCRIPT subcommand '%s'", cmd.Args[0])
	}
}

// splitKeysArgs parses EVAL/EVALSHA's "<numkeys> key... arg..." tail.
func splitKeysArgs(rest [][]byte) (keys, args []string, err error) {
	n, perr := strconv.Atoi(string(rest[0]))
	if perr != nil || n < 0 || n > len(rest)-1 {
		return nil, nil, newCommandError("ERR Number of keys can't be greater than number of args")
	}
	keys = make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = string(rest[1+i])
	}
	tail := rest[1+n:]
	args = make([]string, len(tail))
	for i, a := range tail {
		args[i] = string(a)
	}
	return keys, args, nil
}

// luaResultToReply converts the Go value a script returns into a RESP
// reply, using the same nil-becomes-null and array-becomes-multi-bulk
// conventions the rest of the engine uses.
func luaResultToReply(result interface{}) Reply {
	switch v := result.(type) {
	case nil:
		return replyNullBulk()
	case bool:
		if !v {
			return replyNullBulk()
		}
		return replyInteger(1)
	case string:
		return replyBulk([]byte(v))
	case int64:
		return replyInteger(v)
	case float64:
		return replyInteger(int64(v))
	case []interface{}:
		vals := make([]protocol.Value, len(v))
		for i, item := range v {
			vals[i] = luaResultToReply(item).Value
		}
		return replyArray(vals)
	default:
		return replyBulk([]byte{})
	}
}
