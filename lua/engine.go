package lua

import (
	"crypto/sha1"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/arjunsk/goredis-server/store"
)

// luaCommand runs one store-backed command a script is allowed to
// call. Scripts run synchronously inside a single call with no
// transaction queue, no replication propagation of their own, and no
// blocking forms, so this is a small, fixed subset of the
// connection-level command set rather than a path into it.
type luaCommand func(args []string) (interface{}, error)

// Engine provides Redis-compatible Lua script execution against a Store.
type Engine struct {
	store    *store.Store
	scripts  sync.Map // map[string]string - SHA1 -> script content
	commands map[string]luaCommand
}

// NewEngine creates a new Lua execution engine bound to s.
func NewEngine(s *store.Store) *Engine {
	e := &Engine{store: s}
	e.commands = map[string]luaCommand{
		"GET":    e.luaGet,
		"SET":    e.luaSet,
		"DEL":    e.luaDel,
		"EXISTS": e.luaExists,
		"TYPE":   e.luaType,
		"INCR":   e.luaIncr,
	}
	return e
}

// Eval executes a Lua script with the given keys and arguments.
func (e *Engine) Eval(script string, keys []string, args []string) (interface{}, error) {
	L := lua.NewState()
	defer L.Close()

	if err := e.setupRedisAPI(L, keys, args); err != nil {
		return nil, err
	}

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	return e.convertLuaValue(L.Get(-1)), nil
}

// EvalSHA executes a previously loaded script by its SHA1 hash.
func (e *Engine) EvalSHA(sha1 string, keys []string, args []string) (interface{}, error) {
	script, exists := e.scripts.Load(sha1)
	if !exists {
		return nil, fmt.Errorf("NOSCRIPT No matching script. Please use EVAL")
	}

	return e.Eval(script.(string), keys, args)
}

// LoadScript loads a script and returns its SHA1 hash.
func (e *Engine) LoadScript(script string) string {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(script)))
	e.scripts.Store(hash, script)
	return hash
}

// ScriptExists checks if scripts with given SHA1 hashes exist.
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, exists := e.scripts.Load(hash)
		results[i] = exists
	}
	return results
}

// ScriptFlush removes all cached scripts.
func (e *Engine) ScriptFlush() {
	e.scripts.Range(func(key, value interface{}) bool {
		e.scripts.Delete(key)
		return true
	})
}

// setupRedisAPI configures the Lua state with Redis-compatible functions.
func (e *Engine) setupRedisAPI(L *lua.LState, keys []string, args []string) error {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call":  e.redisCall,
		"pcall": e.redisPCall,
	})
	L.SetGlobal("redis", redisTable)

	return nil
}

// redisCall implements redis.call(): a failing command aborts the script.
func (e *Engine) redisCall(L *lua.LState) int {
	return e.invokeFromStack(L, false)
}

// redisPCall implements redis.pcall(): a failing command returns a Lua
// table with an "err" field instead of aborting the script.
func (e *Engine) redisPCall(L *lua.LState) int {
	return e.invokeFromStack(L, true)
}

// invokeFromStack reads a command name and arguments off L's stack,
// runs it, and pushes the result (or, for a protected call, an error
// table) back onto the stack.
func (e *Engine) invokeFromStack(L *lua.LState, protected bool) int {
	name, args, err := commandFromStack(L)
	var result interface{}
	if err == nil {
		result, err = e.dispatch(name, args)
	}
	if err != nil {
		if !protected {
			L.Error(lua.LString(err.Error()), 1)
			return 0
		}
		errTable := L.NewTable()
		errTable.RawSetString("err", lua.LString(err.Error()))
		L.Push(errTable)
		return 1
	}
	L.Push(e.convertToLuaValue(L, result))
	return 1
}

// commandFromStack reads the command name and remaining arguments a
// redis.call/redis.pcall invocation passed on L's stack.
func commandFromStack(L *lua.LState) (name string, args []string, err error) {
	argc := L.GetTop()
	if argc == 0 {
		return "", nil, fmt.Errorf("wrong number of arguments for redis command")
	}
	name = L.ToString(1)
	if name == "" {
		return "", nil, fmt.Errorf("command name must be a string")
	}
	args = make([]string, argc-1)
	for i := range args {
		args[i] = L.ToString(i + 2)
	}
	return name, args, nil
}

// dispatch looks up and runs the named command against the store.
func (e *Engine) dispatch(name string, args []string) (interface{}, error) {
	fn, ok := e.commands[name]
	if !ok {
		return nil, fmt.Errorf("unknown or unsupported command: %s", name)
	}
	return fn(args)
}

func (e *Engine) luaGet(args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("wrong number of arguments for 'get' command")
	}
	value, ok, wrongType := e.store.Get(args[0])
	if wrongType {
		return nil, store.ErrWrongType
	}
	if !ok {
		return nil, nil
	}
	return string(value), nil
}

func (e *Engine) luaSet(args []string) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("wrong number of arguments for 'set' command")
	}
	e.store.Set(args[0], []byte(args[1]), 0)
	return "OK", nil
}

func (e *Engine) luaDel(args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("wrong number of arguments for 'del' command")
	}
	return e.store.Del(args...), nil
}

func (e *Engine) luaExists(args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("wrong number of arguments for 'exists' command")
	}
	return e.store.Exists(args...), nil
}

func (e *Engine) luaType(args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("wrong number of arguments for 'type' command")
	}
	return e.store.Type(args[0]).String(), nil
}

func (e *Engine) luaIncr(args []string) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("wrong number of arguments for 'incr' command")
	}
	return e.store.Incr(args[0])
}

// convertToLuaValue converts a Go value returned by dispatch into a
// Lua value pushed back onto a script's stack.
func (e *Engine) convertToLuaValue(L *lua.LState, value interface{}) lua.LValue {
	if value == nil {
		return lua.LFalse // Redis nil becomes false in Lua
	}

	switch v := value.(type) {
	case string:
		return lua.LString(v)
	case int64:
		return lua.LNumber(float64(v))
	case int:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case bool:
		return lua.LBool(v)
	case []interface{}:
		table := L.NewTable()
		for i, item := range v {
			table.RawSetInt(i+1, e.convertToLuaValue(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// convertLuaValue converts a Lua value back to the Go value Eval
// returns to its caller.
func (e *Engine) convertLuaValue(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if i := int64(f); float64(i) == f {
			return i
		}
		return f
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		return e.convertLuaTable(v)
	default:
		return lv.String()
	}
}

// convertLuaTable converts a Lua table to either a Go slice, if its
// keys are exactly the integers 1..Len() with no others, or a
// string-keyed map otherwise. The array branch reads positions
// directly with RawGetInt rather than relying on ForEach's traversal
// order, since that order is only guaranteed for the table's
// contiguous integer prefix.
func (e *Engine) convertLuaTable(t *lua.LTable) interface{} {
	length := t.Len()

	arrayLike := true
	for i := 1; i <= length; i++ {
		if t.RawGetInt(i) == lua.LNil {
			arrayLike = false
			break
		}
	}
	if arrayLike {
		t.ForEach(func(k, _ lua.LValue) {
			num, ok := k.(lua.LNumber)
			idx := int(num)
			if !ok || float64(idx) != float64(num) || idx < 1 || idx > length {
				arrayLike = false
			}
		})
	}

	if arrayLike {
		result := make([]interface{}, length)
		for i := 1; i <= length; i++ {
			result[i-1] = e.convertLuaValue(t.RawGetInt(i))
		}
		return result
	}

	result := make(map[string]interface{})
	t.ForEach(func(k, val lua.LValue) {
		result[k.String()] = e.convertLuaValue(val)
	})
	return result
}
