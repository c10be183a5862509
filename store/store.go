// Package store implements the in-memory key/value table shared by the
// command engine, the replication engine, and the RDB loader.
//
// A single mutex guards the whole table: this server's single-process,
// single-database workload does not justify a sharded, hashed layout.
package store

import (
	"fmt"
	"sync"
	"time"
)

// ErrWrongType is returned when a command requires one value shape but the
// key already holds the other.
var ErrWrongType = fmt.Errorf("WRONGTYPE Operation against a key holding the wrong kind of value")

// Store is the process-wide key/value table. All exported methods are
// safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	data  map[string]*entry
	order []string // insertion order, for KEYS; stale entries skipped lazily
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]*entry)}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Set stores a string value for key, optionally expiring it after ttl
// (ttl == 0 means "never expires"), per SET k v [PX ms].
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sv := &stringValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		sv.hasExpiry = true
		sv.expireAt = nowMs() + ttl.Milliseconds()
	}
	s.setEntry(key, &entry{typ: TypeString, str: sv})
}

func (s *Store) setEntry(key string, e *entry) {
	if _, exists := s.data[key]; !exists {
		s.order = append(s.order, key)
	}
	s.data[key] = e
}

// Get returns the string value for key. ok is false if the key is absent,
// expired, or holds a stream (in which case wrongType is true).
func (s *Store) Get(key string) (value []byte, ok bool, wrongType bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntry(key)
	if e == nil {
		return nil, false, false
	}
	if e.typ != TypeString {
		return nil, false, true
	}
	return append([]byte(nil), e.str.data...), true, false
}

// Del deletes keys and returns how many existed. Used only by the EVAL
// sandbox; it is not one of the client-facing commands the engine
// dispatches directly.
func (s *Store) Del(keys ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if s.liveEntryLocked(k) != nil {
			delete(s.data, k)
			for i, o := range s.order {
				if o == k {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			n++
		}
	}
	return n
}

// Exists counts how many of keys are present and unexpired. Used only by
// the EVAL sandbox, same rationale as Del.
func (s *Store) Exists(keys ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if s.liveEntryLocked(k) != nil {
			n++
		}
	}
	return n
}

// Type reports the tagged shape of key's value, or TypeNone if absent or
// expired.
func (s *Store) Type(key string) ValueType {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key)
	if e == nil {
		return TypeNone
	}
	return e.typ
}

// Keys returns every live key in insertion order, per KEYS "*".
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.order))
	for _, k := range s.order {
		if s.liveEntryLocked(k) != nil {
			out = append(out, k)
		}
	}
	return out
}

// Incr increments the integer value stored at key (creating it as "1" if
// absent) and returns the new value.
func (s *Store) Incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key)
	if e == nil {
		s.setEntry(key, &entry{typ: TypeString, str: &stringValue{data: []byte("1")}})
		return 1, nil
	}
	if e.typ != TypeString {
		return 0, ErrWrongType
	}
	n, err := parseInt(e.str.data)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	n++
	e.str.data = []byte(fmt.Sprintf("%d", n))
	e.str.hasExpiry = false
	return n, nil
}

func parseInt(b []byte) (int64, error) {
	var n int64
	if len(b) == 0 {
		return 0, fmt.Errorf("empty")
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(b) {
		return 0, fmt.Errorf("invalid")
	}
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, fmt.Errorf("invalid")
		}
		n = n*10 + int64(b[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// liveEntry returns the entry for key, or nil if absent or expired. It
// takes no lock of its own: like liveEntryLocked, it must be called with
// s.mu held.
func (s *Store) liveEntry(key string) *entry {
	return s.liveEntryLocked(key)
}

// liveEntryLocked is the lazy-expiry gate: an expired string value may
// still physically sit in the map, but every read treats it as absent.
// There is deliberately no background sweeper.
func (s *Store) liveEntryLocked(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.typ == TypeString && e.str.hasExpiry && e.str.expireAt <= nowMs() {
		return nil
	}
	return e
}

// LoadString seeds key with a string value from the RDB loader, bypassing
// insertion-order bookkeeping concerns beyond the normal Set path.
// expireAtMs is 0 for "never expires".
func (s *Store) LoadString(key string, value []byte, expireAtMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sv := &stringValue{data: append([]byte(nil), value...)}
	if expireAtMs > 0 {
		sv.hasExpiry = true
		sv.expireAt = expireAtMs
	}
	s.setEntry(key, &entry{typ: TypeString, str: sv})
}
