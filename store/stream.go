package store

import (
	"fmt"
	"strconv"
	"strings"
)

// XAdd appends an entry to the stream at key, assigning its id per idSpec
// (spec.md §4.5 XADD). wallClockMs is the current wall-clock millisecond
// count used by the "*" form.
func (s *Store) XAdd(key, idSpec string, fields []Field, wallClockMs int64) (StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if ok && e.typ != TypeStream {
		return StreamID{}, ErrWrongType
	}
	if !ok {
		e = &entry{typ: TypeStream, stream: &streamValue{}}
	}

	id, err := resolveStreamID(idSpec, e.stream.lastID, wallClockMs)
	if err != nil {
		return StreamID{}, err
	}

	e.stream.entries = append(e.stream.entries, StreamEntry{ID: id, Fields: fields})
	e.stream.lastID = id
	s.setEntry(key, e)

	return id, nil
}

// resolveStreamID implements the three id-spec shapes of XADD.
func resolveStreamID(idSpec string, lastID StreamID, wallClockMs int64) (StreamID, error) {
	if idSpec == "*" {
		if lastID.Ms == uint64(wallClockMs) {
			return StreamID{Ms: uint64(wallClockMs), Seq: lastID.Seq + 1}, nil
		}
		return StreamID{Ms: uint64(wallClockMs), Seq: 0}, nil
	}

	msPart, seqPart, hasDash := strings.Cut(idSpec, "-")
	if hasDash && seqPart == "*" {
		ms, err := strconv.ParseUint(msPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
		var seq uint64
		switch {
		case ms == 0:
			seq = 1
		case ms == lastID.Ms:
			seq = lastID.Seq + 1
		default:
			seq = 0
		}
		return StreamID{Ms: ms, Seq: seq}, nil
	}

	// Explicit "<ms>-<seq>".
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
	}
	var seq uint64
	if hasDash {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("ERR Invalid stream ID specified as stream command argument")
		}
	}
	id := StreamID{Ms: ms, Seq: seq}

	if id.Ms == 0 && id.Seq == 0 {
		return StreamID{}, fmt.Errorf("ERR The ID specified in XADD must be greater than 0-0")
	}
	if id.Compare(lastID) <= 0 {
		return StreamID{}, fmt.Errorf("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	}
	return id, nil
}

// XRange returns every entry of key's stream with id in [start, end]
// inclusive. An absent key yields an empty, non-error result; a
// non-stream key yields ErrWrongType.
func (s *Store) XRange(key string, start, end StreamID) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key)
	if e == nil {
		return nil, nil
	}
	if e.typ != TypeStream {
		return nil, ErrWrongType
	}

	var out []StreamEntry
	for _, se := range e.stream.entries {
		if se.ID.Compare(start) >= 0 && se.ID.Compare(end) <= 0 {
			out = append(out, se)
		}
	}
	return out, nil
}

// LastStreamID returns key's current last_id (zero value if key is absent
// or not a stream), used to resolve XREAD's "$" id form.
func (s *Store) LastStreamID(key string) StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key)
	if e == nil || e.typ != TypeStream {
		return StreamID{}
	}
	return e.stream.lastID
}

// XReadAfter returns every entry of key's stream with id strictly greater
// than after. An absent key yields an empty, non-error result; a
// non-stream key yields ErrWrongType.
func (s *Store) XReadAfter(key string, after StreamID) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.liveEntryLocked(key)
	if e == nil {
		return nil, nil
	}
	if e.typ != TypeStream {
		return nil, ErrWrongType
	}

	var out []StreamEntry
	for _, se := range e.stream.entries {
		if se.ID.Compare(after) > 0 {
			out = append(out, se)
		}
	}
	return out, nil
}
