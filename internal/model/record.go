package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reserved record keys. Everything else in a record is a domain property.
// id and class_id are deprecated duplicates accepted on read, never written.
var reservedKeys = map[string]bool{
	"tsid":       true,
	"class_tsid": true,
	"ts":         true,
	"deleted":    true,
	"gsTimers":   true,
	"id":         true,
	"class_id":   true,
}

// MarshalRecord serializes the object to its storage record: one flat JSON
// object with the canonical reserved keys plus the domain properties inline.
// Properties whose name begins with "!" and values that cannot be serialized
// are dropped. Object links are written as {tsid, objref:true} stubs.
func (o *Object) MarshalRecord() ([]byte, error) {
	o.mu.Lock()
	rec := make(map[string]any, len(o.props)+4)
	for k, v := range o.props {
		if strings.HasPrefix(k, "!") || reservedKeys[k] {
			continue
		}
		ev, ok := encodeValue(v)
		if !ok {
			continue
		}
		rec[k] = ev
	}
	rec["tsid"] = o.tsid
	rec["class_tsid"] = o.class
	rec["ts"] = o.created.UnixMilli()
	if o.deleted {
		rec["deleted"] = true
	}
	o.mu.Unlock()

	if snap := o.timers.Snapshot(); len(snap) > 0 {
		rec["gsTimers"] = snap
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serializing %s: %w", o.tsid, err)
	}
	return data, nil
}

// FromRecord rebuilds an Object from its storage record. Reference stubs
// become *Ref values; persisted timers are restored but not armed (the
// persistence layer binds and resumes them after install).
func FromRecord(data []byte) (*Object, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}

	id, _ := rec["tsid"].(string)
	if id == "" {
		id, _ = rec["id"].(string) // deprecated duplicate
	}
	if id == "" {
		return nil, fmt.Errorf("record has no tsid")
	}
	class, _ := rec["class_tsid"].(string)
	if class == "" {
		class, _ = rec["class_id"].(string) // deprecated duplicate
	}

	o := New(id, class, nil)
	if ts, ok := rec["ts"].(float64); ok {
		o.created = time.UnixMilli(int64(ts))
	}
	if del, ok := rec["deleted"].(bool); ok {
		o.deleted = del
	}
	if raw, ok := rec["gsTimers"]; ok {
		if recs, err := decodeTimers(raw); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		} else {
			o.timers.Restore(recs)
		}
	}

	for k, v := range rec {
		if reservedKeys[k] {
			continue
		}
		o.props[k] = decodeValue(v)
	}
	return o, nil
}

// IsRefStub reports whether a decoded JSON value is a {tsid, objref:true}
// reference stub, returning the linked TSID.
func IsRefStub(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	if ref, _ := m["objref"].(bool); !ref {
		return "", false
	}
	id, _ := m["tsid"].(string)
	return id, id != ""
}

// encodeValue converts a property value to its JSON-able record form.
// Returns false for values that cannot be persisted.
func encodeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil, bool, string,
		int, int32, int64, float32, float64:
		return v, true
	case *Ref:
		return map[string]any{"tsid": t.TSID, "objref": true}, true
	case Handle:
		return map[string]any{"tsid": t.TSID(), "objref": true}, true
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			ev, ok := encodeValue(e)
			if !ok {
				return nil, false
			}
			out = append(out, ev)
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ev, ok := encodeValue(e)
			if !ok {
				return nil, false
			}
			out[k] = ev
		}
		return out, true
	default:
		if _, err := json.Marshal(v); err != nil {
			return nil, false
		}
		return v, true
	}
}

// decodeValue converts a raw JSON value into its in-memory form, rebuilding
// reference stubs as lazy *Ref links at any depth.
func decodeValue(v any) any {
	if id, ok := IsRefStub(v); ok {
		return &Ref{TSID: id}
	}
	switch t := v.(type) {
	case []any:
		for i, e := range t {
			t[i] = decodeValue(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = decodeValue(e)
		}
		return t
	default:
		return v
	}
}

func decodeTimers(raw any) (map[string]TimerRec, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("reencoding gsTimers: %w", err)
	}
	var recs map[string]TimerRec
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parsing gsTimers: %w", err)
	}
	return recs, nil
}
