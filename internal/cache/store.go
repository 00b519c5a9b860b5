package cache

import (
	"encoding/json"
	"sort"
)

const (
	// RootQuery is the data ID of the Record holding top-level query fields.
	RootQuery = "ROOT_QUERY"
	// RootMutation is the data ID of the Record holding top-level mutation fields.
	RootMutation = "ROOT_MUTATION"
)

// Reference points at a normalized Record by data ID. It never owns the
// Record; a Reference whose target is gone is dangling and reads treat it as
// missing.
type Reference struct {
	ID string
}

// Ref builds a Reference to id.
func Ref(id string) Reference { return Reference{ID: id} }

// MarshalJSON renders the reference the way cache dumps conventionally do.
func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"__ref": r.ID})
}

// Record is a flattened object keyed by store field name. Values are nil,
// scalars, Reference, []any or embedded map[string]any objects.
type Record map[string]any

// Typename returns the record's __typename, or "" when unknown.
func (r Record) Typename() string {
	s, _ := r["__typename"].(string)
	return s
}

// Snapshot is an immutable point-in-time copy of the store. It shares no
// memory with the live store.
type Snapshot map[string]Record

// IDs returns the data IDs in the snapshot, sorted.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnmarshalJSON decodes a snapshot produced by json.Marshal, turning
// {"__ref": id} objects back into References.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw map[string]map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Snapshot, len(raw))
	for id, fields := range raw {
		rec := make(Record, len(fields))
		for k, v := range fields {
			rec[k] = decodeRefs(v)
		}
		out[id] = rec
	}
	*s = out
	return nil
}

func decodeRefs(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if id, ok := x["__ref"].(string); ok && len(x) == 1 {
			return Reference{ID: id}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = decodeRefs(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = decodeRefs(e)
		}
		return out
	default:
		return v
	}
}

// store is the normalized object map. It is not safe for concurrent use;
// Cache serializes access.
type store struct {
	records map[string]Record
}

func newStore() *store {
	return &store{records: make(map[string]Record)}
}

func (s *store) get(id string) (Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

// upsert merges fields into the record at id, creating it when absent.
// It reports whether any stored value changed.
func (s *store) upsert(id string, fields Record) bool {
	rec, ok := s.records[id]
	if !ok {
		rec = make(Record, len(fields))
		s.records[id] = rec
	}
	changed := !ok
	for k, v := range fields {
		old, had := rec[k]
		if !had || !valuesEqual(old, v) {
			changed = true
		}
		rec[k] = v
	}
	return changed
}

func (s *store) deleteField(id, field string) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	if _, ok := rec[field]; !ok {
		return false
	}
	delete(rec, field)
	return true
}

func (s *store) deleteRecord(id string) bool {
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	return true
}

func (s *store) snapshot() Snapshot {
	out := make(Snapshot, len(s.records))
	for id, rec := range s.records {
		out[id] = cloneRecord(rec)
	}
	return out
}

func (s *store) replace(snap Snapshot) {
	s.records = make(map[string]Record, len(snap))
	for id, rec := range snap {
		s.records[id] = cloneRecord(rec)
	}
}

func (s *store) len() int { return len(s.records) }

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies maps and slices; scalars and References are values.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case Record:
		return cloneRecord(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// collectRefs appends the IDs of every Reference nested in v.
func collectRefs(v any, into []string) []string {
	switch x := v.(type) {
	case Reference:
		return append(into, x.ID)
	case map[string]any:
		for _, e := range x {
			into = collectRefs(e, into)
		}
	case []any:
		for _, e := range x {
			into = collectRefs(e, into)
		}
	}
	return into
}
