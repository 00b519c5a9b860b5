package cache

import (
	"reflect"
	"sort"
)

// writeBatch stages a write so it can be committed atomically. Records are
// copied on first touch; nothing reaches the store until commit.
type writeBatch struct {
	st      *store
	pol     *policies
	vars    map[string]any
	staged  map[string]Record
	changed map[string]struct{}
}

func newWriteBatch(st *store, pol *policies, vars map[string]any) *writeBatch {
	return &writeBatch{
		st:      st,
		pol:     pol,
		vars:    vars,
		staged:  make(map[string]Record),
		changed: make(map[string]struct{}),
	}
}

func (b *writeBatch) record(id string) Record {
	if rec, ok := b.staged[id]; ok {
		return rec
	}
	rec := Record{}
	if existing, ok := b.st.get(id); ok {
		rec = cloneRecord(existing)
	} else {
		b.changed[id] = struct{}{}
	}
	b.staged[id] = rec
	return rec
}

func (b *writeBatch) set(id string, rec Record, field string, value any) {
	if old, ok := rec[field]; ok && valuesEqual(old, value) {
		return
	}
	rec[field] = value
	b.changed[id] = struct{}{}
}

// commit publishes the staged records and returns the changed IDs, sorted.
func (b *writeBatch) commit() []string {
	ids := make([]string, 0, len(b.changed))
	for id := range b.changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b.st.upsert(id, b.staged[id])
	}
	return ids
}

// writeObject merges data into the Record at id following sels.
func (b *writeBatch) writeObject(id string, sels []*Selection, data map[string]any, typename string, path Path) error {
	rec := b.record(id)
	if tn, ok := data["__typename"].(string); ok && tn != "" {
		typename = tn
		b.set(id, rec, "__typename", tn)
	} else if tn := rec.Typename(); tn != "" {
		typename = tn
	}

	for _, g := range collectFields(sels, typename, b.pol) {
		if g.sel.Name == "__typename" {
			continue
		}
		incoming, ok := data[g.sel.ResponseName]
		if !ok {
			// Partial payloads leave previously known fields alone.
			continue
		}
		fieldPath := appendPath(path, g.sel.ResponseName)
		policy, storeName := b.pol.resolve(g.sel, typename)
		value, err := b.processValue(g.children, incoming, fieldPath)
		if err != nil {
			return err
		}
		value, err = b.mergeField(policy, rec, storeName, value, FieldOptions{
			Typename:       typename,
			FieldName:      g.sel.Name,
			StoreFieldName: storeName,
			Args:           g.sel.Args,
			Variables:      b.vars,
			st:             b.st,
			pol:            b.pol,
			obj:            rec,
		})
		if err != nil {
			return err
		}
		b.set(id, rec, storeName, value)
	}
	return nil
}

func (b *writeBatch) mergeField(policy *FieldPolicy, rec Record, storeName string, incoming any, opts FieldOptions) (any, error) {
	if policy == nil {
		return incoming, nil
	}
	existing := rec[storeName]
	if policy.Merge != nil {
		return callMerge(policy, cloneValue(existing), incoming, opts)
	}
	if policy.MergeObjects {
		return mergeObjects(existing, incoming), nil
	}
	return incoming, nil
}

// callMerge turns a panicking merge function into a *FieldPolicyError; the
// batch is then dropped uncommitted.
func callMerge(policy *FieldPolicy, existing, incoming any, opts FieldOptions) (merged any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FieldPolicyError{Typename: opts.Typename, FieldName: opts.FieldName, Value: r}
		}
	}()
	return policy.Merge(existing, incoming, opts), nil
}

// processValue normalizes an incoming value: keyed objects become Records
// behind a Reference, unkeyed objects are stored inline.
func (b *writeBatch) processValue(children []*Selection, value any, path Path) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Reference:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			pv, err := b.processValue(children, item, appendPath(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	case map[string]any:
		if len(children) == 0 {
			return cloneValue(v), nil
		}
		id, ok, err := b.pol.identify(v)
		if err != nil {
			return nil, &InvalidWriteError{Path: path, Reason: err.Error()}
		}
		typename, _ := v["__typename"].(string)
		if ok {
			if err := b.writeObject(id, children, v, typename, path); err != nil {
				return nil, err
			}
			return Reference{ID: id}, nil
		}
		return b.embedded(children, v, typename, path)
	default:
		if normalized, ok := normalizeInput(value); ok {
			return b.processValue(children, normalized, path)
		}
		return v, nil
	}
}

func (b *writeBatch) embedded(sels []*Selection, data map[string]any, typename string, path Path) (map[string]any, error) {
	out := make(map[string]any)
	if typename != "" {
		out["__typename"] = typename
	}
	for _, g := range collectFields(sels, typename, b.pol) {
		if g.sel.Name == "__typename" {
			continue
		}
		incoming, ok := data[g.sel.ResponseName]
		if !ok {
			continue
		}
		_, storeName := b.pol.resolve(g.sel, typename)
		value, err := b.processValue(g.children, incoming, appendPath(path, g.sel.ResponseName))
		if err != nil {
			return nil, err
		}
		out[storeName] = value
	}
	return out, nil
}

// normalizeInput converts typed Go maps and slices (e.g. []map[string]any)
// into the generic shapes the store holds.
func normalizeInput(v any) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	}
	return nil, false
}

// mergeObjects deep-merges incoming embedded objects into existing ones.
func mergeObjects(existing, incoming any) any {
	em, ok1 := existing.(map[string]any)
	im, ok2 := incoming.(map[string]any)
	if !ok1 || !ok2 {
		return incoming
	}
	if et, it := em["__typename"], im["__typename"]; et != nil && it != nil && et != it {
		return incoming
	}
	out := cloneValue(em).(map[string]any)
	for k, v := range im {
		out[k] = mergeObjects(out[k], v)
	}
	return out
}

// selectionsFromData derives a selection set from the shape of data, for
// writes that come without a document.
func selectionsFromData(data map[string]any) []*Selection {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Selection, 0, len(keys))
	for _, k := range keys {
		s := &Selection{ResponseName: k, Name: k}
		s.Children = childSelections(data[k])
		out = append(out, s)
	}
	return out
}

func childSelections(v any) []*Selection {
	if n, ok := normalizeInput(v); ok {
		v = n
	}
	switch x := v.(type) {
	case map[string]any:
		return selectionsFromData(x)
	case []any:
		var merged []*Selection
		for _, item := range x {
			for _, s := range childSelections(item) {
				merged = addSelection(merged, s)
			}
		}
		return merged
	}
	return nil
}

