package cache

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReadFunc computes a field's value on read. existing is the stored value
// (nil with exists=false when the field is absent). Returning ok=false
// reports the field as missing.
type ReadFunc func(existing any, exists bool, opts FieldOptions) (value any, ok bool)

// MergeFunc combines the stored value with an incoming, already normalized
// value and returns what gets stored.
type MergeFunc func(existing, incoming any, opts FieldOptions) any

// FieldPolicy customizes storage of one field of one type.
type FieldPolicy struct {
	// KeyArgs lists the arguments that select the field's store slot. Nil
	// means every argument; an empty non-nil slice means none.
	KeyArgs []string
	Read    ReadFunc
	Merge   MergeFunc
	// MergeObjects deep-merges embedded (unkeyed) objects instead of
	// replacing them.
	MergeObjects bool
}

// TypePolicy customizes identity and fields of one type.
type TypePolicy struct {
	// KeyFields overrides the default identifying field ("id", then "_id").
	KeyFields []string
	// Embedded stores objects of this type inline in their parent.
	Embedded bool
	Fields   map[string]FieldPolicy
}

// TypePolicies maps typename to policy.
type TypePolicies map[string]TypePolicy

// FieldOptions is handed to field policy functions.
type FieldOptions struct {
	Typename       string
	FieldName      string
	StoreFieldName string
	Args           map[string]any
	Variables      map[string]any

	st  *store
	pol *policies
	obj map[string]any
}

// ToReference identifies obj and returns a Reference to it. The target
// Record need not exist yet.
func (o FieldOptions) ToReference(obj map[string]any) (Reference, bool) {
	id, ok, err := o.pol.identify(obj)
	if err != nil || !ok {
		return Reference{}, false
	}
	return Reference{ID: id}, true
}

// ReadField reads an argument-less field from a Reference, an embedded
// object, or the object being read when from is nil.
func (o FieldOptions) ReadField(fieldName string, from any) (any, bool) {
	var obj map[string]any
	switch x := from.(type) {
	case nil:
		obj = o.obj
	case Reference:
		rec, ok := o.st.get(x.ID)
		if !ok {
			return nil, false
		}
		obj = rec
	case map[string]any:
		obj = x
	case Record:
		obj = x
	}
	if obj == nil {
		return nil, false
	}
	v, ok := obj[fieldName]
	return v, ok
}

// ReadAsReference returns a read function that falls back to a Reference to
// typename identified by the argument argName when the field was never
// written. It lets a root field like person(id: 1) resolve to Person:1
// written by some other query.
func ReadAsReference(typename, argName string) ReadFunc {
	return func(existing any, exists bool, opts FieldOptions) (any, bool) {
		if exists {
			return existing, true
		}
		v, ok := opts.Args[argName]
		if !ok {
			return nil, false
		}
		return opts.ToReference(map[string]any{"__typename": typename, "id": v})
	}
}

var rootIDs = map[string]string{
	"Query":    RootQuery,
	"Mutation": RootMutation,
}

func rootTypename(id string) string {
	switch id {
	case RootQuery:
		return "Query"
	case RootMutation:
		return "Mutation"
	}
	return ""
}

func isRootID(id string) bool { return rootTypename(id) != "" }

// policies is the resolved, read-only policy set of a Cache.
type policies struct {
	types TypePolicies
	// subtypes maps an abstract type to every concrete type it covers.
	subtypes map[string]map[string]struct{}
}

func newPolicies(types TypePolicies, possible map[string][]string) *policies {
	p := &policies{types: types, subtypes: make(map[string]map[string]struct{})}
	if p.types == nil {
		p.types = TypePolicies{}
	}
	for super := range possible {
		seen := make(map[string]struct{})
		var walk func(string)
		walk = func(t string) {
			for _, sub := range possible[t] {
				if _, ok := seen[sub]; ok {
					continue
				}
				seen[sub] = struct{}{}
				walk(sub)
			}
		}
		walk(super)
		p.subtypes[super] = seen
	}
	return p
}

// matches reports whether an object of typename satisfies a type condition.
// Objects of unknown type match every condition.
func (p *policies) matches(typename, cond string) bool {
	if cond == "" || typename == "" || typename == cond {
		return true
	}
	_, ok := p.subtypes[cond][typename]
	return ok
}

func (p *policies) field(typename, name string) *FieldPolicy {
	tp, ok := p.types[typename]
	if !ok || tp.Fields == nil {
		return nil
	}
	fp, ok := tp.Fields[name]
	if !ok {
		return nil
	}
	return &fp
}

// identify derives the data ID of obj. ok is false for objects that are
// stored inline. An error means explicitly configured key fields are absent.
func (p *policies) identify(obj map[string]any) (string, bool, error) {
	typename, _ := obj["__typename"].(string)
	if id, ok := rootIDs[typename]; ok {
		return id, true, nil
	}
	tp := p.types[typename]
	if tp.Embedded {
		return "", false, nil
	}
	if len(tp.KeyFields) > 0 {
		var sb strings.Builder
		sb.WriteString(typename)
		sb.WriteString(":{")
		for i, kf := range tp.KeyFields {
			v, ok := obj[kf]
			if !ok {
				return "", false, fmt.Errorf("missing key field %q of type %s", kf, typename)
			}
			if i > 0 {
				sb.WriteByte(',')
			}
			k, _ := json.Marshal(kf)
			b, err := json.Marshal(v)
			if err != nil {
				return "", false, fmt.Errorf("key field %q of type %s: %w", kf, typename, err)
			}
			sb.Write(k)
			sb.WriteByte(':')
			sb.Write(b)
		}
		sb.WriteByte('}')
		return sb.String(), true, nil
	}
	if typename == "" {
		return "", false, nil
	}
	for _, f := range []string{"id", "_id"} {
		if v, ok := obj[f]; ok && v != nil {
			return typename + ":" + keyString(v), true, nil
		}
	}
	return "", false, nil
}

func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// resolve returns the field policy and store field name of sel on an object
// of typename, reusing what the planner resolved when the type was static.
func (p *policies) resolve(sel *Selection, typename string) (*FieldPolicy, string) {
	if sel.staticType != "" && (typename == "" || typename == sel.staticType) {
		return sel.policy, sel.storeName
	}
	fp := p.field(typename, sel.Name)
	return fp, storeFieldName(sel.Name, sel.Args, fp)
}

// storeFieldName renders the slot name of a field: the bare name without
// key arguments, else name(<canonical JSON of key args>).
func storeFieldName(name string, args map[string]any, fp *FieldPolicy) string {
	if len(args) == 0 {
		return name
	}
	keyed := args
	if fp != nil && fp.KeyArgs != nil {
		keyed = make(map[string]any, len(fp.KeyArgs))
		for _, k := range fp.KeyArgs {
			if v, ok := args[k]; ok {
				keyed[k] = v
			}
		}
	}
	if len(keyed) == 0 {
		return name
	}
	b, err := json.Marshal(keyed)
	if err != nil {
		return name + "(" + fmt.Sprint(keyed) + ")"
	}
	return name + "(" + string(b) + ")"
}

// fieldNameOf strips the argument suffix of a store field name.
func fieldNameOf(storeName string) string {
	if i := strings.IndexByte(storeName, '('); i >= 0 {
		return storeName[:i]
	}
	return storeName
}
