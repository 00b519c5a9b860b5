package cache

import (
	"fmt"

	"go.uber.org/multierr"
)

// Result is the outcome of a cache read. Data holds whatever could be
// assembled; Complete is false when any requested field was absent, and
// Missing lists each absent field.
type Result struct {
	Data     map[string]any
	Complete bool
	Missing  []MissingField
}

// MissingPaths renders the paths of missing fields.
func (r *Result) MissingPaths() []string {
	out := make([]string, len(r.Missing))
	for i, m := range r.Missing {
		out[i] = m.Path.String()
	}
	return out
}

// Err folds missing fields into a single error for callers that treat an
// incomplete read as a failure. It is nil for complete results.
func (r *Result) Err() error {
	var err error
	for _, m := range r.Missing {
		err = multierr.Append(err, m)
	}
	return err
}

// readState holds the state during one read
type readState struct {
	st      *store
	pol     *policies
	vars    map[string]any
	missing []MissingField
	// deps collects every data ID visited, including dangling targets.
	deps map[string]struct{}
}

// readFromStore walks plan from rootID. It never fails on absent data; the
// error is reserved for field policies that panic.
func readFromStore(st *store, pol *policies, plan *Plan, rootID string) (res Result, deps map[string]struct{}, err error) {
	rs := &readState{st: st, pol: pol, vars: plan.Variables, deps: map[string]struct{}{rootID: {}}}
	defer func() {
		if r := recover(); r != nil {
			fpe, ok := r.(*FieldPolicyError)
			if !ok {
				panic(r)
			}
			res, deps, err = Result{}, rs.deps, fpe
		}
	}()

	rec, ok := st.get(rootID)
	if !ok {
		if !isRootID(rootID) {
			rs.addMissing(Path{}, fmt.Sprintf("dangling reference to missing %s object", rootID))
			return Result{Missing: rs.missing}, rs.deps, nil
		}
		rec = Record{}
	}
	typename := rec.Typename()
	if typename == "" {
		typename = rootTypename(rootID)
	}
	if typename == "" {
		typename = plan.Typename
	}
	data := rs.readObject(plan.Selections, rec, typename, Path{}, rootID)
	return Result{Data: data, Complete: len(rs.missing) == 0, Missing: rs.missing}, rs.deps, nil
}

func (rs *readState) addMissing(path Path, msg string) {
	rs.missing = append(rs.missing, MissingField{Path: path, Message: msg})
}

func (rs *readState) readObject(sels []*Selection, obj map[string]any, typename string, path Path, label string) map[string]any {
	out := make(map[string]any)
	for _, g := range collectFields(sels, typename, rs.pol) {
		responseName := g.sel.ResponseName
		fieldPath := appendPath(path, responseName)

		if g.sel.Name == "__typename" {
			if typename != "" {
				out[responseName] = typename
			} else {
				rs.addMissing(fieldPath, fmt.Sprintf("can't find field __typename on %s object", label))
			}
			continue
		}

		policy, storeName := rs.pol.resolve(g.sel, typename)
		value, present := obj[storeName]
		if policy != nil && policy.Read != nil {
			value, present = rs.callRead(policy, value, present, FieldOptions{
				Typename:       typename,
				FieldName:      g.sel.Name,
				StoreFieldName: storeName,
				Args:           g.sel.Args,
				Variables:      rs.vars,
				st:             rs.st,
				pol:            rs.pol,
				obj:            obj,
			})
		}
		if !present {
			rs.addMissing(fieldPath, fmt.Sprintf("can't find field %s on %s object", storeName, label))
			continue
		}
		if v, ok := rs.readValue(g.children, value, fieldPath); ok {
			out[responseName] = v
		}
	}
	return out
}

func (rs *readState) callRead(policy *FieldPolicy, existing any, exists bool, opts FieldOptions) (value any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			panic(&FieldPolicyError{Typename: opts.Typename, FieldName: opts.FieldName, Value: r})
		}
	}()
	return policy.Read(existing, exists, opts)
}

// readValue completes a stored value against the field's sub-selection.
// ok is false when the value resolved to nothing (a dangling reference).
func (rs *readState) readValue(children []*Selection, value any, path Path) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case Reference:
		if len(children) == 0 {
			return v, true
		}
		rs.deps[v.ID] = struct{}{}
		rec, ok := rs.st.get(v.ID)
		if !ok {
			rs.addMissing(path, fmt.Sprintf("dangling reference to missing %s object", v.ID))
			return nil, false
		}
		return rs.readObject(children, rec, rec.Typename(), path, v.ID), true
	case map[string]any:
		if len(children) == 0 {
			return cloneValue(v), true
		}
		typename, _ := v["__typename"].(string)
		return rs.readObject(children, v, typename, path, "embedded"), true
	case []any:
		items := make([]any, 0, len(v))
		for i, item := range v {
			if completed, ok := rs.readValue(children, item, appendPath(path, i)); ok {
				items = append(items, completed)
			}
		}
		return items, true
	default:
		return v, true
	}
}
