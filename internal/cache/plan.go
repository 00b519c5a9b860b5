package cache

import (
	"encoding/json"
	"fmt"

	language "github.com/hanpama/gqlcache/internal/language"
)

// Plan is a compiled, immutable selection for one operation or fragment
// under one set of variables. Plans are memoized per Cache.
type Plan struct {
	// Name is the operation or fragment name.
	Name string
	// Operation is the operation type; empty for fragment plans.
	Operation language.Operation
	// Typename is the static type of the root selection.
	Typename   string
	Variables  map[string]any
	Selections []*Selection

	key          string
	network      *language.QueryDocument
	networkQuery string
}

// Selection is one requested field. Fragment spreads and inline fragments
// are already expanded; TypeCondition carries their type condition.
type Selection struct {
	ResponseName  string
	Name          string
	Args          map[string]any
	TypeCondition string
	// Client marks @client fields, which are never sent to the remote executor.
	Client   bool
	Children []*Selection

	staticType string
	policy     *FieldPolicy
	storeName  string
}

// planKey identifies a plan by the printed document, so equal documents
// share a plan and a key never outlives the text it was derived from.
func planKey(doc *language.QueryDocument, kind, name string, vars map[string]any) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%w: nil document", ErrOperationNotFound)
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("variables: %w", err)
	}
	return fmt.Sprintf("%s|%s|%s|%s", kind, name, b, language.Print(doc)), nil
}

type planner struct {
	doc  *language.QueryDocument
	vars map[string]any
	pol  *policies
}

func buildOperationPlan(pol *policies, doc *language.QueryDocument, operationName string, variables map[string]any) (*Plan, error) {
	op := getOperation(doc, operationName)
	if op == nil {
		return nil, fmt.Errorf("%w: %q", ErrOperationNotFound, operationName)
	}
	vars, err := coerceVariableValues(op, variables)
	if err != nil {
		return nil, err
	}
	typename := "Query"
	switch op.Operation {
	case language.Mutation:
		typename = "Mutation"
	case language.Subscription:
		typename = "Subscription"
	}
	p := &planner{doc: doc, vars: vars, pol: pol}
	sels, err := p.selections(op.SelectionSet, typename, "", false, nil, map[string]bool{})
	if err != nil {
		return nil, err
	}
	network := networkDocument(doc, op)
	plan := &Plan{
		Name:       op.Name,
		Operation:  op.Operation,
		Typename:   typename,
		Variables:  vars,
		Selections: sels,
		network:    network,
	}
	if network != nil {
		plan.networkQuery = language.Print(network)
	}
	return plan, nil
}

func buildFragmentPlan(pol *policies, doc *language.QueryDocument, fragmentName string, variables map[string]any) (*Plan, error) {
	frag := getFragment(doc, fragmentName)
	if frag == nil {
		return nil, fmt.Errorf("%w: %q", ErrFragmentNotFound, fragmentName)
	}
	vars, err := coerceVariableValues(nil, variables)
	if err != nil {
		return nil, err
	}
	p := &planner{doc: doc, vars: vars, pol: pol}
	visited := map[string]bool{frag.Name + "|": true}
	sels, err := p.selections(frag.SelectionSet, frag.TypeCondition, "", false, nil, visited)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Name:       frag.Name,
		Typename:   frag.TypeCondition,
		Variables:  vars,
		Selections: sels,
	}, nil
}

// selections expands set into out. staticType is the type known at plan
// time for objects of this set ("" when unknown); cond is the type condition
// inherited from enclosing fragments.
func (p *planner) selections(set language.SelectionSet, staticType, cond string, client bool, out []*Selection, visited map[string]bool) ([]*Selection, error) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if !shouldInclude(sel.Directives, p.vars) {
				continue
			}
			responseName := sel.Alias
			if responseName == "" {
				responseName = sel.Name
			}
			s := &Selection{
				ResponseName:  responseName,
				Name:          sel.Name,
				Args:          argumentValues(sel.Arguments, p.vars),
				TypeCondition: cond,
				Client:        client || sel.Directives.ForName("client") != nil,
			}
			if len(sel.SelectionSet) > 0 {
				children, err := p.selections(sel.SelectionSet, "", "", s.Client, nil, map[string]bool{})
				if err != nil {
					return nil, err
				}
				s.Children = children
			}
			owner := cond
			if owner == "" {
				owner = staticType
			}
			if owner != "" {
				s.staticType = owner
				s.policy = p.pol.field(owner, s.Name)
				s.storeName = storeFieldName(s.Name, s.Args, s.policy)
			}
			out = addSelection(out, s)

		case *language.InlineFragment:
			if !shouldInclude(sel.Directives, p.vars) {
				continue
			}
			innerStatic, innerCond := narrow(staticType, cond, sel.TypeCondition)
			var err error
			out, err = p.selections(sel.SelectionSet, innerStatic, innerCond, client || sel.Directives.ForName("client") != nil, out, visited)
			if err != nil {
				return nil, err
			}

		case *language.FragmentSpread:
			if !shouldInclude(sel.Directives, p.vars) {
				continue
			}
			def := p.doc.Fragments.ForName(sel.Name)
			if def == nil {
				return nil, fmt.Errorf("%w: %q", ErrFragmentNotFound, sel.Name)
			}
			if !shouldInclude(def.Directives, p.vars) {
				continue
			}
			innerStatic, innerCond := narrow(staticType, cond, def.TypeCondition)
			// A fragment spread again under the same condition adds nothing.
			key := sel.Name + "|" + innerCond
			if visited[key] {
				continue
			}
			visited[key] = true
			var err error
			out, err = p.selections(def.SelectionSet, innerStatic, innerCond, client || sel.Directives.ForName("client") != nil, out, visited)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// narrow computes the static type and condition inside a fragment with the
// given type condition.
func narrow(staticType, cond, typeCondition string) (string, string) {
	if typeCondition == "" || typeCondition == staticType || typeCondition == cond {
		return staticType, cond
	}
	return typeCondition, typeCondition
}

// addSelection merges s into out by (type condition, response name), so
// overlapping fragments contribute each field once.
func addSelection(out []*Selection, s *Selection) []*Selection {
	for _, existing := range out {
		if existing.ResponseName == s.ResponseName && existing.TypeCondition == s.TypeCondition {
			existing.Client = existing.Client && s.Client
			for _, c := range s.Children {
				existing.Children = addSelection(existing.Children, c)
			}
			return out
		}
	}
	return append(out, s)
}

// fieldGroup is the set of selections sharing one response name on a
// concrete object.
type fieldGroup struct {
	sel      *Selection
	children []*Selection
}

// collectFields filters sels by the object's typename and groups them by
// response name, preserving request order.
func collectFields(sels []*Selection, typename string, pol *policies) []fieldGroup {
	groups := make([]fieldGroup, 0, len(sels))
	index := make(map[string]int, len(sels))
	for _, s := range sels {
		if !pol.matches(typename, s.TypeCondition) {
			continue
		}
		if i, ok := index[s.ResponseName]; ok {
			groups[i].children = append(groups[i].children, s.Children...)
			continue
		}
		index[s.ResponseName] = len(groups)
		groups = append(groups, fieldGroup{sel: s, children: s.Children})
	}
	return groups
}

// getOperation retrieves the operation from the document
func getOperation(document *language.QueryDocument, operationName string) *language.OperationDefinition {
	if operationName == "" && len(document.Operations) == 1 {
		return document.Operations[0]
	}
	for _, op := range document.Operations {
		if op.Name == operationName {
			return op
		}
	}
	return nil
}

func getFragment(document *language.QueryDocument, name string) *language.FragmentDefinition {
	if name == "" && len(document.Fragments) == 1 {
		return document.Fragments[0]
	}
	return document.Fragments.ForName(name)
}

// networkDocument returns a copy of doc holding only op and the fragments it
// uses, with @client selections removed. Nil means nothing is left to fetch.
func networkDocument(doc *language.QueryDocument, op *language.OperationDefinition) *language.QueryDocument {
	s := &stripper{doc: doc, frags: map[string]*language.FragmentDefinition{}, done: map[string]bool{}}
	set := s.strip(op.SelectionSet)
	if len(set) == 0 {
		return nil
	}
	opCopy := *op
	opCopy.SelectionSet = set
	used := map[string]bool{}
	s.spreads(set, used)
	out := &language.QueryDocument{Operations: []*language.OperationDefinition{&opCopy}}
	for _, f := range doc.Fragments {
		if used[f.Name] {
			out.Fragments = append(out.Fragments, s.frags[f.Name])
		}
	}
	return out
}

type stripper struct {
	doc   *language.QueryDocument
	frags map[string]*language.FragmentDefinition
	done  map[string]bool
}

func (s *stripper) fragment(name string) *language.FragmentDefinition {
	if s.done[name] {
		return s.frags[name]
	}
	s.done[name] = true
	def := s.doc.Fragments.ForName(name)
	if def == nil {
		return nil
	}
	cp := *def
	cp.SelectionSet = s.strip(def.SelectionSet)
	if len(cp.SelectionSet) == 0 {
		return nil
	}
	s.frags[name] = &cp
	return &cp
}

func (s *stripper) strip(set language.SelectionSet) language.SelectionSet {
	var out language.SelectionSet
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if sel.Directives.ForName("client") != nil {
				continue
			}
			cp := *sel
			if len(sel.SelectionSet) > 0 {
				cp.SelectionSet = s.strip(sel.SelectionSet)
				if len(cp.SelectionSet) == 0 {
					continue
				}
			}
			out = append(out, &cp)
		case *language.InlineFragment:
			if sel.Directives.ForName("client") != nil {
				continue
			}
			cp := *sel
			cp.SelectionSet = s.strip(sel.SelectionSet)
			if len(cp.SelectionSet) == 0 {
				continue
			}
			out = append(out, &cp)
		case *language.FragmentSpread:
			if sel.Directives.ForName("client") != nil {
				continue
			}
			if s.fragment(sel.Name) == nil {
				continue
			}
			out = append(out, sel)
		}
	}
	return out
}

func (s *stripper) spreads(set language.SelectionSet, used map[string]bool) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			s.spreads(sel.SelectionSet, used)
		case *language.InlineFragment:
			s.spreads(sel.SelectionSet, used)
		case *language.FragmentSpread:
			if used[sel.Name] {
				continue
			}
			used[sel.Name] = true
			if f := s.frags[sel.Name]; f != nil {
				s.spreads(f.SelectionSet, used)
			}
		}
	}
}
