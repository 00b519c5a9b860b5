package cache

import (
	"fmt"
	"sort"

	language "github.com/hanpama/gqlcache/internal/language"
)

// PossibleTypesFromSDL derives the possible-types map (abstract type to
// member types) from schema source. Unions contribute their members;
// objects and interfaces contribute to every interface they implement.
// Extensions are honored.
func PossibleTypesFromSDL(sdl string) (map[string][]string, error) {
	doc, err := language.ParseSchema("schema.graphql", sdl)
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	sets := make(map[string]map[string]struct{})
	add := func(super, sub string) {
		if sets[super] == nil {
			sets[super] = make(map[string]struct{})
		}
		sets[super][sub] = struct{}{}
	}
	defs := append(append(language.DefinitionList{}, doc.Definitions...), doc.Extensions...)
	for _, def := range defs {
		switch def.Kind {
		case language.Object, language.Interface:
			for _, iface := range def.Interfaces {
				add(iface, def.Name)
			}
		case language.Union:
			for _, member := range def.Types {
				add(def.Name, member)
			}
		}
	}
	out := make(map[string][]string, len(sets))
	for super, subs := range sets {
		list := make([]string, 0, len(subs))
		for sub := range subs {
			list = append(list, sub)
		}
		sort.Strings(list)
		out[super] = list
	}
	return out, nil
}
