// Package scenario loads and replays scripted cache sessions: canned remote
// responses plus a sequence of cache operations with optional expectations.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hanpama/gqlcache/internal/cache"
	language "github.com/hanpama/gqlcache/internal/language"
	"github.com/hanpama/gqlcache/internal/link"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Scenario is the decoded form of a scenario file.
type Scenario struct {
	Name string `yaml:"name"`
	// Schema is optional SDL used only to derive possible types.
	Schema       string                `yaml:"schema"`
	TypePolicies map[string]TypePolicy `yaml:"typePolicies" validate:"dive"`
	// Documents maps a name to the source parts of one GraphQL document.
	// Parts are concatenated, so shared fragments can be reused via YAML
	// anchors.
	Documents map[string][]string   `yaml:"documents" validate:"required,min=1,dive,min=1"`
	Responses map[string][]Response `yaml:"responses" validate:"dive,min=1,dive"`
	Steps     []Step                `yaml:"steps" validate:"required,min=1,dive"`
}

type TypePolicy struct {
	KeyFields []string               `yaml:"keyFields"`
	Embedded  bool                   `yaml:"embedded"`
	Fields    map[string]FieldPolicy `yaml:"fields" validate:"dive"`
}

type FieldPolicy struct {
	// KeyArgs follows cache.FieldPolicy: absent means all arguments, an
	// empty list means none.
	KeyArgs         []string         `yaml:"keyArgs"`
	ReadAsReference *ReadAsReference `yaml:"readAsReference"`
	// Merge names a built-in merge function.
	Merge        string `yaml:"merge" validate:"omitempty,oneof=append replace"`
	MergeObjects bool   `yaml:"mergeObjects"`
}

type ReadAsReference struct {
	Typename string `yaml:"typename" validate:"required"`
	Arg      string `yaml:"arg" validate:"required"`
}

// Response is one canned remote response.
type Response struct {
	Data   map[string]any `yaml:"data"`
	Errors []struct {
		Message string `yaml:"message" validate:"required"`
		Path    []any  `yaml:"path"`
	} `yaml:"errors" validate:"dive"`
}

// Step is one cache operation.
type Step struct {
	Action      string         `yaml:"action" validate:"required,oneof=query mutate readQuery readFragment writeQuery writeFragment writeData evict gc retain release watch unwatch refresh reset"`
	Message     string         `yaml:"message"`
	Document    string         `yaml:"document"`
	Operation   string         `yaml:"operation"`
	Fragment    string         `yaml:"fragment"`
	FetchPolicy string         `yaml:"fetchPolicy" validate:"omitempty,oneof=cache-first cache-only network-only no-cache"`
	Variables   map[string]any `yaml:"variables"`
	ID          string         `yaml:"id"`
	Field       string         `yaml:"field"`
	Args        map[string]any `yaml:"args"`
	Data        map[string]any `yaml:"data"`
	NoBroadcast bool           `yaml:"noBroadcast"`
	// Watch names a subscription for watch, unwatch and refresh.
	Watch  string  `yaml:"watch"`
	Expect *Expect `yaml:"expect"`
}

// Expect holds assertions checked after a step. Unset fields are not
// checked.
type Expect struct {
	Error     string         `yaml:"error"`
	Complete  *bool          `yaml:"complete"`
	FromCache *bool          `yaml:"fromCache"`
	Data      map[string]any `yaml:"data"`
	Missing   []string       `yaml:"missing"`
	Removed   *bool          `yaml:"removed"`
	Collected []string       `yaml:"collected"`
	// Deliveries maps a watch name to the number of results it received
	// during the step.
	Deliveries map[string]int `yaml:"deliveries"`
}

var documentActions = map[string]bool{
	"query": true, "mutate": true, "readQuery": true, "readFragment": true,
	"writeQuery": true, "writeFragment": true, "watch": true,
}

var watchActions = map[string]bool{"watch": true, "unwatch": true, "refresh": true}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates scenario YAML.
func Parse(b []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks field constraints and cross references between steps and
// documents.
func (sc *Scenario) Validate() error {
	if err := newValidator().Struct(sc); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}
	var errs []error
	for i, st := range sc.Steps {
		if watchActions[st.Action] && st.Watch == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): watch is required", i, st.Action))
		}
		if !documentActions[st.Action] {
			continue
		}
		if st.Document == "" {
			errs = append(errs, fmt.Errorf("step %d (%s): document is required", i, st.Action))
			continue
		}
		if _, ok := sc.Documents[st.Document]; !ok {
			errs = append(errs, fmt.Errorf("step %d (%s): unknown document %q", i, st.Action, st.Document))
		}
	}
	return multierr.Combine(errs...)
}

// parseDocuments parses every document of the scenario.
func (sc *Scenario) parseDocuments() (map[string]*language.QueryDocument, error) {
	out := make(map[string]*language.QueryDocument, len(sc.Documents))
	for name, parts := range sc.Documents {
		doc, err := language.ParseQuery(parts...)
		if err != nil {
			return nil, fmt.Errorf("document %q: %w", name, err)
		}
		out[name] = doc
	}
	return out, nil
}

// CacheOptions translates the scenario's policies into cache options.
func (sc *Scenario) CacheOptions() ([]cache.Option, error) {
	policies := make(cache.TypePolicies, len(sc.TypePolicies))
	for typename, tp := range sc.TypePolicies {
		out := cache.TypePolicy{KeyFields: tp.KeyFields, Embedded: tp.Embedded}
		if len(tp.Fields) > 0 {
			out.Fields = make(map[string]cache.FieldPolicy, len(tp.Fields))
		}
		for field, fp := range tp.Fields {
			cfp := cache.FieldPolicy{KeyArgs: fp.KeyArgs, MergeObjects: fp.MergeObjects}
			if fp.ReadAsReference != nil {
				cfp.Read = cache.ReadAsReference(fp.ReadAsReference.Typename, fp.ReadAsReference.Arg)
			}
			if fp.Merge == "append" {
				cfp.Merge = appendMerge
			}
			out.Fields[field] = cfp
		}
		policies[typename] = out
	}
	opts := []cache.Option{cache.WithTypePolicies(policies)}
	if sc.Schema != "" {
		possible, err := cache.PossibleTypesFromSDL(sc.Schema)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cache.WithPossibleTypes(possible))
	}
	return opts, nil
}

func appendMerge(existing, incoming any, _ cache.FieldOptions) any {
	prev, _ := existing.([]any)
	next, ok := incoming.([]any)
	if !ok {
		return incoming
	}
	return append(append([]any(nil), prev...), next...)
}

// Link builds a static remote executor serving the canned responses.
func (sc *Scenario) Link() *link.Static {
	l := link.NewStatic(nil)
	for op, responses := range sc.Responses {
		for _, r := range responses {
			resp := &link.Response{Data: r.Data}
			for _, e := range r.Errors {
				resp.Errors = append(resp.Errors, link.GraphQLError{Message: e.Message, Path: e.Path})
			}
			l.Append(op, resp)
		}
	}
	return l
}
