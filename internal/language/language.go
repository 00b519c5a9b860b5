package language

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseQuery parses an executable document (operations and fragments).
// Multiple sources are concatenated so fragments can live apart from the
// operations that spread them.
func ParseQuery(sources ...string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: strings.Join(sources, "\n")})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// MustParseQuery is like ParseQuery but panics on syntax errors. Intended for
// package-level document variables.
func MustParseQuery(sources ...string) *QueryDocument {
	doc, err := ParseQuery(sources...)
	if err != nil {
		panic(err)
	}
	return doc
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Print renders doc back to GraphQL source.
func Print(doc *QueryDocument) string {
	var sb strings.Builder
	formatter.NewFormatter(&sb, formatter.WithIndent("  ")).FormatQueryDocument(doc)
	return sb.String()
}
