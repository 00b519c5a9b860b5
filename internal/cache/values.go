package cache

import (
	"fmt"
	"strconv"
	"strings"

	language "github.com/hanpama/gqlcache/internal/language"
)

// coerceVariableValues applies operation defaults to the caller's variables
// and rejects missing required ones. The cache has no schema, so values are
// taken as given.
func coerceVariableValues(operation *language.OperationDefinition, variableValues map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(variableValues))
	for k, v := range variableValues {
		coerced[strings.TrimPrefix(k, "$")] = v
	}
	if operation == nil {
		return coerced, nil
	}
	for _, varDef := range operation.VariableDefinitions {
		name := varDef.Variable
		val, ok := coerced[name]
		if !ok {
			if varDef.DefaultValue != nil {
				coerced[name] = astValueToGo(varDef.DefaultValue, coerced)
				continue
			}
			if varDef.Type != nil && varDef.Type.NonNull {
				return nil, fmt.Errorf("variable $%s of required type %s was not provided", name, varDef.Type.String())
			}
			continue
		}
		if val == nil && varDef.Type != nil && varDef.Type.NonNull {
			return nil, fmt.Errorf("variable $%s of type %s cannot be null", name, varDef.Type.String())
		}
	}
	return coerced, nil
}

// argumentValues evaluates a field's arguments. Arguments bound to an
// unprovided variable are left out, matching how servers treat them.
func argumentValues(arguments language.ArgumentList, variableValues map[string]any) map[string]any {
	if len(arguments) == 0 {
		return nil
	}
	out := make(map[string]any, len(arguments))
	for _, arg := range arguments {
		if arg.Value != nil && arg.Value.Kind == language.Variable {
			v, ok := variableValues[arg.Value.Raw]
			if !ok {
				continue
			}
			out[arg.Name] = v
			continue
		}
		out[arg.Name] = astValueToGo(arg.Value, variableValues)
	}
	return out
}

// astValueToGo converts an AST value to a Go value, substituting variables.
func astValueToGo(value *language.Value, variableValues map[string]any) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case language.Variable:
		return variableValues[value.Raw]
	case language.IntValue:
		iv, _ := strconv.Atoi(value.Raw)
		return iv
	case language.FloatValue:
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv
	case language.StringValue, language.BlockValue, language.EnumValue:
		return value.Raw
	case language.BooleanValue:
		return value.Raw == "true"
	case language.NullValue:
		return nil
	case language.ListValue:
		out := make([]any, len(value.Children))
		for i, c := range value.Children {
			out[i] = astValueToGo(c.Value, variableValues)
		}
		return out
	case language.ObjectValue:
		m := make(map[string]any, len(value.Children))
		for _, f := range value.Children {
			m[f.Name] = astValueToGo(f.Value, variableValues)
		}
		return m
	default:
		return nil
	}
}

// shouldInclude evaluates @skip and @include.
func shouldInclude(directives language.DirectiveList, variableValues map[string]any) bool {
	if skip := directives.ForName("skip"); skip != nil {
		if arg := skip.Arguments.ForName("if"); arg != nil {
			if b, ok := astValueToGo(arg.Value, variableValues).(bool); ok && b {
				return false
			}
		}
	}
	if include := directives.ForName("include"); include != nil {
		if arg := include.Arguments.ForName("if"); arg != nil {
			if b, ok := astValueToGo(arg.Value, variableValues).(bool); ok && !b {
				return false
			}
		}
	}
	return true
}
