package bindings

import (
	"fmt"
)

// paramSpec maps positional script arguments onto an operation's named parameters.
type paramSpec struct {
	primary    string   // Key for a single non-object argument.
	positional []string // Keys for multiple positional arguments, in order.
	arrayKey   string   // Key a bare array argument is wrapped under.
}

// paramTable holds the calling conventions per operation name. Operations not
// listed fall back to the order of their schema's "required" list.
var paramTable = map[string]paramSpec{
	"db_core_read_query":     {primary: "query", positional: []string{"query", "params"}},
	"db_core_write_query":    {primary: "query", positional: []string{"query", "params"}},
	"db_core_describe_table": {primary: "table", positional: []string{"table"}},
	"db_core_list_tables":    {},

	"db_transaction_begin":    {primary: "label"},
	"db_transaction_commit":   {primary: "transactionId"},
	"db_transaction_rollback": {primary: "transactionId"},
	"db_transaction_query":    {primary: "transactionId", positional: []string{"transactionId", "query", "params"}},
	"db_transaction_execute":  {primary: "statements", positional: []string{"statements"}, arrayKey: "statements"},
	"db_transaction_list":     {},

	"db_json_extract": {primary: "json", positional: []string{"json", "path"}},

	"db_schema_list_indexes": {primary: "table", positional: []string{"table"}},

	"dbshell_server_info": {},
}

func specFor(d OperationDescriptor) paramSpec {
	if s, ok := paramTable[d.Name]; ok {
		return s
	}
	req := requiredKeys(d.ParameterSchema)
	s := paramSpec{positional: req}
	if len(req) > 0 {
		s.primary = req[0]
	}
	return s
}

// normalizeParams turns script call arguments into a parameter object:
// a single object passes through, a single array is wrapped under the
// operation's array key, a single other value goes under the primary key,
// and several values map onto the positional key list.
func normalizeParams(d OperationDescriptor, args []any) (map[string]any, error) {
	spec := specFor(d)

	// Trailing undefined arguments are dropped so f(a, undefined) behaves like f(a).
	for len(args) > 0 && args[len(args)-1] == nil {
		args = args[:len(args)-1]
	}

	var params map[string]any
	switch {
	case len(args) == 0:
		params = map[string]any{}
	case len(args) == 1:
		switch v := args[0].(type) {
		case map[string]any:
			params = v
		case []any:
			key := spec.arrayKey
			if key == "" {
				key = spec.primary
			}
			if key == "" {
				return nil, fmt.Errorf("%w: %s takes an object argument", ErrBadArguments, d.Name)
			}
			params = map[string]any{key: v}
		default:
			if spec.primary == "" {
				return nil, fmt.Errorf("%w: %s takes an object argument", ErrBadArguments, d.Name)
			}
			params = map[string]any{spec.primary: v}
		}
	default:
		if len(args) > len(spec.positional) {
			return nil, fmt.Errorf("%w: %s accepts at most %d positional arguments, got %d",
				ErrBadArguments, d.Name, len(spec.positional), len(args))
		}
		params = make(map[string]any, len(args))
		for i, v := range args {
			if v != nil {
				params[spec.positional[i]] = v
			}
		}
	}

	for _, key := range requiredKeys(d.ParameterSchema) {
		if _, ok := params[key]; !ok {
			return nil, fmt.Errorf("%w: %s requires %q", ErrMissingParam, d.Name, key)
		}
	}
	return params, nil
}

// requiredKeys reads the "required" list of a JSON Schema object.
func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		keys := make([]string, 0, len(req))
		for _, k := range req {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}
