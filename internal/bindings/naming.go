package bindings

import (
	"fmt"
	"strings"
)

// UniversalPrefix is carried by every backend operation name except groups
// with their own external prefix.
const UniversalPrefix = "db_"

// groupPolicy says how operation names in one group become method names.
type groupPolicy struct {
	strip    string            // Prefix removed from the operation name before camel-casing.
	aliases  map[string]string // alias -> canonical method name
	excluded bool              // Never bound (the group that runs scripts must not be reachable from one).
}

// policies is the enumerated naming table. Scripts depend on these exact
// names; groups missing from the table only lose the universal prefix.
var policies = map[string]groupPolicy{
	"core": {
		strip: UniversalPrefix + "core_",
	},
	"transactions": {
		strip: UniversalPrefix,
		aliases: map[string]string{
			"begin":    "transactionBegin",
			"commit":   "transactionCommit",
			"rollback": "transactionRollback",
			"execute":  "transactionExecute",
			"query":    "transactionQuery",
			"list":     "transactionList",
		},
	},
	"json": {
		strip: UniversalPrefix + "json_",
		aliases: map[string]string{
			"jsonExtract": "extract",
		},
	},
	"schema": {
		strip: UniversalPrefix + "schema_",
	},
	"shell": {
		strip: "dbshell_",
	},
	"codemode": {
		excluded: true,
	},
}

func policyFor(group string) groupPolicy {
	if p, ok := policies[group]; ok {
		return p
	}
	return groupPolicy{strip: UniversalPrefix}
}

// MethodName derives the script-visible method name for an operation.
// It fails when the operation name does not carry its group's prefix.
func MethodName(group, operation string) (string, error) {
	p := policyFor(group)
	rest, ok := strings.CutPrefix(operation, p.strip)
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q in group %q does not start with %q", ErrMalformedEntry, operation, group, p.strip)
	}
	return camelCase(rest), nil
}

// camelCase converts snake_case to lowerCamelCase.
func camelCase(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(strings.ToLower(p))
			first = false
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(strings.ToLower(p[1:]))
	}
	return b.String()
}
