package backend

import (
	"regexp"
	"strings"
)

var dollarTag = regexp.MustCompile(`^\$[A-Za-z_]*\$`)

// hasStackedStatements reports whether q carries anything after its first
// statement terminator. Semicolons inside quoted strings, identifiers,
// comments and dollar-quoted bodies do not count.
func hasStackedStatements(q string) bool {
	for i := 0; i < len(q); i++ {
		switch c := q[i]; {
		case c == '\'' || c == '"' || c == '`':
			j := strings.IndexByte(q[i+1:], c)
			if j < 0 {
				return false
			}
			i += j + 1
		case c == '-' && strings.HasPrefix(q[i:], "--"):
			j := strings.IndexByte(q[i:], '\n')
			if j < 0 {
				return false
			}
			i += j
		case c == '/' && strings.HasPrefix(q[i:], "/*"):
			j := strings.Index(q[i+2:], "*/")
			if j < 0 {
				return false
			}
			i += j + 3
		case c == '$':
			tag := dollarTag.FindString(q[i:])
			if tag == "" {
				continue
			}
			j := strings.Index(q[i+len(tag):], tag)
			if j < 0 {
				return false
			}
			i += len(tag) + j + len(tag) - 1
		case c == ';':
			return strings.TrimSpace(q[i+1:]) != ""
		}
	}
	return false
}

var pragmaStatement = regexp.MustCompile(`(?is)^\s*pragma\s+(?:[a-z_][a-z0-9_]*\.)?([a-z_][a-z0-9_]*)\s*(\(.*\))?\s*;?\s*$`)

// Pragmas that take an argument but only report schema information.
var introspectionPragmas = map[string]bool{
	"table_info":       true,
	"table_xinfo":      true,
	"table_list":       true,
	"index_list":       true,
	"index_info":       true,
	"index_xinfo":      true,
	"foreign_key_list": true,
}

// isReadPragma accepts "PRAGMA name" queries and the argument forms of the
// schema introspection pragmas. Assignments never pass.
func isReadPragma(q string) bool {
	m := pragmaStatement.FindStringSubmatch(q)
	if m == nil {
		return false
	}
	if m[2] == "" {
		return true
	}
	return introspectionPragmas[strings.ToLower(m[1])]
}
