package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/jkaninda/codegate/internal/domain"
)

// rule is one denylisted construct.
type rule struct {
	pattern *regexp.Regexp
	message string
}

// denylist is checked in order; every matching rule contributes one error.
var denylist = []rule{
	// Module loading.
	{regexp.MustCompile(`\brequire\s*\(`), "require() is not allowed"},
	{regexp.MustCompile(`\bimport\s*\(`), "dynamic import() is not allowed"},
	{regexp.MustCompile(`(?m)^\s*import\s+[\w{*'"]`), "import statements are not allowed"},

	// Host globals.
	{regexp.MustCompile(`\bprocess\s*[.\[]`), "access to process is not allowed"},
	{regexp.MustCompile(`\bglobalThis\b`), "access to globalThis is not allowed"},
	{regexp.MustCompile(`\bglobal\s*[.\[]`), "access to global is not allowed"},

	// Dynamic code.
	{regexp.MustCompile(`\beval\s*\(`), "eval() is not allowed"},
	{regexp.MustCompile(`\bFunction\s*\(`), "Function constructor is not allowed"},
	{regexp.MustCompile(`\b(setTimeout|setInterval)\s*\(\s*['"` + "`" + `]`), "string-evaluated timers are not allowed"},

	// Prototype chain escapes.
	{regexp.MustCompile(`__proto__`), "__proto__ access is not allowed"},
	{regexp.MustCompile(`\bconstructor\s*\.\s*constructor\b`), "constructor.constructor access is not allowed"},
	{regexp.MustCompile(`\[\s*['"` + "`" + `]constructor['"` + "`" + `]\s*\]`), "bracket access to constructor is not allowed"},
	{regexp.MustCompile(`\bReflect\s*\.\s*construct\b`), "Reflect.construct is not allowed"},
	{regexp.MustCompile(`\bObject\s*\.\s*setPrototypeOf\b`), "Object.setPrototypeOf is not allowed"},

	// Filesystem and process spawning.
	{regexp.MustCompile(`\bchild_process\b`), "child_process is not allowed"},
	{regexp.MustCompile(`['"` + "`" + `](node:)?fs(/promises)?['"` + "`" + `]`), "filesystem module is not allowed"},
	{regexp.MustCompile(`\bfs\s*\.\s*\w+`), "filesystem access is not allowed"},
	{regexp.MustCompile(`\b(spawn|spawnSync|execSync|execFile|execFileSync|fork)\s*\(`), "process spawning is not allowed"},

	// Network.
	{regexp.MustCompile(`\bfetch\s*\(`), "fetch() is not allowed"},
	{regexp.MustCompile(`\bXMLHttpRequest\b`), "XMLHttpRequest is not allowed"},
	{regexp.MustCompile(`\bWebSocket\b`), "WebSocket is not allowed"},
	{regexp.MustCompile(`\b(http|https|net|dgram|tls)\s*\.\s*(request|get|connect|createServer|createConnection)\b`), "network access is not allowed"},
}

// ValidateCode screens code against the length limit and the denylist.
// All violations are reported, in rule order.
func (m *Manager) ValidateCode(code string) domain.ValidationResult {
	errs := make([]string, 0)

	switch {
	case code == "":
		errs = append(errs, "Code cannot be empty")
	case !utf8.ValidString(code):
		errs = append(errs, "Code must be valid UTF-8 text")
	case utf8.RuneCountInString(code) > m.cfg.MaxCodeLength:
		errs = append(errs, fmt.Sprintf("Code exceeds maximum length of %d characters", m.cfg.MaxCodeLength))
	}
	if len(errs) > 0 {
		return domain.ValidationResult{Valid: false, Errors: errs}
	}

	for _, r := range denylist {
		if r.pattern.MatchString(code) {
			errs = append(errs, "Dangerous pattern detected: "+r.message)
		}
	}
	return domain.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
