package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ohler55/ojg/jp"

	"github.com/jkaninda/codegate/internal/bindings"
)

// jsonExtract evaluates a JSONPath expression such as $.items[0].name against
// a JSON document given either as text or as an already decoded value. No
// match yields nil, one match the value itself, several a list.
func jsonExtract(_ context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	doc := p["json"]
	if s, ok := doc.(string); ok {
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("%w: \"json\" is not valid JSON: %v", ErrInvalidParams, err)
		}
	}
	path, err := stringParam(p, "path")
	if err != nil {
		return nil, err
	}
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidParams, path, err)
	}

	switch found := x.Get(doc); len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return found, nil
	}
}
