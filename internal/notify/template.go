package notify

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Render substitutes {{path.to.field}} placeholders against the given
// context. Paths descend into nested maps; unresolved placeholders are left
// verbatim.
func Render(template string, context map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := lookup(context, strings.Split(path, "."))
		if !ok {
			return match
		}
		return fmt.Sprint(value)
	})
}

func lookup(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	nested, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookup(nested, path[1:])
}
