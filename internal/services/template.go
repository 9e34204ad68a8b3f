package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// RenderTemplate replaces {{path}} placeholders with values from vars.
// Unresolved placeholders are left untouched.
func RenderTemplate(s string, vars map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := lookupPath(vars, path)
		if !ok {
			return m
		}
		switch t := v.(type) {
		case string:
			return t
		case map[string]interface{}, []interface{}:
			b, err := json.Marshal(t)
			if err != nil {
				return m
			}
			return string(b)
		default:
			return fmt.Sprintf("%v", t)
		}
	})
}

// RenderParams renders every string value in params, recursing into nested
// maps and slices. The input map is not modified.
func RenderParams(params map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = renderValue(v, vars)
	}
	return out
}

func renderValue(v interface{}, vars map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return RenderTemplate(t, vars)
	case map[string]interface{}:
		return RenderParams(t, vars)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = renderValue(item, vars)
		}
		return out
	default:
		return v
	}
}
