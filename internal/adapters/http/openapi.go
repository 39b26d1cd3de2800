package http

import (
	_ "embed"
	"encoding/json"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIJSON     []byte
	openAPIJSONOnce sync.Once
	openAPIJSONErr  error
)

// getOpenAPIJSON returns the API description as JSON, converted once.
func getOpenAPIJSON() ([]byte, error) {
	openAPIJSONOnce.Do(func() {
		var doc map[string]interface{}
		if openAPIJSONErr = yaml.Unmarshal(openAPIYAML, &doc); openAPIJSONErr != nil {
			return
		}
		openAPIJSON, openAPIJSONErr = json.MarshalIndent(jsonCompatible(doc), "", "  ")
	})
	return openAPIJSON, openAPIJSONErr
}

// jsonCompatible rewrites nested YAML maps with non-string keys, such as
// HTTP status codes, into string-keyed maps.
func jsonCompatible(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		for k, child := range x {
			x[k] = jsonCompatible(child)
		}
		return x
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, child := range x {
			out[fmtKey(k)] = jsonCompatible(child)
		}
		return out
	case []interface{}:
		for i, child := range x {
			x[i] = jsonCompatible(child)
		}
		return x
	default:
		return v
	}
}

func fmtKey(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	b, _ := json.Marshal(k)
	return string(b)
}
