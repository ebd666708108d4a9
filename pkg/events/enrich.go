package events

import "strings"

// Path keys enriched during relay. Provider payloads use both camelCase and
// snake_case shapes depending on the backend.
var pathKeys = map[string]string{
	"filePath":  "relativePath",
	"file_path": "relative_path",
}

// EnrichRelativePaths walks the payload and, for every absolute path found
// under a known file-path key inside the workspace root, adds the companion
// repo-relative key. Downstream UIs never see the container's absolute
// paths. The input map is mutated and returned.
func EnrichRelativePaths(fields map[string]any, workspaceRoot string) map[string]any {
	if fields == nil || workspaceRoot == "" {
		return fields
	}
	root := strings.TrimSuffix(workspaceRoot, "/")
	enrichValue(fields, root)
	return fields
}

func enrichValue(v any, root string) {
	switch val := v.(type) {
	case map[string]any:
		for key, rel := range pathKeys {
			if raw, ok := val[key]; ok {
				if path, ok := raw.(string); ok && strings.HasPrefix(path, root) {
					val[rel] = strings.TrimPrefix(path, root)
				}
			}
		}
		for _, nested := range val {
			enrichValue(nested, root)
		}
	case []any:
		for _, item := range val {
			enrichValue(item, root)
		}
	}
}
