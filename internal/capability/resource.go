package capability

import (
	"encoding/json"
	"strings"
)

// resourceArgKeys are the argument fields conventionally carrying a
// resource identifier, checked in this order.
var resourceArgKeys = []string{
	"path",
	"file_path",
	"filepath",
	"file",
	"target",
	"resource",
	"resource_id",
	"url",
}

// ResourceRefs extracts resource identifiers from an argument blob.
// Unparseable or non-object args yield nil; callers that need a safety
// verdict must treat nil refs on a mutating invocation as a conflict.
func ResourceRefs(args json.RawMessage) []string {
	raw := strings.TrimSpace(string(args))
	if raw == "" || raw == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	var refs []string
	seen := make(map[string]struct{}, 2)
	for _, key := range resourceArgKeys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		refs = append(refs, s)
	}
	return refs
}
