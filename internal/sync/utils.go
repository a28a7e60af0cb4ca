package sync

import (
	"strings"

	"github.com/spf13/cast"
)

func getNestedHelper(
	path []string,
	m map[string]interface{},
	index int,
) (interface{}, bool) {
	if index >= len(path) {
		return nil, false
	}

	v, ok := m[path[index]]
	if !ok {
		return nil, false
	}

	if index+1 == len(path) {
		return v, true
	}

	switch u := v.(type) {
	case map[string]interface{}:
		return getNestedHelper(path, u, index+1)
	default:
		return nil, false
	}
}

// getNestedKeyValue reads a dotted path like "merges.FNAME" as a string.
// Missing keys and non scalar values read as "".
func getNestedKeyValue(path string, m map[string]interface{}) string {
	v, ok := getNestedHelper(strings.Split(path, "."), m, 0)
	if !ok {
		return ""
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func stringSliceContains(slice []string, s string) bool {
	for _, v := range slice {
		if s == v {
			return true
		}
	}

	return false
}
