package textutil

import "strings"

// NormalizeMetadata trims keys and values and drops entries whose key or value is blank.
// Keys listed in override replace whatever the input carried for them.
func NormalizeMetadata(values map[string]string, override map[string]string) map[string]string {
	result := make(map[string]string, len(values)+len(override))
	put := func(key, value string) {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return
		}
		if value == "" {
			delete(result, key)
			return
		}
		result[key] = value
	}
	for key, value := range values {
		put(key, value)
	}
	for key, value := range override {
		put(key, value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
