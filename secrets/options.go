package secrets

import (
	"fmt"
	"strconv"
)

// ConfigString reads a string option from descriptor config. Numbers and
// booleans are formatted; a missing key yields def.
func ConfigString(config map[string]any, key, def string) string {
	v, ok := config[key]
	if !ok || v == nil {
		return def
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return def
		}
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// ConfigBool reads a boolean option, accepting true/false or their string
// forms.
func ConfigBool(config map[string]any, key string, def bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return def, fmt.Errorf("option %s: %w", key, err)
		}
		return b, nil
	default:
		return def, fmt.Errorf("option %s: expected a boolean, got %T", key, v)
	}
}
