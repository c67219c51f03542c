package docstore

import "strconv"

// Field coercion helpers. Document data round-trips through JSON, so a
// value written as int64 may come back as float64, and corrupted payloads
// may carry the wrong type entirely. Missing or unparsable values coerce to
// the zero value, never to NaN.

// StringField returns the string stored under key, or "".
func StringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	value, _ := data[key].(string)
	return value
}

// BoolField returns the bool stored under key, or false.
func BoolField(data map[string]any, key string) bool {
	if data == nil {
		return false
	}
	value, _ := data[key].(bool)
	return value
}

// Float64Field returns the numeric value stored under key, or 0.
func Float64Field(data map[string]any, key string) float64 {
	if data == nil {
		return 0
	}
	value, _ := toFloat64(data[key])
	return value
}

// Int64Field returns the numeric value stored under key truncated to int64, or 0.
func Int64Field(data map[string]any, key string) int64 {
	return int64(Float64Field(data, key))
}

func toFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
