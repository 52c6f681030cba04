// Package jsonutil decodes the loosely typed JSON that language models return.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringValue converts a json.RawMessage to a string, handling cases where
// LLMs return numbers or booleans instead of strings. Returns empty string for null/empty.
func FlexibleStringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	// Try string first
	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return strVal
	}

	// Try number
	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		if numVal == float64(int64(numVal)) {
			return fmt.Sprintf("%d", int64(numVal))
		}
		return fmt.Sprintf("%g", numVal)
	}

	// Try boolean
	var boolVal bool
	if err := json.Unmarshal(raw, &boolVal); err == nil {
		return fmt.Sprintf("%t", boolVal)
	}

	// Fallback: return raw string representation
	return string(raw)
}

// String is a string field that also accepts JSON numbers and booleans,
// e.g. a timeline date answered as 2023.
type String string

// UnmarshalJSON implements json.Unmarshaler.
func (s *String) UnmarshalJSON(data []byte) error {
	*s = String(FlexibleStringValue(data))
	return nil
}

// StringList is a list field that also accepts a single scalar in place of
// the array. Elements are decoded with FlexibleStringValue.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		if _, isObject := asObject(data); isObject {
			return fmt.Errorf("expected list of strings, got object")
		}
		if v := FlexibleStringValue(data); v != "" {
			*l = StringList{v}
		} else {
			*l = nil
		}
		return nil
	}

	out := make(StringList, 0, len(items))
	for _, item := range items {
		if v := FlexibleStringValue(item); v != "" {
			out = append(out, v)
		}
	}
	*l = out
	return nil
}

func asObject(data []byte) (map[string]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}
