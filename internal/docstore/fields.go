package docstore

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Fields holds the JSON-compatible content of a document.
type Fields map[string]any

// Clone returns a shallow copy of the fields.
func (f Fields) Clone() Fields {
	clone := make(Fields, len(f))
	for key, value := range f {
		clone[key] = value
	}
	return clone
}

// String returns the named field when it holds a string.
func (f Fields) String(name string) (string, bool) {
	value, ok := f[name].(string)
	return value, ok
}

// Bool returns the named field when it holds a boolean.
func (f Fields) Bool(name string) (bool, bool) {
	value, ok := f[name].(bool)
	return value, ok
}

// Int64 returns the named field when it holds an integral number.
func (f Fields) Int64(name string) (int64, bool) {
	switch value := f[name].(type) {
	case int:
		return int64(value), true
	case int32:
		return int64(value), true
	case int64:
		return value, true
	case float64:
		if value != math.Trunc(value) || math.IsInf(value, 0) {
			return 0, false
		}
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Time returns the named field when it holds an RFC 3339 timestamp.
func (f Fields) Time(name string) (time.Time, bool) {
	raw, ok := f.String(name)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func encodeFields(fields Fields) (string, error) {
	if fields == nil {
		fields = Fields{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeFields(raw string) (Fields, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	fields := Fields{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func mergeFields(base Fields, patch Fields) Fields {
	merged := base.Clone()
	for key, value := range patch {
		merged[key] = value
	}
	return merged
}
