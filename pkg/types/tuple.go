package types

import (
	"encoding/json"
	"fmt"
)

// marshalTuple encodes fields positionally. A single field is encoded bare.
func marshalTuple(fields ...any) ([]byte, error) {
	if len(fields) == 1 {
		return json.Marshal(fields[0])
	}
	return json.Marshal(fields)
}

// unmarshalTuple is the inverse of marshalTuple; fields must be pointers.
func unmarshalTuple(data []byte, fields ...any) error {
	if len(fields) == 1 {
		return json.Unmarshal(data, fields[0])
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != len(fields) {
		return fmt.Errorf("expected %d fields, got %d", len(fields), len(raw))
	}
	for i, f := range fields {
		if err := json.Unmarshal(raw[i], f); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
	}
	return nil
}

// tagged wraps a payload in a single-key object naming the variant.
func tagged(tag string, payload []byte) ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage{tag: payload})
}

// untag splits a single-key variant object into its tag and payload.
func untag(data []byte) (string, json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant, got %d", len(obj))
	}
	for tag, payload := range obj {
		return tag, payload, nil
	}
	return "", nil, nil
}
