package codec

import (
	"encoding/json"
	"fmt"
)

// JSON encodes parameters as JSON. Useful when payloads must stay readable
// in broker tooling.
type JSON struct{}

// Encode serializes v as JSON.
func (JSON) Encode(v any) ([]byte, error) {
	if isNil(v) {
		return []byte{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}

// Decode deserializes JSON data into v.
func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}

// ContentType returns application/json.
func (JSON) ContentType() string { return ContentTypeJSON }
