package codec

import (
	"encoding/json"
)

// JSONCodec serializes messages with encoding/json.
// Pros: human-readable, cross-language, easy to debug on the wire.
// Cons: all numbers decode as float64 and byte blobs degrade to base64
// strings, so it is not lossless for the full wire-value domain. Use it for
// debugging sessions where both sides stick to JSON-safe values.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
