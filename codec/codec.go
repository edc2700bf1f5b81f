// Package codec provides the structured-value serializers used for frame
// payloads.
//
// A codec turns one message — an arbitrary tree of nil, bool, int64, float64,
// string, []byte, []any and map[string]any — into bytes and back. Both peers
// must agree on the codec in use; the protocol itself does not care which.
// CBOR is the default: binary, self-delimiting, and lossless for every wire
// type. JSON is kept for debugging and cross-language interop.
package codec

type CodecType byte

const (
	CodecTypeCBOR CodecType = 0
	CodecTypeJSON CodecType = 1
)

// Codec serializes and deserializes one message payload.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
	Type() CodecType // 0=CBOR, 1=JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &CBORCodec{}
}
