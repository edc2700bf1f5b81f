package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec is the default wire serializer.
//
// Encoding uses CBOR canonical form so the same message always produces the
// same bytes. Decoding is tuned so that values come back in the protocol's
// wire-value domain without further conversion:
//   - maps decode as map[string]any (not map[any]any),
//   - unsigned integers decode as int64 when they fit.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	dec := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}
	if cborDec, err = dec.DecMode(); err != nil {
		panic(err)
	}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte) (any, error) {
	var v any
	if err := cborDec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
