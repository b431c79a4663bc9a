package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes envelopes and payload values. Both peers of a channel
// must use the same codec.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Built-in codecs.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecByName resolves "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode options: %v", err))
	}
	// Decode maps into map[string]any so payloads decoded into `any`
	// look the same as with the JSON codec.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                         { return "cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// Raw is a payload already encoded with the channel codec. It is embedded
// verbatim in the surrounding envelope for both JSON and CBOR.
type Raw []byte

// cborNull is the CBOR encoding of null.
var cborNull = []byte{0xf6}

// MarshalJSON returns r as-is.
func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of data.
func (r *Raw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// MarshalCBOR returns r as-is.
func (r Raw) MarshalCBOR() ([]byte, error) {
	if len(r) == 0 {
		return cborNull, nil
	}
	return r, nil
}

// UnmarshalCBOR stores a copy of data.
func (r *Raw) UnmarshalCBOR(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
