package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
)

// Value is a payload received over a channel together with the codec
// needed to decode it.
type Value struct {
	codec Codec
	raw   Raw
}

// NewValue wraps an encoded payload.
func NewValue(codec Codec, raw Raw) Value {
	return Value{codec: codec, raw: raw}
}

// Encode encodes v with codec.
func Encode(codec Codec, v any) (Value, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode payload: %w", err)
	}
	return Value{codec: codec, raw: data}, nil
}

// Raw returns the encoded payload.
func (v Value) Raw() Raw {
	return v.raw
}

// Codec returns the codec the payload was encoded with.
func (v Value) Codec() Codec {
	return v.codec
}

// IsZero reports whether the value carries no payload.
func (v Value) IsZero() bool {
	return len(v.raw) == 0
}

// Decode decodes the payload into out. An empty payload leaves out untouched.
func (v Value) Decode(out any) error {
	if len(v.raw) == 0 {
		return nil
	}
	if v.codec == nil {
		return fmt.Errorf("%w: value has no codec", perr.ErrInvalidParams)
	}
	if err := v.codec.Unmarshal(v.raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Any decodes the payload into a generic value. JSON integers decode as
// int64 rather than float64 so they survive a later CBOR encode.
func (v Value) Any() (any, error) {
	if len(v.raw) == 0 {
		return nil, nil
	}
	if v.codec == nil || v.codec.Name() != JSON.Name() {
		var out any
		err := v.Decode(&out)
		return out, err
	}

	dec := json.NewDecoder(bytes.NewReader(v.raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return normalizeNumbers(out), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// Transcode returns the payload encoded with codec, re-encoding only when
// the codecs differ.
func (v Value) Transcode(codec Codec) (Raw, error) {
	if len(v.raw) == 0 || v.codec == nil || v.codec.Name() == codec.Name() {
		return v.raw, nil
	}
	generic, err := v.Any()
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("transcode payload: %w", err)
	}
	return data, nil
}

// EncodeAny encodes v with codec. A Value or *Value is passed through,
// re-encoded when it came from another codec. nil encodes to an empty payload.
func EncodeAny(codec Codec, v any) (Raw, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Value:
		return t.Transcode(codec)
	case *Value:
		if t == nil {
			return nil, nil
		}
		return t.Transcode(codec)
	default:
		data, err := codec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// Params is the positional argument list of a request.
type Params struct {
	codec Codec
	raw   []Raw
}

// NewParams wraps encoded parameters.
func NewParams(codec Codec, raw []Raw) Params {
	return Params{codec: codec, raw: raw}
}

// EncodeParams encodes each value with codec. A Value argument is passed
// through like in EncodeAny, so a relay can forward what it received.
func EncodeParams(codec Codec, values ...any) ([]Raw, error) {
	if len(values) == 0 {
		return nil, nil
	}
	raw := make([]Raw, len(values))
	for i, v := range values {
		var (
			data []byte
			err  error
		)
		switch v.(type) {
		case Value, *Value:
			data, err = EncodeAny(codec, v)
		default:
			data, err = codec.Marshal(v)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: encode param %d: %v", perr.ErrInvalidParams, i, err)
		}
		raw[i] = data
	}
	return raw, nil
}

// Len returns the number of parameters.
func (p Params) Len() int {
	return len(p.raw)
}

// Raw returns the encoded parameters.
func (p Params) Raw() []Raw {
	return p.raw
}

// At returns parameter i, or a zero Value when out of range.
func (p Params) At(i int) Value {
	if i < 0 || i >= len(p.raw) {
		return Value{codec: p.codec}
	}
	return Value{codec: p.codec, raw: p.raw[i]}
}

// Decode decodes parameter i into out.
func (p Params) Decode(i int, out any) error {
	if i < 0 || i >= len(p.raw) {
		return fmt.Errorf("%w: param %d requested, %d given", perr.ErrInvalidParams, i, len(p.raw))
	}
	return p.At(i).Decode(out)
}

// Transcode returns the parameters encoded with codec.
func (p Params) Transcode(codec Codec) ([]Raw, error) {
	if p.codec == nil || p.codec.Name() == codec.Name() {
		return p.raw, nil
	}
	out := make([]Raw, len(p.raw))
	for i := range p.raw {
		data, err := p.At(i).Transcode(codec)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}
