package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

var (
	bytesType  = reflect.TypeFor[[]byte]()
	stringType = reflect.TypeFor[string]()
	readerType = reflect.TypeFor[io.Reader]()
)

// codec converts between a computation's result type and stored bytes.
type codec[T any] struct {
	typ Type
}

func newCodec[T any](typ Type) (codec[T], error) {
	want := map[Type]reflect.Type{
		TypeArrayBuffer: bytesType,
		TypeText:        stringType,
		TypeStream:      readerType,
	}
	if rt, ok := want[typ]; ok && reflect.TypeFor[T]() != rt {
		return codec[T]{}, fmt.Errorf("%w: %s requires %s, got %s", ErrTypeMismatch, typ, rt, reflect.TypeFor[T]())
	}
	return codec[T]{typ: typ}, nil
}

// encode returns the bytes to store and the value to hand back to the caller.
// For streams the returned value replaces the consumed reader.
func (c codec[T]) encode(v T) ([]byte, T, error) {
	switch c.typ {
	case TypeArrayBuffer:
		b, _ := any(v).([]byte)
		if b == nil {
			b = []byte{}
		}
		return bytes.Clone(b), v, nil
	case TypeText:
		s, _ := any(v).(string)
		return []byte(s), v, nil
	case TypeStream:
		r, _ := any(v).(io.Reader)
		if r == nil {
			var zero T
			return nil, zero, fmt.Errorf("cache: stream computation returned a nil reader")
		}
		data, err := io.ReadAll(r)
		if rc, ok := r.(io.Closer); ok {
			_ = rc.Close()
		}
		if err != nil {
			var zero T
			return nil, zero, fmt.Errorf("cache: read stream: %w", err)
		}
		return data, c.reader(data), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, v, fmt.Errorf("cache: encode json: %w", err)
		}
		return data, v, nil
	}
}

func (c codec[T]) decode(data []byte) (T, error) {
	switch c.typ {
	case TypeArrayBuffer:
		v, _ := any(bytes.Clone(data)).(T)
		return v, nil
	case TypeText:
		v, _ := any(string(data)).(T)
		return v, nil
	case TypeStream:
		return c.reader(data), nil
	default:
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("cache: decode json: %w", err)
		}
		return v, nil
	}
}

func (c codec[T]) reader(data []byte) T {
	v, _ := any(bytes.NewReader(data)).(T)
	return v
}
