package lamellar

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/proto"
)

// Codec turns results into bytes and back. Both sides of a request MUST
// agree on the same codec.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// MsgpackCodec is the default codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	hd := codec.MsgpackHandle{}
	if err := codec.NewEncoder(&buf, &hd).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte, v any) error {
	hd := codec.MsgpackHandle{}
	return codec.NewDecoder(bytes.NewReader(data), &hd).Decode(v)
}

// JSONCodec is slower but human readable on the wire.
type JSONCodec struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

// ProtoCodec exchanges protobuf messages. Values must be a `proto.Message`
// or a pointer to one.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v any) ([]byte, error) {
	msg, err := protoMessage(reflect.ValueOf(v), false)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Decode(data []byte, v any) error {
	msg, err := protoMessage(reflect.ValueOf(v), true)
	if err != nil {
		return err
	}
	return proto.Unmarshal(data, msg)
}

// protoMessage dereferences rv until it finds a message, allocating the
// nil pointers on the way when alloc is set.
func protoMessage(rv reflect.Value, alloc bool) (proto.Message, error) {
	for rv.IsValid() {
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			if !alloc || !rv.CanSet() {
				break
			}
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		if rv.CanInterface() {
			if msg, ok := rv.Interface().(proto.Message); ok {
				return msg, nil
			}
		}
		if rv.Kind() != reflect.Pointer {
			break
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil, fmt.Errorf("%w: nil", ErrCodecType)
	}
	return nil, fmt.Errorf("%w: %s", ErrCodecType, rv.Type())
}

// DefaultCodec is used when no codec is specified.
var DefaultCodec Codec = MsgpackCodec{}
