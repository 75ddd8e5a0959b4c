// Package channel layers typed values over transport writers and readers.
package channel

import (
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Codec serializes payload values.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON encodes values with encoding/json.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Proto encodes protobuf messages in binary wire format. Values that are not
// proto.Message are rejected.
type Proto struct {
	Options proto.MarshalOptions
}

func (Proto) Name() string { return "proto" }

func (p Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return p.Options.Marshal(m)
}

// Unmarshal accepts either a message pointer or a pointer to a message
// pointer, which is what generic code holding a *pb.T value passes.
func (Proto) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Pointer {
		return fmt.Errorf("proto codec: cannot decode into %T", v)
	}
	elem := rv.Elem()
	if elem.IsNil() {
		elem.Set(reflect.New(elem.Type().Elem()))
	}
	m, ok := elem.Interface().(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T is not a proto.Message", elem.Interface())
	}
	return proto.Unmarshal(data, m)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "proto", "protobuf":
		return Proto{Options: proto.MarshalOptions{Deterministic: true}}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
