// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"fmt"
	"sort"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// wireMessage is implemented by every top-level envelope that crosses the
// gRPC boundary. The codec below only knows how to move these.
type wireMessage interface {
	marshalWire() ([]byte, error)
	unmarshalWire([]byte) error
}

// Codec is the gRPC codec for the envelopes in this package. Its name is
// "proto" so the content-subtype on the wire matches a server built from
// generated protobuf code.
type Codec struct{}

var _ encoding.Codec = Codec{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("sqlrpc codec: cannot marshal %T", v)
	}
	return m.marshalWire()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("sqlrpc codec: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return "proto" }

var deterministic = proto.MarshalOptions{Deterministic: true}

func protoNum(n int32) protowire.Number { return protowire.Number(n) }

// --- encoding helpers ---

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// appendMessage always emits the field, so an empty oneof variant such as
// commit{} still marks its presence.
func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendProto(b []byte, num protowire.Number, m proto.Message) ([]byte, error) {
	data, err := deterministic.Marshal(m)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, num, data), nil
}

func appendColumnTypes(b []byte, num protowire.Number, types []ColumnType) []byte {
	if len(types) == 0 {
		return b
	}
	var packed []byte
	for _, t := range types {
		packed = protowire.AppendVarint(packed, uint64(int64(t)))
	}
	return appendMessage(b, num, packed)
}

func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendRows(b []byte, num protowire.Number, rows []*structpb.ListValue) ([]byte, error) {
	var err error
	for _, row := range rows {
		if row == nil {
			row = &structpb.ListValue{}
		}
		if b, err = appendProto(b, num, row); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// --- decoding helpers ---

// fieldDecoder walks the fields of one encoded message.
type fieldDecoder struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
}

func newFieldDecoder(b []byte) *fieldDecoder {
	return &fieldDecoder{b: b}
}

func (d *fieldDecoder) next() (bool, error) {
	if len(d.b) == 0 {
		return false, nil
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		return false, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	d.num, d.typ = num, typ
	return true, nil
}

func (d *fieldDecoder) wrongType(want protowire.Type) error {
	return fmt.Errorf("field %d: wire type %d, want %d", d.num, d.typ, want)
}

func (d *fieldDecoder) bytes() ([]byte, error) {
	if d.typ != protowire.BytesType {
		return nil, d.wrongType(protowire.BytesType)
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *fieldDecoder) string() (string, error) {
	v, err := d.bytes()
	return string(v), err
}

func (d *fieldDecoder) varint() (uint64, error) {
	if d.typ != protowire.VarintType {
		return 0, d.wrongType(protowire.VarintType)
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *fieldDecoder) int64() (int64, error) {
	v, err := d.varint()
	return int64(v), err
}

func (d *fieldDecoder) int32() (int32, error) {
	v, err := d.varint()
	return int32(v), err
}

func (d *fieldDecoder) bool() (bool, error) {
	v, err := d.varint()
	return v != 0, err
}

// columnTypes accepts both packed and unpacked encodings of a repeated enum.
func (d *fieldDecoder) columnTypes(dst []ColumnType) ([]ColumnType, error) {
	if d.typ == protowire.VarintType {
		v, err := d.varint()
		if err != nil {
			return nil, err
		}
		return append(dst, ColumnType(int32(v))), nil
	}
	packed, err := d.bytes()
	if err != nil {
		return nil, err
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		packed = packed[n:]
		dst = append(dst, ColumnType(int32(v)))
	}
	return dst, nil
}

func (d *fieldDecoder) value() (*structpb.Value, error) {
	data, err := d.bytes()
	if err != nil {
		return nil, err
	}
	v := &structpb.Value{}
	if err := proto.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *fieldDecoder) listValue() (*structpb.ListValue, error) {
	data, err := d.bytes()
	if err != nil {
		return nil, err
	}
	v := &structpb.ListValue{}
	if err := proto.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *fieldDecoder) skip() error {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return nil
}

// decodeMessage runs fn for every field of b. fn reports whether it consumed
// the field; unconsumed fields are skipped as unknown.
func decodeMessage(b []byte, fn func(d *fieldDecoder) (bool, error)) error {
	d := newFieldDecoder(b)
	for {
		ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		handled, err := fn(d)
		if err != nil {
			return err
		}
		if !handled {
			if err := d.skip(); err != nil {
				return err
			}
		}
	}
}

// --- map entries ---

func appendValueMap(b []byte, num protowire.Number, m map[string]*structpb.Value) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if v == nil {
			v = structpb.NewNullValue()
		}
		entry := appendString(nil, 1, k)
		var err error
		if entry, err = appendProto(entry, 2, v); err != nil {
			return nil, err
		}
		b = appendMessage(b, num, entry)
	}
	return b, nil
}

func appendIndexHints(b []byte, num protowire.Number, m map[int32]ColumnType) []byte {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	for _, k := range keys {
		entry := appendInt32(nil, 1, int32(k))
		entry = appendInt32(entry, 2, int32(m[int32(k)]))
		b = appendMessage(b, num, entry)
	}
	return b
}

func appendNameHints(b []byte, num protowire.Number, m map[string]ColumnType) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry := appendString(nil, 1, k)
		entry = appendInt32(entry, 2, int32(m[k]))
		b = appendMessage(b, num, entry)
	}
	return b
}

func decodeValueEntry(data []byte) (string, *structpb.Value, error) {
	var key string
	val := structpb.NewNullValue()
	err := decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			key, err = d.string()
		case 2:
			val, err = d.value()
		default:
			return false, nil
		}
		return true, err
	})
	return key, val, err
}

func decodeIndexHintEntry(data []byte) (int32, ColumnType, error) {
	var key, val int32
	err := decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			key, err = d.int32()
		case 2:
			val, err = d.int32()
		default:
			return false, nil
		}
		return true, err
	})
	return key, ColumnType(val), err
}

func decodeNameHintEntry(data []byte) (string, ColumnType, error) {
	var key string
	var val int32
	err := decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			key, err = d.string()
		case 2:
			val, err = d.int32()
		default:
			return false, nil
		}
		return true, err
	})
	return key, ColumnType(val), err
}
