// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
)

// Array is the interface of array-like leaf arguments. The memory layout is up to the
// backend, the specialization layer only needs the element type and the dimensions.
// The dimensions of an Array must not change during its lifetime.
type Array interface {
	DType() dtypes.DType
	Dimensions() []int
}

// HostArray is a simple Array stored in host memory, in row-major order.
type HostArray[T dtypes.Number] struct {
	dims []int
	Data []T
}

// NewHostArray creates a zero-initialized HostArray with the given dimensions.
func NewHostArray[T dtypes.Number](dims ...int) *HostArray[T] {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return &HostArray[T]{dims: slices.Clone(dims), Data: make([]T, size)}
}

// DType implements Array.
func (a *HostArray[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Dimensions implements Array.
func (a *HostArray[T]) Dimensions() []int { return slices.Clone(a.dims) }

// Fill sets all elements to value.
func (a *HostArray[T]) Fill(value T) {
	for ii := range a.Data {
		a.Data[ii] = value
	}
}

// String implements fmt.Stringer.
func (a *HostArray[T]) String() string {
	return fmt.Sprintf("(%s)%v", a.DType(), a.dims)
}

// Structured is the polymorphic interface of structured arguments (records, tagged unions,
// maps, Go structs): anything whose fields can be enumerated and accessed by name.
type Structured interface {
	// TypeName identifies the structure type. It is part of the argument signature.
	TypeName() string

	// FieldNames enumerates the fields, in a deterministic order.
	FieldNames() []string

	// Field returns the value of the field with the given name.
	Field(name string) (value any, found bool)
}

// Identified is implemented by values carrying a stable per-instance token. The token
// changes whenever the value's structure may have changed.
type Identified interface {
	Token() uuid.UUID
}

// F is a field initializer for NewRecord.
type F struct {
	Name  string
	Value any
}

// Record is an immutable Structured value with ordered fields.
//
// Each Record carries a unique token, used to memoize its signature.
type Record struct {
	typeName string
	names    []string
	values   map[string]any
	token    uuid.UUID
}

var (
	_ Structured = (*Record)(nil)
	_ Identified = (*Record)(nil)
)

// NewRecord creates a Record of the given type with the given fields, in order.
// If a field name is repeated, the last value wins, but it keeps its first position.
func NewRecord(typeName string, fields ...F) *Record {
	r := &Record{
		typeName: typeName,
		names:    make([]string, 0, len(fields)),
		values:   make(map[string]any, len(fields)),
		token:    uuid.New(),
	}
	for _, f := range fields {
		if _, found := r.values[f.Name]; !found {
			r.names = append(r.names, f.Name)
		}
		r.values[f.Name] = f.Value
	}
	return r
}

// TypeName implements Structured.
func (r *Record) TypeName() string { return r.typeName }

// FieldNames implements Structured.
func (r *Record) FieldNames() []string { return slices.Clone(r.names) }

// Field implements Structured.
func (r *Record) Field(name string) (any, bool) {
	v, found := r.values[name]
	return v, found
}

// Token implements Identified.
func (r *Record) Token() uuid.UUID { return r.token }

// With returns a copy of the Record with the given field set (added if not yet present).
// The copy gets a new token.
func (r *Record) With(name string, value any) *Record {
	fields := make([]F, 0, len(r.names)+1)
	for _, n := range r.names {
		fields = append(fields, F{n, r.values[n]})
	}
	fields = append(fields, F{name, value})
	return NewRecord(r.typeName, fields...)
}

// Union is a tagged union: only the active variant (Tag) is visible as a field.
type Union struct {
	Name  string
	Tag   string
	Value any
}

// TypeName implements Structured. The active tag is part of the type.
func (u Union) TypeName() string { return u.Name + "." + u.Tag }

// FieldNames implements Structured.
func (u Union) FieldNames() []string { return []string{u.Tag} }

// Field implements Structured.
func (u Union) Field(name string) (any, bool) {
	if name != u.Tag {
		return nil, false
	}
	return u.Value, true
}

// Map adapts a string-keyed map as a Structured value. Fields are enumerated sorted.
type Map struct {
	Name   string
	Fields map[string]any
}

// TypeName implements Structured.
func (m Map) TypeName() string { return m.Name }

// FieldNames implements Structured.
func (m Map) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field implements Structured.
func (m Map) Field(name string) (any, bool) {
	v, found := m.Fields[name]
	return v, found
}

// StructTag is the Go struct tag used to rename (or with "-" exclude) fields seen through
// StructOf.
const StructTag = "kernel"

type reflectStruct struct {
	v       reflect.Value
	names   []string
	indices map[string]int
}

// StructOf adapts a Go struct (or pointer to struct) as a Structured value, exposing its
// exported fields in declaration order.
func StructOf(v any) (Structured, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	rt := rv.Type()
	s := &reflectStruct{v: rv, indices: make(map[string]int)}
	for ii := range rt.NumField() {
		field := rt.Field(ii)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup(StructTag); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		s.names = append(s.names, name)
		s.indices[name] = ii
	}
	return s, true
}

func (s *reflectStruct) TypeName() string { return s.v.Type().String() }

func (s *reflectStruct) FieldNames() []string { return slices.Clone(s.names) }

func (s *reflectStruct) Field(name string) (any, bool) {
	idx, found := s.indices[name]
	if !found {
		return nil, false
	}
	return s.v.Field(idx).Interface(), true
}

// AsStructured returns a Structured view of v, if it is a structured value: a Structured
// implementation, a map[string]any or a Go struct. Arrays are never structured.
func AsStructured(v any) (Structured, bool) {
	switch value := v.(type) {
	case nil:
		return nil, false
	case Array:
		return nil, false
	case Structured:
		return value, true
	case map[string]any:
		return Map{Name: "map", Fields: value}, true
	}
	return StructOf(v)
}

// ScalarDType returns the dtype of a scalar value, or dtypes.InvalidDType if v is not a
// scalar (bool, integer or float).
func ScalarDType(v any) dtypes.DType {
	if v == nil {
		return dtypes.InvalidDType
	}
	t := reflect.TypeOf(v)
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return dtypes.FromGoType(t)
	default:
		return dtypes.InvalidDType
	}
}

// KindOf classifies a runtime argument value. It never returns TemplateArg: whether an
// argument is a template is a property of the formal parameter, not of the value.
func KindOf(v any) ArgKind {
	if _, ok := v.(Array); ok {
		return ArrayArg
	}
	if ScalarDType(v) != dtypes.InvalidDType {
		return ScalarArg
	}
	if _, ok := AsStructured(v); ok {
		return StructArg
	}
	return InvalidArg
}
