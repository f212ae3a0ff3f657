// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBind(t *testing.T) {
	formals := []Formal{{Name: "a"}, {Name: "md"}, {Name: "flag", Template: true, Default: false}, {Name: "c"}}

	t.Run("PositionalAndKeywords", func(t *testing.T) {
		bound, tv, err := Bind(formals, 1, "x", Kw("c", 3.0), Kw("flag", true))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "md", "c"}, bound.Names())
		v, found := bound.Get("c")
		require.True(t, found)
		assert.Equal(t, 3.0, v)
		assert.Equal(t, TemplateValues{{Name: "flag", Value: true}}, tv)
	})

	t.Run("TemplateDefault", func(t *testing.T) {
		_, tv, err := Bind(formals, 1, "x", Kw("c", 3))
		require.NoError(t, err)
		assert.Equal(t, TemplateValues{{Name: "flag", Value: false}}, tv)
	})

	t.Run("Errors", func(t *testing.T) {
		_, _, err := Bind(formals, 1, Kw("d", 3))
		require.ErrorIs(t, err, ErrInvalidArguments)
		_, _, err = Bind(formals, 1, Kw("a", 3))
		require.ErrorIs(t, err, ErrInvalidArguments)
		_, _, err = Bind(formals, 1, Kw("md", 3), 4)
		require.ErrorContains(t, err, "follows keyword")
		_, _, err = Bind(formals, 1, 2, false, 4, 5)
		require.ErrorContains(t, err, "too many")
		_, _, err = Bind(formals, 1, 2)
		require.ErrorContains(t, err, `missing argument "c"`)
	})
}

func TestKeyBuilder(t *testing.T) {
	site := CallSite{Name: "k1", Fingerprint: "0123456789abcdef"}
	formals := []Formal{{Name: "md"}, {Name: "n"}, {Name: "static", Template: true}}
	newMD := func(size int) *Record {
		return NewRecord("MyDataclass",
			F{"used", NewHostArray[int32](size)},
			F{"scale", float32(1)},
			F{"nested", NewRecord("Nested", F{"n1", NewHostArray[float64](size, 2)})})
	}

	builder := NewKeyBuilder()
	k1, bound, err := builder.Build(site, formals, newMD(10), int32(3), false)
	require.NoError(t, err)
	assert.Equal(t, 2, bound.Len())
	k2, _, err := builder.Build(site, formals, newMD(20), Kw("n", int32(7)), Kw("static", false))
	require.NoError(t, err)
	assert.Equal(t, k1.ID(), k2.ID(), "same ranks and dtypes should reuse the specialization")

	k3, _, err := builder.Build(site, formals, newMD(10), int32(3), true)
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID(), k3.ID(), "template values must select different specializations")

	k4, _, err := builder.Build(site, formals, newMD(10), int64(3), false)
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID(), k4.ID(), "scalar dtype is part of the signature")

	withDims := NewKeyBuilder(WithDimensions())
	k5, _, err := withDims.Build(site, formals, newMD(10), int32(3), false)
	require.NoError(t, err)
	k6, _, err := withDims.Build(site, formals, newMD(20), int32(3), false)
	require.NoError(t, err)
	assert.NotEqual(t, k5.ID(), k6.ID())

	_, _, err = builder.Build(site, formals, "not an argument", int32(3), false)
	require.ErrorIs(t, err, ErrInvalidArguments)
}

func TestSignatureMemoizedByToken(t *testing.T) {
	builder := NewKeyBuilder()
	r := NewRecord("R", F{"a", NewHostArray[float32](3)})
	sig1, err := builder.Signature(r)
	require.NoError(t, err)
	assert.Equal(t, Signature("R{a:Float32[r1]}"), sig1)
	_, found := builder.byToken.Load(r.Token())
	assert.True(t, found)

	// With creates a new record, with a new token and a new signature.
	r2 := r.With("b", int32(1))
	assert.NotEqual(t, r.Token(), r2.Token())
	sig2, err := builder.Signature(r2)
	require.NoError(t, err)
	assert.Equal(t, Signature("R{a:Float32[r1],b:Int32}"), sig2)
}

func TestSignatureOfMutableFields(t *testing.T) {
	site := CallSite{Name: "k"}
	formals := []Formal{{Name: "r"}}
	for name, builder := range map[string]*KeyBuilder{"rank": NewKeyBuilder(), "dims": NewKeyBuilder(WithDimensions())} {
		t.Run(name, func(t *testing.T) {
			// A record holding a map: the map can be modified in place.
			inner := map[string]any{"a": NewHostArray[float32](3)}
			r := NewRecord("r", F{"inner", inner})
			k1, _, err := builder.Build(site, formals, r)
			require.NoError(t, err)
			_, found := builder.byToken.Load(r.Token())
			assert.False(t, found)

			inner["a"] = NewHostArray[float32](7, 9)
			k2, _, err := builder.Build(site, formals, r)
			require.NoError(t, err)
			assert.NotEqual(t, k1.ID(), k2.ID())
			k3, _, err := NewKeyBuilder(builderOptions(builder)...).Build(site, formals, r)
			require.NoError(t, err)
			assert.Equal(t, k3.ID(), k2.ID())

			// A record holding a pointer to a Go struct.
			gs := &goStruct{Used: NewHostArray[int32](2)}
			r = NewRecord("r", F{"gs", gs})
			k1, _, err = builder.Build(site, formals, r)
			require.NoError(t, err)
			gs.Used = NewHostArray[int32](2, 2)
			k2, _, err = builder.Build(site, formals, r)
			require.NoError(t, err)
			assert.NotEqual(t, k1.ID(), k2.ID())

			// Nested records and unions of arrays and scalars are memoized.
			r = NewRecord("r", F{"nested", NewRecord("n", F{"x", NewHostArray[int8](1)})},
				F{"u", Union{Name: "u", Tag: "s", Value: int32(1)}})
			_, _, err = builder.Build(site, formals, r)
			require.NoError(t, err)
			_, found = builder.byToken.Load(r.Token())
			assert.True(t, found)
		})
	}
}

func builderOptions(b *KeyBuilder) []KeyOption {
	if b.IncludesDimensions() {
		return []KeyOption{WithDimensions()}
	}
	return nil
}

type goStruct struct {
	Used    *HostArray[int32]
	Renamed float32 `kernel:"scale"`
	Skipped int     `kernel:"-"`
	private int
}

func TestStructured(t *testing.T) {
	s, ok := AsStructured(&goStruct{Used: NewHostArray[int32](2), Renamed: 2})
	require.True(t, ok)
	assert.Equal(t, []string{"Used", "scale"}, s.FieldNames())
	v, found := s.Field("scale")
	require.True(t, found)
	assert.Equal(t, float32(2), v)
	_, found = s.Field("Skipped")
	assert.False(t, found)

	m, ok := AsStructured(map[string]any{"b": 1, "a": 2})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, m.FieldNames())

	u := Union{Name: "Shape", Tag: "sphere", Value: float32(1)}
	assert.Equal(t, "Shape.sphere", u.TypeName())
	_, found = u.Field("box")
	assert.False(t, found)

	_, ok = AsStructured(NewHostArray[int32](1))
	assert.False(t, ok, "arrays are leaves, not structured values")

	assert.Equal(t, ArrayArg, KindOf(NewHostArray[int8](1)))
	assert.Equal(t, ScalarArg, KindOf(true))
	assert.Equal(t, StructArg, KindOf(u))
	assert.Equal(t, InvalidArg, KindOf("string"))
	assert.Equal(t, dtypes.Float32, ScalarDType(float32(1)))
}

func TestUsedSet(t *testing.T) {
	u := NewUsedSet(
		Leaf{Path: Path{"md", "used"}, Kind: ArrayArg, DType: dtypes.Int32},
		Leaf{Path: Path{"n"}, Kind: ScalarArg, DType: dtypes.Int32},
		Leaf{Path: Path{"md", "used"}, Kind: ArrayArg, DType: dtypes.Int32})
	assert.Equal(t, 2, u.Len())
	assert.Equal(t, []string{"md.used", "n"}, u.Strings())
	assert.True(t, u.Has("md.used"))
	assert.Equal(t, KindCounts{ArrayArg: 1, ScalarArg: 1}, u.Counts())
	assert.Equal(t, "{array=1 scalar=1}", u.Counts().String())
	assert.Equal(t, Path{"a", "b", "c"}, ParsePath("a.b.c"))

	var nilSet *UsedSet
	assert.Equal(t, 0, nilSet.Len())
	kind, err := ParseArgKind("scalar")
	require.NoError(t, err)
	assert.Equal(t, ScalarArg, kind)
}
