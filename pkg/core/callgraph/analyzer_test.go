// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callgraph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nestedType = StructOf("Nested",
		Field{"n1", ArrayOf(dtypes.Float32, 2)},
		Field{"unused", ArrayOf(dtypes.Float32, 1)})
	dataType = StructOf("MyDataclass",
		Field{"used1", ArrayOf(dtypes.Int32, 1)},
		Field{"used2", ArrayOf(dtypes.Int32, 1)},
		Field{"not_used", ArrayOf(dtypes.Float32, 1)},
		Field{"nested", nestedType})
)

// testGraph builds:
//
//	k1(a, md, c; flag) -> f1(md) -> f2(md), and md.not_used only if flag.
func testGraph(t *testing.T, extra ...*Function) *Graph {
	f2 := Func("f2", []Param{P("md2", dataType)}, Read("md2.used2"), Read("md2.nested.n1"))
	f1 := Func("f1", []Param{P("md1", dataType)}, Read("md1.used1"), CallTo("f2", Pos(R("md1"))))
	k1 := Func("k1",
		[]Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType), P("c", ScalarOf(dtypes.Int32)), TemplateParam("flag", false)},
		CallTo("f1", Pos(R("md"))),
		StaticIf{Cond: IsTrue("flag"), Then: []Stmt{Read("md.not_used")}})
	g, err := NewGraph(append([]*Function{f2, f1, k1}, extra...)...)
	require.NoError(t, err)
	return g
}

func site(g *Graph, name string) kernel.CallSite {
	return kernel.CallSite{Name: name, Fingerprint: must.M1(g.Fingerprint(name))}
}

func flag(v bool) kernel.TemplateValues {
	return kernel.TemplateValues{{Name: "flag", Value: v}}
}

func TestAnalyzeMinimality(t *testing.T) {
	g := testGraph(t)
	a := NewAnalyzer(g)

	used, err := a.Analyze(site(g, "k1"), flag(false))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "md.used1", "md.used2", "md.nested.n1", "c"}, used.Strings())
	assert.Equal(t, kernel.KindCounts{kernel.ArrayArg: 4, kernel.ScalarArg: 1}, used.Counts())

	// Only the taken side of a static branch contributes.
	used, err = a.Analyze(site(g, "k1"), flag(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "md.used1", "md.used2", "md.not_used", "md.nested.n1", "c"}, used.Strings())
	assert.Equal(t, dtypes.Float32, used.Leaves()[3].DType)
}

func TestAnalyzeMemoized(t *testing.T) {
	k1b := Func("k1b", []Param{P("md", dataType)}, CallTo("f1", Pos(R("md"))))
	g := testGraph(t, k1b)
	a := NewAnalyzer(g)

	used1 := must.M1(a.Analyze(site(g, "k1"), flag(false)))
	assert.Equal(t, 3, a.NumSummaries())
	assert.Same(t, used1, must.M1(a.Analyze(site(g, "k1"), flag(false))))
	assert.Equal(t, 3, a.NumSummaries())

	// Leaving out a template value with a default is the same specialization.
	assert.Same(t, used1, must.M1(a.Analyze(site(g, "k1"), nil)))
	assert.Equal(t, 3, a.NumSummaries())

	// A second kernel reuses the summaries of f1 and f2.
	used2 := must.M1(a.Analyze(site(g, "k1b"), nil))
	assert.Equal(t, 4, a.NumSummaries())
	assert.Equal(t, []string{"md.used1", "md.used2", "md.nested.n1"}, used2.Strings())
}

func TestAnalyzeRenaming(t *testing.T) {
	// Keyword renaming, and positional renaming through a Let alias, of the same structure.
	kw := Func("kw", []Param{P("x", dataType)}, CallTo("f1", KwArg("md1", R("x"))))
	alias := Func("alias", []Param{P("y", dataType)}, Let{Name: "z", Value: R("y")}, CallTo("f1", Pos(R("z"))))
	// Passing a nested field to a differently named formal.
	fieldArg := Func("g_nested", []Param{P("n", nestedType)}, Read("n.n1"))
	kwField := Func("kw_field", []Param{P("md", dataType)}, CallTo("g_nested", KwArg("n", R("md.nested"))))
	g := testGraph(t, kw, alias, fieldArg, kwField)
	a := NewAnalyzer(g)

	want := []string{"used1", "used2", "nested.n1"}
	for entry, root := range map[string]string{"kw": "x", "alias": "y"} {
		used, err := a.Analyze(site(g, entry), nil)
		require.NoError(t, err, entry)
		var got []string
		for _, leaf := range used.Leaves() {
			assert.Equal(t, root, leaf.Path.Root())
			got = append(got, leaf.Path[1:].String())
		}
		assert.Equal(t, want, got, entry)
	}
	used, err := a.Analyze(site(g, "kw_field"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"md.nested.n1"}, used.Strings())
}

func TestAnalyzeStar(t *testing.T) {
	fStar := Func("f_star", []Param{P("a", ArrayOf(dtypes.Float32, 1)), P("u", ArrayOf(dtypes.Int32, 1)), P("n", nestedType)},
		Read("u"), Read("n.n1"))
	valid := Func("valid", []Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType)},
		CallTo("f_star", Pos(R("a")), Star(Tuple{Items: []Expr{R("md.used1"), R("md.nested")}})))
	viaLet := Func("via_let", []Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType)},
		Let{Name: "s", Value: Tuple{Items: []Expr{R("md.used2"), R("md.nested")}}},
		CallTo("f_star", Pos(R("a")), Star(R("s"))))
	notLast := Func("not_last", []Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType)},
		CallTo("f_star", Star(Tuple{Items: []Expr{R("a"), R("md.used1")}}), Pos(R("md.nested"))))
	withKw := Func("with_kw", []Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType)},
		CallTo("f_star", Pos(R("a")), Star(Tuple{Items: []Expr{R("md.used1")}}), KwArg("n", R("md.nested"))))
	notExpandable := Func("not_expandable", []Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType)},
		CallTo("f_star", Pos(R("a")), Star(Const{Value: 3})))
	g := MustNewGraph(fStar, valid, viaLet, notLast, withKw, notExpandable)
	a := NewAnalyzer(g)

	used, err := a.Analyze(site(g, "valid"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "md.used1", "md.nested.n1"}, used.Strings())

	used, err = a.Analyze(site(g, "via_let"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "md.used2", "md.nested.n1"}, used.Strings())

	for _, entry := range []string{"not_last", "with_kw", "not_expandable"} {
		_, err = a.Analyze(site(g, entry), nil)
		require.ErrorIs(t, err, ErrInvalidCallShape, entry)
	}
}

func TestAnalyzeRecursion(t *testing.T) {
	rec := Func("rec", []Param{P("s", dataType)}, Read("s.used1"), CallTo("rec", Pos(R("s"))))
	even := Func("even", []Param{P("s", dataType)}, Read("s.used1"), CallTo("odd", Pos(R("s"))))
	odd := Func("odd", []Param{P("s", dataType)}, Read("s.nested"), CallTo("even", Pos(R("s"))))
	g := MustNewGraph(rec, even, odd)
	a := NewAnalyzer(g)

	used, err := a.Analyze(site(g, "rec"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.used1"}, used.Strings())

	used, err = a.Analyze(site(g, "even"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.used1", "s.nested.n1", "s.nested.unused"}, used.Strings())

	// Entering the cycle from the other side gives the same set.
	used, err = a.Analyze(site(g, "odd"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s.used1", "s.nested.n1", "s.nested.unused"}, used.Strings())
}

func TestAnalyzeStaticFunctions(t *testing.T) {
	inc1 := Func("inc1", []Param{P("x", dataType)}, Write("x.used1"))
	inc2 := Func("inc2", []Param{P("x", dataType)}, Write("x.used2"))
	loop := Func("loop", []Param{P("md", dataType)},
		StaticForEach{Var: "f", Callees: []string{"inc1", "inc2"}, Body: []Stmt{CallTo("f", Pos(R("md")))}})
	byTemplate := Func("by_template", []Param{P("md", dataType), TemplateParam("op", nil)},
		CallTo("op", Pos(R("md"))))
	g := MustNewGraph(inc1, inc2, loop, byTemplate)
	a := NewAnalyzer(g)

	used, err := a.Analyze(site(g, "loop"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"md.used1", "md.used2"}, used.Strings())

	used, err = a.Analyze(site(g, "by_template"), kernel.TemplateValues{{Name: "op", Value: "inc2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"md.used2"}, used.Strings())

	_, err = a.Analyze(site(g, "by_template"), kernel.TemplateValues{{Name: "op", Value: "inc3"}})
	require.ErrorIs(t, err, ErrUnknownFunction)
}

func TestAnalyzeErrors(t *testing.T) {
	badField := Func("bad_field", []Param{P("md", dataType)}, Read("md.bogus"))
	leafField := Func("leaf_field", []Param{P("md", dataType)}, Read("md.used1.x"))
	runtimeTemplate := Func("runtime_template", []Param{P("md", dataType)}, CallTo("k1", Pos(R("md.nested.n1")), Pos(R("md")), Pos(Const{Value: 1}), Pos(R("md.used1"))))
	unknownCallee := Func("unknown_callee", []Param{P("md", dataType)}, CallTo("nope", Pos(R("md"))))
	tooMany := Func("too_many", []Param{P("md", dataType)}, CallTo("f1", Pos(R("md")), Pos(R("md"))))
	unknownKw := Func("unknown_kw", []Param{P("md", dataType)}, CallTo("f1", KwArg("zz", R("md"))))
	unknownCond := Func("unknown_cond", []Param{P("md", dataType)}, StaticIf{Cond: Not{IsTrue("nope")}})
	readNested := Func("read_nested", []Param{P("n", nestedType)}, Read("n.n1"))
	tupleArg := Func("tuple_arg", []Param{P("md", dataType)}, CallTo("read_nested", Pos(Tuple{Items: []Expr{R("md.nested")}})))
	funcArg := Func("func_arg", []Param{P("md", dataType)}, CallTo("read_nested", Pos(R("f1"))))
	g := testGraph(t, badField, leafField, runtimeTemplate, unknownCallee, tooMany, unknownKw, unknownCond,
		readNested, tupleArg, funcArg)
	a := NewAnalyzer(g)

	testCases := []struct {
		entry string
		want  error
	}{
		{"bad_field", ErrUnknownField},
		{"leaf_field", ErrUnknownField},
		{"runtime_template", ErrInvalidCall},
		{"unknown_callee", ErrUnknownFunction},
		{"too_many", ErrInvalidCall},
		{"unknown_kw", ErrInvalidCall},
		{"unknown_cond", ErrInvalidCall},
		{"tuple_arg", ErrInvalidCall},
		{"func_arg", ErrInvalidCall},
		{"not_in_graph", ErrUnknownFunction},
	}
	for _, tc := range testCases {
		t.Run(tc.entry, func(t *testing.T) {
			_, err := a.Analyze(kernel.CallSite{Name: tc.entry}, nil)
			require.ErrorIs(t, err, tc.want)
		})
	}

	// Missing entry template value without default.
	g2 := MustNewGraph(Func("needs_t", []Param{TemplateParam("t", nil)}))
	_, err := NewAnalyzer(g2).Analyze(kernel.CallSite{Name: "needs_t"}, nil)
	require.ErrorIs(t, err, ErrInvalidCall)
}

func TestFingerprint(t *testing.T) {
	unrelated := Func("unrelated", []Param{P("x", dataType)}, Read("x.used1"))
	g1 := testGraph(t)
	g2 := testGraph(t, unrelated)
	fp1 := must.M1(g1.Fingerprint("k1"))
	assert.Len(t, fp1, 64)
	assert.Equal(t, fp1, must.M1(g2.Fingerprint("k1")), "unreachable functions don't change the fingerprint")

	// Changing a reachable function changes it.
	g3 := MustNewGraph(
		Func("f2", []Param{P("md2", dataType)}, Read("md2.used2")),
		Func("f1", []Param{P("md1", dataType)}, Read("md1.used1"), CallTo("f2", Pos(R("md1")))),
		Func("k1",
			[]Param{P("a", ArrayOf(dtypes.Float32, 1)), P("md", dataType), P("c", ScalarOf(dtypes.Int32)), TemplateParam("flag", false)},
			CallTo("f1", Pos(R("md"))),
			StaticIf{Cond: IsTrue("flag"), Then: []Stmt{Read("md.not_used")}}))
	assert.NotEqual(t, fp1, must.M1(g3.Fingerprint("k1")))
	assert.Equal(t, []string{"f1", "f2", "k1"}, must.M1(g1.Reachable("k1")))

	_, err := g1.Fingerprint("nope")
	require.ErrorIs(t, err, ErrUnknownFunction)
	require.Error(t, g1.Add(Func("k1", nil)))
}

func TestFingerprintTemplateCallees(t *testing.T) {
	// Two graphs that differ only in inc2, which by_template only calls through its template
	// parameter "op".
	selectGraph := func(inc2Writes string) *Graph {
		return MustNewGraph(
			Func("inc1", []Param{P("x", dataType)}, Write("x.used1")),
			Func("inc2", []Param{P("x", dataType)}, Write(inc2Writes)),
			Func("by_template", []Param{P("md", dataType), TemplateParam("op", nil)}, CallTo("op", Pos(R("md")))),
			Func("by_let", []Param{P("md", dataType)}, Let{Name: "f", Value: R("inc2")}, CallTo("f", Pos(R("md")))),
			Func("by_const", []Param{P("md", dataType)}, CallTo("by_template", Pos(R("md")), KwArg("op", Const{Value: "inc2"}))),
			Func("by_default", []Param{P("md", dataType), TemplateParam("op", "inc2")}, CallTo("op", Pos(R("md")))))
	}
	g1, g2 := selectGraph("x.used2"), selectGraph("x.used1")
	op := kernel.TemplateValue{Name: "op", Value: "inc2"}
	fp1, fp2 := must.M1(g1.Fingerprint("by_template", op)), must.M1(g2.Fingerprint("by_template", op))
	assert.NotEqual(t, fp1, fp2)
	assert.Equal(t, []string{"by_template", "inc2"}, must.M1(g1.Reachable("by_template", op)))

	// Selecting inc1 doesn't depend on inc2.
	op1 := kernel.TemplateValue{Name: "op", Value: "inc1"}
	assert.Equal(t, must.M1(g1.Fingerprint("by_template", op1)), must.M1(g2.Fingerprint("by_template", op1)))

	// Functions named by local aliases, constants and template defaults are reachable.
	for _, entry := range []string{"by_let", "by_const", "by_default"} {
		assert.NotEqual(t, must.M1(g1.Fingerprint(entry)), must.M1(g2.Fingerprint(entry)), entry)
	}

	// And the analysis indeed differs.
	tv := kernel.TemplateValues{op}
	used1 := must.M1(NewAnalyzer(g1).Analyze(kernel.CallSite{Name: "by_template", Fingerprint: fp1}, tv))
	used2 := must.M1(NewAnalyzer(g2).Analyze(kernel.CallSite{Name: "by_template", Fingerprint: fp2}, tv))
	assert.Equal(t, []string{"md.used2"}, used1.Strings())
	assert.Equal(t, []string{"md.used1"}, used2.Strings())
}
