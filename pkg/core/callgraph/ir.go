// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package callgraph holds the lowered call-graph IR handed over by a frontend, and the
// Analyzer that computes, for an entry point and a set of template values, the minimal
// set of leaf parameters actually read or written by the kernel.
//
// The IR is deliberately small: a function is a list of formal parameters (with their
// types) and a body of statements. Only the statements that matter for parameter usage
// are represented: leaf uses, calls, template-gated branches, static loops over a list of
// functions and local aliases.
package callgraph

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
)

// Type of a formal parameter: either a Leaf or a *Struct.
type Type interface {
	isType()

	// String returns a deterministic description of the type.
	String() string
}

// Leaf type: an array of a given rank, or a scalar.
type Leaf struct {
	Kind  kernel.ArgKind
	DType dtypes.DType
	Rank  int
}

// ArrayOf returns the Leaf type of an array.
func ArrayOf(dtype dtypes.DType, rank int) Leaf {
	return Leaf{Kind: kernel.ArrayArg, DType: dtype, Rank: rank}
}

// ScalarOf returns the Leaf type of a scalar.
func ScalarOf(dtype dtypes.DType) Leaf {
	return Leaf{Kind: kernel.ScalarArg, DType: dtype}
}

func (Leaf) isType() {}

// String implements Type.
func (l Leaf) String() string {
	if l.Kind == kernel.ArrayArg {
		return fmt.Sprintf("%s[r%d]", l.DType, l.Rank)
	}
	return l.DType.String()
}

// Field of a Struct type.
type Field struct {
	Name string
	Type Type
}

// Struct type, with fields in declaration order.
type Struct struct {
	Name   string
	Fields []Field
}

// StructOf creates a Struct type.
func StructOf(name string, fields ...Field) *Struct {
	return &Struct{Name: name, Fields: fields}
}

func (*Struct) isType() {}

// Field returns the type of the field with the given name.
func (s *Struct) Field(name string) (Type, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return nil, false
}

// String implements Type.
func (s *Struct) String() string {
	parts := make([]string, len(s.Fields))
	for ii, f := range s.Fields {
		parts[ii] = f.Name + ":" + f.Type.String()
	}
	return s.Name + "{" + strings.Join(parts, ",") + "}"
}

// Param is a formal parameter of a Function.
type Param struct {
	Name string
	Type Type

	// Template parameters are compile-time significant: they have no Type and are never
	// part of the used set.
	Template bool
	Default  any
}

// P creates a runtime parameter.
func P(name string, t Type) Param { return Param{Name: name, Type: t} }

// TemplateParam creates a template parameter. defaultValue may be nil for no default.
func TemplateParam(name string, defaultValue any) Param {
	return Param{Name: name, Template: true, Default: defaultValue}
}

// Function in the call graph.
type Function struct {
	Name   string
	Params []Param
	Body   []Stmt
}

// Func creates a Function.
func Func(name string, params []Param, body ...Stmt) *Function {
	return &Function{Name: name, Params: params, Body: body}
}

// Param returns the formal parameter with the given name.
func (fn *Function) Param(name string) (Param, bool) {
	for _, p := range fn.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Formals returns the formal parameters as needed by kernel.Bind.
func (fn *Function) Formals() []kernel.Formal {
	formals := make([]kernel.Formal, len(fn.Params))
	for ii, p := range fn.Params {
		formals[ii] = kernel.Formal{Name: p.Name, Template: p.Template, Default: p.Default}
	}
	return formals
}

// Stmt is a statement of a function body.
type Stmt interface {
	isStmt()
}

// Expr is an expression used as a call argument or in a Let.
type Expr interface {
	isExpr()
}

// Ref references a name in scope (a parameter, a Let alias or a loop variable), possibly
// followed by field accesses.
type Ref struct {
	Name   string
	Fields []string
}

// R creates a Ref from its dotted form, e.g. R("md.nested.n1").
func R(dotted string) Ref {
	parts := strings.Split(dotted, kernel.PathSeparator)
	return Ref{Name: parts[0], Fields: parts[1:]}
}

func (Ref) isExpr() {}

// String returns the dotted form.
func (r Ref) String() string {
	if len(r.Fields) == 0 {
		return r.Name
	}
	return r.Name + kernel.PathSeparator + strings.Join(r.Fields, kernel.PathSeparator)
}

// Const is a compile-time constant.
type Const struct {
	Value any
}

func (Const) isExpr() {}

// Tuple of expressions. Used as the value of a Star argument.
type Tuple struct {
	Items []Expr
}

func (Tuple) isExpr() {}

// Use reads (or writes) the value referenced by Ref. If it references a structured value,
// all its leaves are used.
type Use struct {
	Ref   Ref
	Write bool
}

// Read creates a read Use from the dotted reference.
func Read(dotted string) Use { return Use{Ref: R(dotted)} }

// Write creates a write Use from the dotted reference.
func Write(dotted string) Use { return Use{Ref: R(dotted), Write: true} }

func (Use) isStmt() {}

// Arg is one argument of a Call.
type Arg struct {
	// Keyword is the name of the callee formal for keyword arguments, or "" for positional ones.
	Keyword string

	// Star expands Value (a Tuple, a slice constant or a name bound to one) into
	// positional arguments.
	Star bool

	Value Expr
}

// Pos creates a positional argument.
func Pos(e Expr) Arg { return Arg{Value: e} }

// KwArg creates a keyword argument.
func KwArg(name string, e Expr) Arg { return Arg{Keyword: name, Value: e} }

// Star creates a star-expanded argument.
func Star(e Expr) Arg { return Arg{Star: true, Value: e} }

// Call of another function. Callee is either the name of a function in the Graph, or a
// name in scope bound to a function (a StaticForEach variable, or a template value
// holding a function name).
type Call struct {
	Callee string
	Args   []Arg
}

// CallTo creates a Call.
func CallTo(callee string, args ...Arg) Call { return Call{Callee: callee, Args: args} }

func (Call) isStmt() {}

// Cond is a condition over template values, evaluated statically.
type Cond interface {
	Eval(tv kernel.TemplateValues) (bool, error)
	String() string
}

// IsTrue is a condition on a boolean template value.
type IsTrue string

// Eval implements Cond.
func (c IsTrue) Eval(tv kernel.TemplateValues) (bool, error) {
	v, found := tv.Get(string(c))
	if !found {
		return false, errors.Errorf("unknown template value %q", string(c))
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("template value %q is a %T, not a bool", string(c), v)
	}
	return b, nil
}

// String implements Cond.
func (c IsTrue) String() string { return string(c) }

// Equals compares a template value with a constant.
type Equals struct {
	Name  string
	Value any
}

// Eval implements Cond.
func (c Equals) Eval(tv kernel.TemplateValues) (bool, error) {
	v, found := tv.Get(c.Name)
	if !found {
		return false, errors.Errorf("unknown template value %q", c.Name)
	}
	return reflect.DeepEqual(v, c.Value), nil
}

// String implements Cond.
func (c Equals) String() string { return fmt.Sprintf("%s==%T:%v", c.Name, c.Value, c.Value) }

// Not negates a condition.
type Not struct {
	Cond Cond
}

// Eval implements Cond.
func (c Not) Eval(tv kernel.TemplateValues) (bool, error) {
	b, err := c.Cond.Eval(tv)
	return !b, err
}

// String implements Cond.
func (c Not) String() string { return "!" + c.Cond.String() }

// StaticIf is a branch decided at compile time. Only the taken side contributes uses.
type StaticIf struct {
	Cond       Cond
	Then, Else []Stmt
}

func (StaticIf) isStmt() {}

// StaticForEach runs Body once per function in Callees, with Var bound to it.
type StaticForEach struct {
	Var     string
	Callees []string
	Body    []Stmt
}

func (StaticForEach) isStmt() {}

// Let binds Name to the value of an expression, for the rest of the body.
type Let struct {
	Name  string
	Value Expr
}

func (Let) isStmt() {}
