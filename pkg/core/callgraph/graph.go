// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callgraph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/support/sets"
	"github.com/pkg/errors"
)

// Graph is a collection of functions, addressed by name.
//
// Functions can be added concurrently with analysis, but a Function must not be modified
// once added.
type Graph struct {
	mu        sync.RWMutex
	functions map[string]*Function
	order     []string
}

// NewGraph creates a Graph with the given functions.
func NewGraph(functions ...*Function) (*Graph, error) {
	g := &Graph{functions: make(map[string]*Function)}
	for _, fn := range functions {
		if err := g.Add(fn); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// MustNewGraph is like NewGraph, but panics on error.
func MustNewGraph(functions ...*Function) *Graph {
	g, err := NewGraph(functions...)
	if err != nil {
		exceptions.Panicf("MustNewGraph failed: %+v", err)
	}
	return g
}

// Add a function to the graph. It fails if a function with the same name already exists,
// or if the function has repeated parameter names.
func (g *Graph) Add(fn *Function) error {
	if fn == nil || fn.Name == "" {
		return errors.New("callgraph: cannot add a nil or unnamed function")
	}
	seen := make(map[string]bool, len(fn.Params))
	for _, p := range fn.Params {
		if seen[p.Name] {
			return errors.Errorf("function %q: parameter %q declared more than once", fn.Name, p.Name)
		}
		seen[p.Name] = true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, found := g.functions[fn.Name]; found {
		return errors.Errorf("function %q already defined", fn.Name)
	}
	g.functions[fn.Name] = fn
	g.order = append(g.order, fn.Name)
	return nil
}

// MustAdd is like Add, but panics on error.
func (g *Graph) MustAdd(fn *Function) {
	if err := g.Add(fn); err != nil {
		exceptions.Panicf("MustAdd failed: %+v", err)
	}
}

// Function returns the function with the given name.
func (g *Graph) Function(name string) (*Function, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn, found := g.functions[name]
	return fn, found
}

// NumFunctions returns the number of functions in the graph.
func (g *Graph) NumFunctions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Names of the functions in the graph, in the order they were added.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Reachable returns the names of the functions reachable from entry (entry included),
// sorted.
//
// Besides direct callees, any function named by a value in the bodies (a reference, a
// string constant or a template default) is considered reachable, since it may be called
// through a local name or a template parameter. The template values of the entry, if given,
// are roots as well when they name functions of the graph. Callees that are not functions
// of the graph (e.g. loop variables) are skipped.
func (g *Graph) Reachable(entry string, tv ...kernel.TemplateValue) ([]string, error) {
	if _, found := g.Function(entry); !found {
		return nil, errors.Wrapf(ErrUnknownFunction, "entry %q", entry)
	}
	visited := sets.MakeWith(entry)
	queue := []string{entry}
	enqueue := func(name string) {
		if visited.Has(name) {
			return
		}
		if _, found := g.Function(name); found {
			visited.Insert(name)
			queue = append(queue, name)
		}
	}
	for _, t := range tv {
		visitFunctionNames(t.Value, enqueue)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		fn, _ := g.Function(name)
		for _, p := range fn.Params {
			if p.Template {
				visitFunctionNames(p.Default, enqueue)
			}
		}
		visitCallees(fn.Body, enqueue)
	}
	return sets.Sorted(visited), nil
}

// visitCallees visits every name in body that may refer to a function.
func visitCallees(body []Stmt, visit func(name string)) {
	for _, stmt := range body {
		switch s := stmt.(type) {
		case Call:
			visit(s.Callee)
			for _, arg := range s.Args {
				visitExprNames(arg.Value, visit)
			}
		case Let:
			visitExprNames(s.Value, visit)
		case StaticIf:
			visitCallees(s.Then, visit)
			visitCallees(s.Else, visit)
		case StaticForEach:
			for _, callee := range s.Callees {
				visit(callee)
			}
			visitCallees(s.Body, visit)
		}
	}
}

func visitExprNames(e Expr, visit func(name string)) {
	switch v := e.(type) {
	case Ref:
		if len(v.Fields) == 0 {
			visit(v.Name)
		}
	case Const:
		visitFunctionNames(v.Value, visit)
	case Tuple:
		for _, item := range v.Items {
			visitExprNames(item, visit)
		}
	}
}

// visitFunctionNames visits the strings in a compile-time value (a string, or a slice or
// array of values) that may name functions.
func visitFunctionNames(value any, visit func(name string)) {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		visit(rv.String())
	case reflect.Slice, reflect.Array:
		for ii := range rv.Len() {
			visitFunctionNames(rv.Index(ii).Interface(), visit)
		}
	}
}

// Fingerprint returns a content hash (hex encoded sha256) of all functions reachable from
// entry, including those selected by the template values tv (see Reachable). Any change to
// any of them changes the fingerprint.
func (g *Graph) Fingerprint(entry string, tv ...kernel.TemplateValue) (string, error) {
	names, err := g.Reachable(entry, tv...)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, name := range names {
		fn, _ := g.Function(name)
		encodeFunction(h, fn)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func encodeFunction(w io.Writer, fn *Function) {
	_, _ = fmt.Fprintf(w, "func %q(", fn.Name)
	for _, p := range fn.Params {
		if p.Template {
			_, _ = fmt.Fprintf(w, "%q template default=%T:%v;", p.Name, p.Default, p.Default)
			continue
		}
		typeStr := "<nil>"
		if p.Type != nil {
			typeStr = p.Type.String()
		}
		_, _ = fmt.Fprintf(w, "%q %s;", p.Name, typeStr)
	}
	_, _ = fmt.Fprint(w, ")")
	encodeBody(w, fn.Body)
	_, _ = fmt.Fprint(w, "\n")
}

func encodeBody(w io.Writer, body []Stmt) {
	_, _ = fmt.Fprint(w, "{")
	for _, stmt := range body {
		switch s := stmt.(type) {
		case Use:
			_, _ = fmt.Fprintf(w, "use(%q,%v);", s.Ref.String(), s.Write)
		case Call:
			_, _ = fmt.Fprintf(w, "call %q(", s.Callee)
			for _, arg := range s.Args {
				_, _ = fmt.Fprintf(w, "kw=%q,star=%v,", arg.Keyword, arg.Star)
				encodeExpr(w, arg.Value)
				_, _ = fmt.Fprint(w, ";")
			}
			_, _ = fmt.Fprint(w, ");")
		case StaticIf:
			_, _ = fmt.Fprintf(w, "if %q", s.Cond.String())
			encodeBody(w, s.Then)
			_, _ = fmt.Fprint(w, "else")
			encodeBody(w, s.Else)
		case StaticForEach:
			_, _ = fmt.Fprintf(w, "for %q in %q", s.Var, s.Callees)
			encodeBody(w, s.Body)
		case Let:
			_, _ = fmt.Fprintf(w, "let %q=", s.Name)
			encodeExpr(w, s.Value)
			_, _ = fmt.Fprint(w, ";")
		default:
			_, _ = fmt.Fprintf(w, "%T;", stmt)
		}
	}
	_, _ = fmt.Fprint(w, "}")
}

func encodeExpr(w io.Writer, e Expr) {
	switch v := e.(type) {
	case Ref:
		_, _ = fmt.Fprintf(w, "ref(%q)", v.String())
	case Const:
		_, _ = fmt.Fprintf(w, "const(%T:%v)", v.Value, v.Value)
	case Tuple:
		_, _ = fmt.Fprint(w, "tuple(")
		for _, item := range v.Items {
			encodeExpr(w, item)
			_, _ = fmt.Fprint(w, ",")
		}
		_, _ = fmt.Fprint(w, ")")
	default:
		_, _ = fmt.Fprintf(w, "%T", e)
	}
}
