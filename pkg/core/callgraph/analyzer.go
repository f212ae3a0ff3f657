// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callgraph

import (
	"maps"
	"math"
	"reflect"
	"sync"

	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidCall is returned for calls that can't be statically bound: wrong arity,
	// unknown keywords or names, runtime values bound to template parameters.
	ErrInvalidCall = errors.New("invalid call")

	// ErrInvalidCallShape is returned when a star-expanded argument is not the last argument
	// of a call, is combined with keyword arguments, or can't be expanded.
	ErrInvalidCallShape = errors.New("invalid call shape")

	// ErrUnknownFunction is returned when a callee or an entry point is not in the Graph.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrUnknownField is returned when a reference accesses a field its type doesn't have.
	ErrUnknownField = errors.New("unknown field")
)

// Analyzer computes used parameter sets over a Graph.
//
// Per-(function, template values) summaries are memoized and shared across all entry points
// analyzed with the same Analyzer. It is safe for concurrent use.
type Analyzer struct {
	graph *Graph

	mu        sync.Mutex
	summaries map[string]*summary
	results   map[string]*kernel.UsedSet
}

// NewAnalyzer creates an Analyzer for the given graph.
func NewAnalyzer(graph *Graph) *Analyzer {
	return &Analyzer{
		graph:     graph,
		summaries: make(map[string]*summary),
		results:   make(map[string]*kernel.UsedSet),
	}
}

// Graph analyzed.
func (a *Analyzer) Graph() *Graph { return a.graph }

// NumSummaries returns the number of per-(function, template values) summaries computed and
// memoized so far.
func (a *Analyzer) NumSummaries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.summaries)
}

// Analyze returns the set of leaf parameters of the entry function site.Name used under the
// template values tv.
//
// Results are memoized per (site, tv): analyzing the same combination again returns the
// same UsedSet without walking the graph.
func (a *Analyzer) Analyze(site kernel.CallSite, tv kernel.TemplateValues) (*kernel.UsedSet, error) {
	fn, found := a.graph.Function(site.Name)
	if !found {
		return nil, errors.Wrapf(ErrUnknownFunction, "entry point %q", site.Name)
	}
	tv = withDefaults(fn, tv)
	a.mu.Lock()
	defer a.mu.Unlock()
	resultKey := site.Name + "|" + site.Fingerprint + "|" + tv.Canonical()
	if used, found := a.results[resultKey]; found {
		return used, nil
	}
	r := &run{analyzer: a, active: make(map[string]*activeSummary)}
	s, _, err := r.summarize(fn, tv)
	if err != nil {
		return nil, errors.WithMessagef(err, "analyzing %s%s", site, tv)
	}
	used := usedSetOf(fn, s)
	a.results[resultKey] = used
	if klog.V(2).Enabled() {
		klog.Infof("callgraph: %s%s uses %d leaves %s %s", site, tv, used.Len(), used.Counts(), used)
	}
	return used, nil
}

// usedSetOf lists the leaves of the entry's runtime parameters, depth-first in declaration
// order, that are covered by a used path. Entry-level leaf parameters are always included.
func usedSetOf(fn *Function, s *summary) *kernel.UsedSet {
	var leaves []kernel.Leaf
	var visit func(path kernel.Path, t Type, covered bool)
	visit = func(path kernel.Path, t Type, covered bool) {
		covered = covered || s.has(path)
		switch tt := t.(type) {
		case Leaf:
			if covered {
				leaves = append(leaves, kernel.Leaf{Path: path, Kind: tt.Kind, DType: tt.DType, Rank: tt.Rank})
			}
		case *Struct:
			for _, field := range tt.Fields {
				visit(path.Append(field.Name), field.Type, covered)
			}
		}
	}
	for _, p := range fn.Params {
		if p.Template {
			continue
		}
		_, isLeaf := p.Type.(Leaf)
		visit(kernel.Path{p.Name}, p.Type, isLeaf)
	}
	return kernel.NewUsedSet(leaves...)
}

// summary of one function under one set of template values: the paths it uses, relative
// to its own formal parameters.
type summary struct {
	paths sets.Set[string]
}

func newSummary() *summary {
	return &summary{paths: sets.Make[string]()}
}

func (s *summary) add(p kernel.Path) { s.paths.Insert(p.String()) }

func (s *summary) has(p kernel.Path) bool { return s.paths.Has(p.String()) }

func (s *summary) sameAs(other *summary) bool { return s.paths.Equal(other.paths) }

func summaryKey(fn *Function, tv kernel.TemplateValues) string {
	return fn.Name + "|" + tv.Canonical()
}

// withDefaults returns the template values of fn in formal parameter order, with the
// defaults of the ones not given. Values for names that are not template parameters of fn
// are dropped.
func withDefaults(fn *Function, tv kernel.TemplateValues) kernel.TemplateValues {
	var res kernel.TemplateValues
	for _, p := range fn.Params {
		if !p.Template {
			continue
		}
		v, found := tv.Get(p.Name)
		if !found {
			if p.Default == nil {
				continue
			}
			v = p.Default
		}
		res = append(res, kernel.TemplateValue{Name: p.Name, Value: v})
	}
	return res
}

// noDepth means a summary doesn't depend on any summary still being computed.
const noDepth = math.MaxInt

type activeSummary struct {
	depth    int
	partial  *summary
	recursed bool
}

// run is one top-level analysis. It tracks the summaries being computed, to resolve
// recursion by fixed-point iteration.
type run struct {
	analyzer *Analyzer
	active   map[string]*activeSummary
}

// summarize returns the summary of fn under tv, and the lowest depth of an active
// (in-progress) summary it depends on. Summaries that depend on an enclosing active
// summary are tentative and not memoized.
func (r *run) summarize(fn *Function, tv kernel.TemplateValues) (*summary, int, error) {
	tv = withDefaults(fn, tv)
	key := summaryKey(fn, tv)
	if s, found := r.analyzer.summaries[key]; found {
		return s, noDepth, nil
	}
	if as, found := r.active[key]; found {
		as.recursed = true
		return as.partial, as.depth, nil
	}
	as := &activeSummary{depth: len(r.active), partial: newSummary()}
	r.active[key] = as
	defer delete(r.active, key)
	for {
		as.recursed = false
		s, low, err := r.walkFunction(fn, tv)
		if err != nil {
			return nil, 0, err
		}
		if as.recursed && !s.sameAs(as.partial) {
			as.partial = s
			continue
		}
		if low >= as.depth {
			low = noDepth
		}
		if low == noDepth {
			r.analyzer.summaries[key] = s
			if klog.V(3).Enabled() {
				klog.Infof("callgraph: summary %s%s: %d paths", fn.Name, tv, len(s.paths))
			}
		}
		return s, low, nil
	}
}

func (r *run) walkFunction(fn *Function, tv kernel.TemplateValues) (*summary, int, error) {
	f := &frame{run: r, fn: fn, tv: tv, env: make(map[string]binding), out: newSummary(), low: noDepth}
	for _, p := range fn.Params {
		if p.Template {
			v, found := tv.Get(p.Name)
			if !found {
				if p.Default == nil {
					return nil, 0, errors.Wrapf(ErrInvalidCall, "function %q: missing value for template parameter %q", fn.Name, p.Name)
				}
				v = p.Default
			}
			f.env[p.Name] = binding{kind: bindValue, value: v}
			continue
		}
		if p.Type == nil {
			return nil, 0, errors.Wrapf(ErrInvalidCall, "function %q: parameter %q has no type", fn.Name, p.Name)
		}
		f.env[p.Name] = binding{kind: bindPath, path: kernel.Path{p.Name}, typ: p.Type}
	}
	if err := f.walk(fn.Body); err != nil {
		return nil, 0, errors.WithMessagef(err, "in function %q", fn.Name)
	}
	return f.out, f.low, nil
}

type bindingKind int

const (
	bindPath bindingKind = iota
	bindValue
	bindFunc
	bindTuple
)

// binding of a name in a frame: a path relative to the frame's function formals (with its
// type), a compile-time value, a function or a tuple of bindings.
type binding struct {
	kind  bindingKind
	path  kernel.Path
	typ   Type
	value any
	fn    string
	items []binding
}

type frame struct {
	run *run
	fn  *Function
	tv  kernel.TemplateValues
	env map[string]binding
	out *summary
	low int
}

// walkScoped walks a nested block: names bound inside it are dropped at the end.
func (f *frame) walkScoped(body []Stmt) error {
	saved := maps.Clone(f.env)
	defer func() { f.env = saved }()
	return f.walk(body)
}

func (f *frame) walk(body []Stmt) error {
	for _, stmt := range body {
		var err error
		switch s := stmt.(type) {
		case Use:
			err = f.use(s)
		case Let:
			var b binding
			b, err = f.resolve(s.Value)
			if err == nil {
				f.env[s.Name] = b
			}
		case Call:
			err = f.call(s)
		case StaticIf:
			var taken bool
			taken, err = s.Cond.Eval(f.tv)
			if err != nil {
				err = errors.Wrapf(ErrInvalidCall, "static condition %s: %v", s.Cond, err)
				break
			}
			if taken {
				err = f.walkScoped(s.Then)
			} else {
				err = f.walkScoped(s.Else)
			}
		case StaticForEach:
			err = f.forEach(s)
		default:
			err = errors.Errorf("unsupported statement type %T", stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *frame) use(s Use) error {
	b, err := f.resolve(s.Ref)
	if err != nil {
		return err
	}
	switch b.kind {
	case bindPath:
		f.out.add(b.path)
	case bindValue:
		// Compile-time values are not launch arguments.
	default:
		return errors.Wrapf(ErrInvalidCall, "%q is not a value", s.Ref)
	}
	return nil
}

func (f *frame) forEach(s StaticForEach) error {
	saved := maps.Clone(f.env)
	defer func() { f.env = saved }()
	for _, callee := range s.Callees {
		if _, found := f.run.analyzer.graph.Function(callee); !found {
			return errors.Wrapf(ErrUnknownFunction, "%q in static loop over %q", callee, s.Var)
		}
		f.env[s.Var] = binding{kind: bindFunc, fn: callee}
		if err := f.walkScoped(s.Body); err != nil {
			return errors.WithMessagef(err, "static loop with %s=%s", s.Var, callee)
		}
	}
	return nil
}

// resolve an expression to a binding in the current frame.
func (f *frame) resolve(e Expr) (binding, error) {
	switch v := e.(type) {
	case Const:
		return binding{kind: bindValue, value: v.Value}, nil
	case Tuple:
		items := make([]binding, 0, len(v.Items))
		for _, item := range v.Items {
			b, err := f.resolve(item)
			if err != nil {
				return binding{}, err
			}
			items = append(items, b)
		}
		return binding{kind: bindTuple, items: items}, nil
	case Ref:
		b, found := f.env[v.Name]
		if !found {
			if _, isFn := f.run.analyzer.graph.Function(v.Name); isFn && len(v.Fields) == 0 {
				return binding{kind: bindFunc, fn: v.Name}, nil
			}
			return binding{}, errors.Wrapf(ErrInvalidCall, "unknown name %q", v.Name)
		}
		if len(v.Fields) == 0 {
			return b, nil
		}
		if b.kind != bindPath {
			return binding{}, errors.Wrapf(ErrInvalidCall, "field access %q on a value that is not a parameter", v)
		}
		t, err := fieldType(b.typ, v.Fields)
		if err != nil {
			return binding{}, errors.WithMessagef(err, "resolving %q", v)
		}
		return binding{kind: bindPath, path: b.path.Append(v.Fields...), typ: t}, nil
	}
	return binding{}, errors.Errorf("unsupported expression type %T", e)
}

// fieldType follows fields from t.
func fieldType(t Type, fields []string) (Type, error) {
	for _, name := range fields {
		st, ok := t.(*Struct)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownField, "%q: %s is not a structure", name, t)
		}
		var found bool
		t, found = st.Field(name)
		if !found {
			return nil, errors.Wrapf(ErrUnknownField, "%q not in %s", name, st.Name)
		}
	}
	return t, nil
}

func (f *frame) resolveCallee(name string) (*Function, error) {
	graph := f.run.analyzer.graph
	calleeName := name
	if b, found := f.env[name]; found {
		switch {
		case b.kind == bindFunc:
			calleeName = b.fn
		case b.kind == bindValue && reflect.TypeOf(b.value) != nil && reflect.TypeOf(b.value).Kind() == reflect.String:
			calleeName = reflect.ValueOf(b.value).String()
		default:
			return nil, errors.Wrapf(ErrInvalidCall, "%q is not callable", name)
		}
	}
	fn, found := graph.Function(calleeName)
	if !found {
		return nil, errors.Wrapf(ErrUnknownFunction, "%q", calleeName)
	}
	return fn, nil
}

// expandStar expands a star argument into positional bindings.
func (f *frame) expandStar(e Expr) ([]binding, error) {
	b, err := f.resolve(e)
	if err != nil {
		return nil, err
	}
	switch b.kind {
	case bindTuple:
		return b.items, nil
	case bindValue:
		rv := reflect.ValueOf(b.value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			items := make([]binding, rv.Len())
			for ii := range items {
				items[ii] = binding{kind: bindValue, value: rv.Index(ii).Interface()}
			}
			return items, nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidCallShape, "star argument is not expandable")
}

func (f *frame) call(c Call) error {
	callee, err := f.resolveCallee(c.Callee)
	if err != nil {
		return err
	}
	errorf := func(base error, format string, args ...any) error {
		return errors.Wrapf(base, "call to %q: "+format, append([]any{callee.Name}, args...)...)
	}

	// Shape of the arguments.
	starIdx, hasKeyword := -1, false
	for ii, arg := range c.Args {
		if arg.Star {
			if starIdx >= 0 {
				return errorf(ErrInvalidCallShape, "more than one star argument")
			}
			starIdx = ii
		}
		if arg.Keyword != "" {
			hasKeyword = true
		} else if hasKeyword && !arg.Star {
			return errorf(ErrInvalidCall, "positional argument #%d follows keyword arguments", ii)
		}
	}
	if starIdx >= 0 && starIdx != len(c.Args)-1 {
		return errorf(ErrInvalidCallShape, "star argument must be the last argument")
	}
	if starIdx >= 0 && hasKeyword {
		return errorf(ErrInvalidCallShape, "star argument cannot be combined with keyword arguments")
	}

	// Bind actual arguments to the callee formals.
	actual := make(map[string]binding, len(callee.Params))
	var positional []binding
	for _, arg := range c.Args {
		if arg.Star {
			items, err := f.expandStar(arg.Value)
			if err != nil {
				return errors.WithMessagef(err, "call to %q", callee.Name)
			}
			positional = append(positional, items...)
			continue
		}
		b, err := f.resolve(arg.Value)
		if err != nil {
			return errors.WithMessagef(err, "call to %q", callee.Name)
		}
		if arg.Keyword == "" {
			positional = append(positional, b)
			continue
		}
		if _, found := callee.Param(arg.Keyword); !found {
			return errorf(ErrInvalidCall, "unknown keyword argument %q", arg.Keyword)
		}
		if _, found := actual[arg.Keyword]; found {
			return errorf(ErrInvalidCall, "argument %q given more than once", arg.Keyword)
		}
		actual[arg.Keyword] = b
	}
	if len(positional) > len(callee.Params) {
		return errorf(ErrInvalidCall, "%d positional arguments given, only %d parameters", len(positional), len(callee.Params))
	}
	for ii, b := range positional {
		name := callee.Params[ii].Name
		if _, found := actual[name]; found {
			return errorf(ErrInvalidCall, "argument %q given more than once", name)
		}
		actual[name] = b
	}

	var calleeTV kernel.TemplateValues
	for _, p := range callee.Params {
		b, found := actual[p.Name]
		if !found {
			if p.Template && p.Default != nil {
				calleeTV = append(calleeTV, kernel.TemplateValue{Name: p.Name, Value: p.Default})
				continue
			}
			return errorf(ErrInvalidCall, "missing argument %q", p.Name)
		}
		if !p.Template {
			if b.kind == bindTuple || b.kind == bindFunc {
				return errorf(ErrInvalidCall, "parameter %q must be bound to a value, not to a tuple or a function", p.Name)
			}
			continue
		}
		switch b.kind {
		case bindValue:
			calleeTV = append(calleeTV, kernel.TemplateValue{Name: p.Name, Value: b.value})
		case bindFunc:
			calleeTV = append(calleeTV, kernel.TemplateValue{Name: p.Name, Value: b.fn})
		default:
			return errorf(ErrInvalidCall, "template parameter %q must be bound to a compile-time value", p.Name)
		}
	}

	s, low, err := f.run.summarize(callee, calleeTV)
	if err != nil {
		return err
	}
	f.low = min(f.low, low)

	// Map the callee's used paths through the binding table.
	for _, key := range sets.Sorted(s.paths) {
		p := kernel.ParsePath(key)
		b := actual[p.Root()]
		if b.kind == bindValue {
			// Constant bound to a runtime parameter: nothing to launch.
			continue
		}
		suffix := p[1:]
		if _, err := fieldType(b.typ, suffix); err != nil {
			return errors.WithMessagef(err, "call to %q, argument %q", callee.Name, p.Root())
		}
		f.out.add(b.path.Append(suffix...))
	}
	return nil
}
