// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Formal describes one formal parameter of a kernel entry point, as needed to bind
// call arguments.
type Formal struct {
	Name string

	// Template marks compile-time significant parameters: their values become part of
	// the specialization key, and they are never marshaled as launch arguments.
	Template bool

	// Default value used for a template parameter not given in the call. Nil means no default.
	Default any
}

// Keyword is an argument passed by name. Create it with Kw.
type Keyword struct {
	Name  string
	Value any
}

// Kw passes value as the keyword argument name in a kernel call.
func Kw(name string, value any) Keyword { return Keyword{Name: name, Value: value} }

// Bound holds the runtime (non-template) arguments of one call, bound to the formal
// parameter names.
type Bound struct {
	names  []string
	values map[string]any
}

// Names returns the names of the bound runtime arguments, in formal parameter order.
func (b *Bound) Names() []string { return slices.Clone(b.names) }

// Get returns the argument bound to the formal parameter name.
func (b *Bound) Get(name string) (value any, found bool) {
	value, found = b.values[name]
	return
}

// Len returns the number of bound runtime arguments.
func (b *Bound) Len() int { return len(b.names) }

// Bind binds the call arguments to the formals: positional arguments first, followed
// by keyword arguments (created with Kw).
//
// It returns the runtime arguments and the template values, both in formal order.
func Bind(formals []Formal, args ...any) (*Bound, TemplateValues, error) {
	values := make(map[string]any, len(formals))
	var numPositional int
	seenKeyword := false
	for _, arg := range args {
		if kw, ok := arg.(Keyword); ok {
			seenKeyword = true
			idx := slices.IndexFunc(formals, func(f Formal) bool { return f.Name == kw.Name })
			if idx < 0 {
				return nil, nil, errors.Wrapf(ErrInvalidArguments, "unknown keyword argument %q", kw.Name)
			}
			if _, found := values[kw.Name]; found {
				return nil, nil, errors.Wrapf(ErrInvalidArguments, "argument %q given more than once", kw.Name)
			}
			values[kw.Name] = kw.Value
			continue
		}
		if seenKeyword {
			return nil, nil, errors.Wrapf(ErrInvalidArguments, "positional argument #%d follows keyword arguments", numPositional)
		}
		if numPositional >= len(formals) {
			return nil, nil, errors.Wrapf(ErrInvalidArguments, "too many positional arguments: %d given, only %d parameters",
				numPositional+1, len(formals))
		}
		values[formals[numPositional].Name] = arg
		numPositional++
	}

	bound := &Bound{values: make(map[string]any, len(formals))}
	var tv TemplateValues
	for _, f := range formals {
		value, found := values[f.Name]
		if !found {
			if f.Template && f.Default != nil {
				value = f.Default
			} else {
				return nil, nil, errors.Wrapf(ErrInvalidArguments, "missing argument %q", f.Name)
			}
		}
		if f.Template {
			tv = append(tv, TemplateValue{Name: f.Name, Value: value})
			continue
		}
		bound.names = append(bound.names, f.Name)
		bound.values[f.Name] = value
	}
	return bound, tv, nil
}

// Signature describes the shape/rank/element-type of one argument.
type Signature string

// Key is a specialization key: two calls with equal keys (see Key.ID) can reuse the same
// compiled variant.
type Key struct {
	Site       CallSite
	Signatures []Signature
	Templates  TemplateValues
	id         string
}

// NewKey creates the Key and computes its ID.
func NewKey(site CallSite, signatures []Signature, templates TemplateValues) Key {
	k := Key{Site: site, Signatures: slices.Clone(signatures), Templates: slices.Clone(templates)}
	sigs := make([]string, len(signatures))
	for ii, sig := range signatures {
		sigs[ii] = string(sig)
	}
	k.id = fmt.Sprintf("%s|%s|%s|%s", site.Name, site.Fingerprint, strings.Join(sigs, ";"), templates.Canonical())
	return k
}

// WithFingerprint returns a copy of the key with the call site fingerprint replaced.
func (k Key) WithFingerprint(fingerprint string) Key {
	if fingerprint == k.Site.Fingerprint {
		return k
	}
	return NewKey(CallSite{Name: k.Site.Name, Fingerprint: fingerprint}, k.Signatures, k.Templates)
}

// ID is the canonical identity of the key, usable as a map key.
func (k Key) ID() string { return k.id }

// String implements fmt.Stringer.
func (k Key) String() string {
	sigs := make([]string, len(k.Signatures))
	for ii, sig := range k.Signatures {
		sigs[ii] = string(sig)
	}
	return fmt.Sprintf("%s(%s)%s", k.Site, strings.Join(sigs, ", "), k.Templates)
}

// KeyBuilder derives specialization keys from call arguments.
//
// It is safe for concurrent use. Signatures of Identified structured values are memoized
// by their token, as long as they only hold values that can't change shape.
type KeyBuilder struct {
	includeDims bool
	byToken     sync.Map // uuid.UUID -> Signature
}

// KeyOption configures a KeyBuilder.
type KeyOption func(b *KeyBuilder)

// WithDimensions makes array signatures include the full dimensions, not only the rank.
// It yields more specializations, one per distinct shape.
func WithDimensions() KeyOption {
	return func(b *KeyBuilder) { b.includeDims = true }
}

// IncludesDimensions returns whether array signatures include the full dimensions.
func (b *KeyBuilder) IncludesDimensions() bool { return b.includeDims }

// NewKeyBuilder creates a KeyBuilder.
func NewKeyBuilder(options ...KeyOption) *KeyBuilder {
	b := &KeyBuilder{}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Build binds args to the formals and derives the specialization key of the call.
// It also returns the bound runtime arguments, to be used by the launch planner.
func (b *KeyBuilder) Build(site CallSite, formals []Formal, args ...any) (Key, *Bound, error) {
	bound, tv, err := Bind(formals, args...)
	if err != nil {
		return Key{}, nil, errors.WithMessagef(err, "calling %s", site)
	}
	signatures := make([]Signature, 0, bound.Len())
	for _, name := range bound.names {
		sig, err := b.Signature(bound.values[name])
		if err != nil {
			return Key{}, nil, errors.WithMessagef(err, "calling %s, argument %q", site, name)
		}
		signatures = append(signatures, Signature(name+":")+sig)
	}
	return NewKey(site, signatures, tv), bound, nil
}

// Signature returns the signature of one argument value.
func (b *KeyBuilder) Signature(v any) (Signature, error) {
	sig, _, err := b.signature(v)
	return sig, err
}

// signature also returns whether the signature can't change for the lifetime of v: true
// for scalars, arrays (whose dimensions are fixed) and Identified values holding only such
// values. Only those signatures are memoized by token.
func (b *KeyBuilder) signature(v any) (sig Signature, fixed bool, err error) {
	if arr, ok := v.(Array); ok {
		if b.includeDims {
			return Signature(fmt.Sprintf("%s%v", arr.DType(), arr.Dimensions())), true, nil
		}
		return Signature(fmt.Sprintf("%s[r%d]", arr.DType(), len(arr.Dimensions()))), true, nil
	}
	if dtype := ScalarDType(v); dtype != dtypes.InvalidDType {
		return Signature(dtype.String()), true, nil
	}
	s, ok := AsStructured(v)
	if !ok {
		return "", false, errors.Wrapf(ErrInvalidArguments, "value of type %T is not an array, scalar or structured value", v)
	}
	var token uuid.UUID
	identified, isIdentified := s.(Identified)
	if isIdentified {
		token = identified.Token()
		if sig, found := b.byToken.Load(token); found {
			return sig.(Signature), true, nil
		}
	}
	// Maps and Go structs (possibly behind pointers) can be modified in place.
	_, isUnion := s.(Union)
	fixed = isIdentified || isUnion
	var sb strings.Builder
	sb.WriteString(s.TypeName())
	sb.WriteString("{")
	for ii, name := range s.FieldNames() {
		if ii > 0 {
			sb.WriteString(",")
		}
		fieldValue, _ := s.Field(name)
		fieldSig, fieldFixed, err := b.signature(fieldValue)
		if err != nil {
			return "", false, errors.WithMessagef(err, "field %q of %s", name, s.TypeName())
		}
		fixed = fixed && fieldFixed
		sb.WriteString(name)
		sb.WriteString(":")
		sb.WriteString(string(fieldSig))
	}
	sb.WriteString("}")
	sig = Signature(sb.String())
	if fixed && token != uuid.Nil {
		b.byToken.Store(token, sig)
	}
	return sig, fixed, nil
}
