// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelspec/backends"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
)

// Executable is a kernel body bound to the used parameters of one specialization.
type Executable struct {
	backend     *Backend
	bodyName    string
	body        Body
	templates   kernel.TemplateValues
	paths       []string
	isFinalized atomic.Bool
}

// Compile-time check that host.Executable implements backends.Executable.
var _ backends.Executable = &Executable{}

// Paths returns the paths of the arguments the executable takes, in launch order.
func (e *Executable) Paths() []string { return slices.Clone(e.paths) }

// Launch implements backends.Executable.
//
// If the backend is asynchronous, the body runs in a goroutine and its error is reported
// by the next Backend.Barrier.
func (e *Executable) Launch(ctx context.Context, args []any) error {
	if e.isFinalized.Load() {
		return errors.Errorf("launching finalized executable of %q", e.bodyName)
	}
	if err := e.backend.checkOk(); err != nil {
		return err
	}
	if len(args) != len(e.paths) {
		return errors.Errorf("kernel %q takes %d arguments %q, %d given", e.bodyName, len(e.paths), e.paths, len(args))
	}
	a := &Args{paths: e.paths, values: slices.Clone(args)}
	e.backend.numLaunches.Add(1)
	if !e.backend.async {
		return e.run(ctx, a)
	}
	pending := &e.backend.pending
	pending.Add()
	err := e.backend.pool.WaitToStart(ctx, func() {
		pending.Done(e.run(ctx, a))
	})
	if err != nil {
		pending.Done(nil)
		return errors.Wrapf(err, "launching kernel %q", e.bodyName)
	}
	return nil
}

// run the body, converting panics to errors.
func (e *Executable) run(ctx context.Context, a *Args) (err error) {
	exception := exceptions.Try(func() {
		err = e.body(ctx, e.templates, a)
	})
	if exception != nil {
		if exceptionErr, ok := exception.(error); ok {
			return errors.WithMessagef(exceptionErr, "kernel %q panicked", e.bodyName)
		}
		return errors.Errorf("kernel %q panicked: %v", e.bodyName, exception)
	}
	return errors.WithMessagef(err, "kernel %q", e.bodyName)
}

// Finalize implements backends.Executable.
func (e *Executable) Finalize() {
	e.isFinalized.Store(true)
}

// serializedTemplate holds one template value in string form.
type serializedTemplate struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type serializedExecutable struct {
	Body      string               `json:"body"`
	Templates []serializedTemplate `json:"templates,omitempty"`
	Paths     []string             `json:"paths"`
}

// Serialize implements backends.Executable. Only template values of basic types
// (bool, string, integers and floats) can be serialized.
func (e *Executable) Serialize() ([]byte, error) {
	s := serializedExecutable{Body: e.bodyName, Paths: e.paths}
	for _, t := range e.templates {
		switch t.Value.(type) {
		case bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		default:
			return nil, errors.Errorf("kernel %q: template %q of type %T can't be serialized", e.bodyName, t.Name, t.Value)
		}
		s.Templates = append(s.Templates, serializedTemplate{
			Name: t.Name, Type: fmt.Sprintf("%T", t.Value), Value: fmt.Sprint(t.Value)})
	}
	blob, err := json.Marshal(s)
	return blob, errors.Wrapf(err, "serializing kernel %q", e.bodyName)
}

// Load implements backends.Loader. The body must be registered in this process.
func (b *Backend) Load(blob []byte) (backends.Executable, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	var s serializedExecutable
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, errors.Wrap(err, "loading host executable")
	}
	body, found := lookupBody(s.Body)
	if !found {
		return nil, errors.Errorf("loading host executable: no body registered for kernel %q", s.Body)
	}
	templates := make(kernel.TemplateValues, 0, len(s.Templates))
	for _, t := range s.Templates {
		value, err := parseTemplate(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading host executable of %q", s.Body)
		}
		templates = append(templates, kernel.TemplateValue{Name: t.Name, Value: value})
	}
	b.numLoads.Add(1)
	return &Executable{backend: b, bodyName: s.Body, body: body, templates: templates, paths: s.Paths}, nil
}

func parseTemplate(t serializedTemplate) (any, error) {
	var (
		value any
		err   error
	)
	switch t.Type {
	case "bool":
		value, err = strconv.ParseBool(t.Value)
	case "string":
		value = t.Value
	case "int":
		value, err = strconv.Atoi(t.Value)
	case "int8", "int16", "int32", "int64":
		var v int64
		bits, _ := strconv.Atoi(t.Type[3:])
		v, err = strconv.ParseInt(t.Value, 10, bits)
		value = map[string]any{"int8": int8(v), "int16": int16(v), "int32": int32(v), "int64": v}[t.Type]
	case "uint", "uint8", "uint16", "uint32", "uint64":
		var v uint64
		v, err = strconv.ParseUint(t.Value, 10, 64)
		value = map[string]any{"uint": uint(v), "uint8": uint8(v), "uint16": uint16(v), "uint32": uint32(v), "uint64": v}[t.Type]
	case "float32":
		var v float64
		v, err = strconv.ParseFloat(t.Value, 32)
		value = float32(v)
	case "float64":
		value, err = strconv.ParseFloat(t.Value, 64)
	default:
		return nil, errors.Errorf("template %q has unsupported type %q", t.Name, t.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parsing template %q", t.Name)
	}
	return value, nil
}
