// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package invoke provides method handles: typed, directly callable
// references to members and to adaptations of other handles.
//
// The behavior of every handle is described by a symbolic Form (see
// package form) whose parameter 0 is the handle itself, followed by the
// basic representations of its arguments. A handle carries its bound
// values, if any, in storage of some Species, which its Form reads
// through the getters of that Species.
//
// A Form is interpreted until it has been invoked CompileThreshold
// times. It is then compiled to a bytecode unit (see internal/compile),
// loaded by CodeLoader, and executed from then on by the executor of
// this package.
//
// Adapters such as InsertArguments, AsType and GuardWithTest return new
// handles and never modify their operands. Structurally identical
// adaptations share their Forms, and therefore their compiled code.
package invoke // import "go.callform.net/invoke"

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/member"
	"go.callform.net/species"
)

// A Handle is a method handle.
//
// InvokeBasic calls the handle with arguments in the basic
// representations of its type's erased signature. Package functions
// Invoke and InvokeExact call it with ordinary Go values.
type Handle interface {
	form.Invokable
	Form() *form.Form
	IsVarargsCollector() bool
	String() string

	handle() *base
}

var handleType = reflect.TypeOf((*Handle)(nil)).Elem()

type base struct {
	typ     *basic.MethodType
	form    *form.Form
	varargs bool

	asType atomic.Value // *asTypeEntry: the most recent AsType result
}

type asTypeEntry struct {
	mt *basic.MethodType
	h  Handle
}

func (b *base) handle() *base { return b }

// Type returns the type of the handle.
func (b *base) Type() *basic.MethodType { return b.typ }

// Form returns the Form that describes the behavior of the handle.
func (b *base) Form() *form.Form { return b.form }

// IsVarargsCollector reports whether Invoke collects the trailing
// arguments of a call of the handle into an array.
func (b *base) IsVarargsCollector() bool { return b.varargs }

func (b *base) String() string { return b.form.DebugName() + b.typ.String() }

// run executes the Form of h with h prepended to args.
func run(h Handle, args []interface{}) (interface{}, error) {
	argv := make([]interface{}, 0, len(args)+1)
	argv = append(argv, h)
	argv = append(argv, args...)
	return execute(h.Form(), argv)
}

// A DirectHandle calls a member.
type DirectHandle struct {
	base
	fn *form.Function
}

var (
	_ Handle          = (*DirectHandle)(nil)
	_ species.Carrier = (*BoundHandle)(nil)
)

// Function returns the Function of the member that h calls.
func (h *DirectHandle) Function() *form.Function { return h.fn }

func (h *DirectHandle) InvokeBasic(args []interface{}) (interface{}, error) { return run(h, args) }

type memberKey struct {
	owner, name string
	kind        member.Kind
	mt          *basic.MethodType
}

var directForms sync.Map // memberKey -> *form.Form

// NewDirectHandle returns a handle that calls fn, resolving fn first.
// A resolution failure is reported as a *member.LinkageError.
func NewDirectHandle(fn *form.Function) (*DirectHandle, error) {
	if err := fn.Resolve(); err != nil {
		return nil, err
	}
	m := fn.Member()
	key := memberKey{m.Owner, m.Name, m.Kind, m.Type}
	f, ok := directForms.Load(key)
	if !ok {
		b := newBuilder(m.String(), fn.Signature().Params)
		r := b.add(fn, b.params(0, fn.Arity())...)
		f, _ = directForms.LoadOrStore(key, b.build(r))
	}
	h := &DirectHandle{base: base{typ: fn.Type(), form: f.(*form.Form)}, fn: fn}
	prepare(h.form)
	return h, nil
}

// A BoundHandle is a handle whose Form reads values bound into its
// storage. Every adapter returns a BoundHandle.
type BoundHandle struct {
	base
	data *species.Data
}

func (h *BoundHandle) InvokeBasic(args []interface{}) (interface{}, error) { return run(h, args) }

// SpeciesData returns the storage of h.
func (h *BoundHandle) SpeciesData() *species.Data { return h.data }

var emptyData = func() *species.Data {
	d, err := species.Empty.New()
	if err != nil {
		panic(err)
	}
	return d
}()

// newBound returns a handle of type mt that executes f over the
// storage d. The signature of f must be that of mt with a leading L.
func newBound(mt *basic.MethodType, f *form.Form, d *species.Data) *BoundHandle {
	sig := mt.Basic()
	ok := f.Arity() == len(sig.Params)+1 && f.ParameterType(0) == basic.L && f.ReturnType() == sig.Result
	for i := 0; ok && i < len(sig.Params); i++ {
		ok = f.ParameterType(i+1) == sig.Params[i]
	}
	if !ok {
		panic(&form.InternalError{Msg: fmt.Sprintf("form %s of signature %s cannot implement handle of type %s", f.DebugName(), f.Signature(), mt)})
	}
	prepare(f)
	return &BoundHandle{base: base{typ: mt, form: f}, data: d}
}

// mustStore returns new storage of species s holding values,
// which the caller guarantees to be valid.
func mustStore(s *species.Species, values ...interface{}) *species.Data {
	d, err := s.New(values...)
	if err != nil {
		panic(&form.InternalError{Msg: "storing bound values", Cause: err})
	}
	return d
}

// rebindable returns the Form and storage of h, which adapters that
// edit Forms extend.
func rebindable(h Handle) (*form.Form, *species.Data) {
	switch h := h.(type) {
	case *BoundHandle:
		return h.form, h.data
	case *DirectHandle:
		// The Form of a direct handle ignores parameter 0.
		return h.form, emptyData
	}
	panic(&form.InternalError{Msg: fmt.Sprintf("handle of type %T", h)})
}

// wrap returns a handle that holds h in its storage and delegates to it.
func wrap(h Handle) *BoundHandle {
	sig := h.Type().Basic()
	f := cachedForm(adapterKey{op: "delegate", sig: sig.String()}, func() *form.Form {
		b := newBuilder("delegate", sig.Params)
		target := b.field(sL, 0)
		return b.build(b.add(form.InvokeBasic(sig), b.invokeArgs(target, 0, len(sig.Params))...))
	})
	return newBound(h.Type(), f, mustStore(sL, h))
}

// A WrongMethodTypeError reports that a handle was used at a type it
// cannot be invoked or adapted at.
type WrongMethodTypeError struct {
	Expected *basic.MethodType // the type of the handle
	Actual   *basic.MethodType // the requested type
}

func (e *WrongMethodTypeError) Error() string {
	return fmt.Sprintf("wrong method type: handle of type %s used as %s", e.Expected, e.Actual)
}

// InvokeExact calls h, whose type must be exactly mt, with args.
// Each argument must be assignable to the corresponding parameter type
// of mt. The result is a Go value of the result type of mt, or nil if
// mt is void.
func InvokeExact(h Handle, mt *basic.MethodType, args ...interface{}) (interface{}, error) {
	if len(args) != mt.NumParams() {
		return nil, fmt.Errorf("InvokeExact: got %d arguments for type %s", len(args), mt)
	}
	argv := make([]interface{}, 0, len(args)+1)
	argv = append(argv, h)
	for i, arg := range args {
		x, err := member.ToBasic(arg, mt.Param(i))
		if err != nil {
			return nil, fmt.Errorf("InvokeExact: argument %d: %w", i, err)
		}
		argv = append(argv, x)
	}
	res, err := InvokersOf(mt).Exact().InvokeBasic(argv)
	if err != nil {
		return nil, err
	}
	return member.FromBasic(res, mt.Result())
}

// Invoke calls h with args, adapting the handle as AsType does to the
// type of len(args) interface{} parameters and an interface{} result.
// If h is a varargs collector, trailing arguments are collected into
// the array parameter, unless the last argument is itself such an
// array in the position of that parameter.
func Invoke(h Handle, args ...interface{}) (interface{}, error) {
	if h.IsVarargsCollector() {
		n := h.Type().NumParams()
		if _, ok := lastArg(args).([]interface{}); !ok || len(args) != n {
			if len(args) < n-1 {
				return nil, &WrongMethodTypeError{Expected: h.Type(), Actual: basic.GenericMethod(len(args))}
			}
			c, err := AsCollector(h, len(args)-(n-1))
			if err != nil {
				return nil, err
			}
			h = c
		}
	}
	argv := make([]interface{}, 0, len(args)+1)
	argv = append(argv, h)
	argv = append(argv, args...)
	return InvokersOf(basic.GenericMethod(len(args))).Generic().InvokeBasic(argv)
}

func lastArg(args []interface{}) interface{} {
	if len(args) == 0 {
		return nil
	}
	return args[len(args)-1]
}
