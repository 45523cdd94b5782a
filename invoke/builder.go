// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

import (
	"reflect"
	"sync"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/species"
)

// A builder accumulates the Names of the Form of a handle.
// Parameter 0 of the Form is the handle; the handle's own parameters
// follow it.
type builder struct {
	name  string
	arity int
	names []*form.Name
}

func newBuilder(name string, params []basic.Type) *builder {
	types := make([]basic.Type, 0, len(params)+1)
	types = append(types, basic.L)
	types = append(types, params...)
	return &builder{name: name, arity: len(types), names: form.Arguments(0, types...)}
}

// param returns the ith parameter of the handle.
func (b *builder) param(i int) *form.Name { return b.names[i+1] }

// params returns the parameters [from:to) of the handle.
func (b *builder) params(from, to int) []interface{} {
	args := make([]interface{}, 0, to-from)
	for i := from; i < to; i++ {
		args = append(args, b.param(i))
	}
	return args
}

// invokeArgs returns the arguments of an invokeBasic of h
// on the parameters [from:to) of the handle.
func (b *builder) invokeArgs(h *form.Name, from, to int) []interface{} {
	return append([]interface{}{h}, b.params(from, to)...)
}

// field returns a Name that reads field i of storage of species s from
// the handle.
func (b *builder) field(s *species.Species, i int) *form.Name {
	return b.add(s.Getter(i), b.names[0])
}

func (b *builder) add(fn *form.Function, args ...interface{}) *form.Name {
	n := form.NewName(fn, args...)
	b.names = append(b.names, n)
	return n
}

// build returns the Form whose result is the Name result,
// or a void Form if result is nil.
func (b *builder) build(result *form.Name) *form.Form {
	index := form.VoidResult
	if result != nil {
		for i, n := range b.names {
			if n == result {
				index = i
			}
		}
	}
	return form.New(b.name, b.arity, b.names, index)
}

// convertible reports whether convert can convert a value of type from
// to type to. Reference conversions are checked when they are applied.
func convertible(from, to reflect.Type) bool {
	if from == to {
		return true
	}
	bf, bt := basic.Of(from), basic.Of(to)
	switch {
	case bf == basic.V || bt == basic.V:
		return false
	case bf == basic.L:
		return true
	case bt == basic.L:
		return from.AssignableTo(to)
	case from.Kind() == reflect.Bool || to.Kind() == reflect.Bool:
		return false
	case bf == bt:
		// Only subword types share a basic type.
		return to.Kind() == reflect.Int32 || from.Kind() == reflect.Int8 && to.Kind() == reflect.Int16
	case to.Kind() != bt.GoType().Kind():
		return false
	}
	return form.Convert(bf, bt) != nil
}

// convert returns a Name that converts x from type from to type to,
// which must be convertible.
func (b *builder) convert(x *form.Name, from, to reflect.Type) *form.Name {
	if from == to {
		return x
	}
	bf, bt := basic.Of(from), basic.Of(to)
	switch {
	case bf == basic.L && bt == basic.L:
		if from.AssignableTo(to) {
			return x
		}
		return b.add(castFunction, x, to)
	case bf == basic.L:
		return b.add(form.Unbox(bt), x)
	case bt == basic.L:
		if from == bf.GoType() {
			return b.add(form.Box(bf), x)
		}
		return b.add(boxFunctions[bf], x, from)
	case bf == bt:
		return x
	}
	return b.add(form.Convert(bf, bt), x)
}

// An adapterKey identifies the Form of an adaptation.
// Forms of adapters depend only on the types involved, never on the
// values bound into the storage of the adapted handles.
type adapterKey struct {
	op       string
	sig      string // erased signature, for Forms that depend on nothing else
	from, to *basic.MethodType
	n, m     int
}

var adapterForms sync.Map // adapterKey -> *form.Form

// cachedForm returns the Form for key, building it if necessary.
// Concurrent builders may both build, but the first Form stored wins.
// Adapters of different keys whose Forms are structurally identical
// share one Form, and with it its compiled code.
func cachedForm(key adapterKey, build func() *form.Form) *form.Form {
	if f, ok := adapterForms.Load(key); ok {
		return f.(*form.Form)
	}
	f, _ := adapterForms.LoadOrStore(key, form.Canonical(build()))
	return f.(*form.Form)
}

// Storage shapes of adapters.
var (
	sL   = species.Of(basic.L)
	sLL  = species.Of(basic.L, basic.L)
	sLLL = species.Of(basic.L, basic.L, basic.L)
)

// handlesSpecies returns the species of n reference fields.
func handlesSpecies(n int) *species.Species {
	s := species.Empty
	for i := 0; i < n; i++ {
		s = s.Extend(basic.L)
	}
	return s
}

// explicitConvert returns a Name that converts x from type from to type
// to as ExplicitCastArguments does. Conversions that convert cannot
// perform go through a reference: a primitive is boxed and then checked
// against a reference type, and a reference is cast to a primitive type
// by explicitCasts.
func (b *builder) explicitConvert(x *form.Name, from, to reflect.Type) *form.Name {
	if from == to {
		return x
	}
	bf, bt := basic.Of(from), basic.Of(to)
	switch {
	case bt != basic.L && (bf == basic.L || !convertible(from, to)):
		if bf != basic.L {
			x = b.convert(x, from, basic.AnyType)
		}
		return b.add(explicitCasts[bt], x, to)
	case bt == basic.L && !convertible(from, to):
		return b.add(castFunction, b.convert(x, from, basic.AnyType), to)
	}
	return b.convert(x, from, to)
}
