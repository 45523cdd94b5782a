// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

// This file defines the adapters: functions that derive new handles
// from existing ones. Adapters that remove, add or reorder parameters
// edit the Form of their operand and share its storage; the others
// store their operands in the storage of a new handle whose Form
// invokes them.

import (
	"fmt"
	"log"
	"reflect"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/member"
)

var (
	boolType  = reflect.TypeOf(false)
	indexType = reflect.TypeOf(int32(0))
)

// BindTo returns a handle that calls h with x as its first argument,
// which must be of reference type.
func BindTo(h Handle, x interface{}) (Handle, error) {
	mt := h.Type()
	if mt.NumParams() == 0 || basic.Of(mt.Param(0)) != basic.L {
		return nil, fmt.Errorf("BindTo: %s has no leading reference parameter", h)
	}
	return InsertArguments(h, 0, x)
}

// InsertArguments returns a handle that calls h with values inserted
// as its arguments at position pos. The values are stored in the
// storage of the new handle.
func InsertArguments(h Handle, pos int, values ...interface{}) (Handle, error) {
	mt := h.Type()
	if pos < 0 || pos+len(values) > mt.NumParams() {
		return nil, fmt.Errorf("InsertArguments: cannot insert %d values at %d into %s", len(values), pos, h)
	}
	xs := make([]interface{}, len(values))
	for i, v := range values {
		x, err := member.ToBasic(v, mt.Param(pos+i))
		if err != nil {
			return nil, fmt.Errorf("InsertArguments: value %d: %w", i, err)
		}
		xs[i] = x
	}
	for _, x := range xs {
		h = bindOne(h, pos, x)
	}
	return h, nil
}

// bindOne binds parameter pos of h to the basic value x, adding a field
// to the storage of h. A handle whose storage or Form has reached its
// size limit is wrapped first.
func bindOne(h Handle, pos int, x interface{}) *BoundHandle {
	f, d := rebindable(h)
	if d.Len() >= MaxBoundFields || f.NumNames() >= MaxFormNames {
		if debug {
			log.Printf("wrapping %s: %d fields, %d names", h, d.Len(), f.NumNames())
		}
		h = wrap(h)
		f, d = rebindable(h)
	}
	t := f.ParameterType(pos + 1)
	s := d.Species()
	x2 := s.Extend(t)
	return newBound(h.Type().DropParams(pos, pos+1), f.Bind(pos+1, s, x2), mustStore(x2, append(d.Values(), x)...))
}

// BindLiteral returns a handle that calls h with value as its argument
// at position pos. Unlike InsertArguments, the value becomes a constant
// of the Form of the new handle.
func BindLiteral(h Handle, pos int, value interface{}) (Handle, error) {
	mt := h.Type()
	if pos < 0 || pos >= mt.NumParams() {
		return nil, fmt.Errorf("BindLiteral: no parameter %d in %s", pos, h)
	}
	x, err := member.ToBasic(value, mt.Param(pos))
	if err != nil {
		return nil, fmt.Errorf("BindLiteral: %w", err)
	}
	f, d := rebindable(h)
	return newBound(mt.DropParams(pos, pos+1), f.BindArgument(pos+1, x), d), nil
}

// DropArguments returns a handle with additional parameters of the
// given types at position pos, which it ignores, and that otherwise
// calls h.
func DropArguments(h Handle, pos int, types ...reflect.Type) (Handle, error) {
	mt := h.Type()
	if pos < 0 || pos > mt.NumParams() {
		return nil, fmt.Errorf("DropArguments: position %d out of range for %s", pos, h)
	}
	bts := make([]basic.Type, len(types))
	for i, t := range types {
		if t == nil {
			return nil, fmt.Errorf("DropArguments: parameter %d has no type", i)
		}
		bts[i] = basic.Of(t)
	}
	f, d := rebindable(h)
	return newBound(mt.InsertParams(pos, types...), f.AddArguments(pos+1, bts...), d), nil
}

// PermuteArguments returns a handle of type newType that calls h with
// its argument reorder[j] as argument j of h. An argument of the new
// handle may be passed several times, or not at all.
func PermuteArguments(h Handle, newType *basic.MethodType, reorder ...int) (Handle, error) {
	mt := h.Type()
	if len(reorder) != mt.NumParams() || newType.Result() != mt.Result() {
		return nil, &WrongMethodTypeError{Expected: mt, Actual: newType}
	}
	for j, i := range reorder {
		if i < 0 || i >= newType.NumParams() || newType.Param(i) != mt.Param(j) {
			return nil, &WrongMethodTypeError{Expected: mt, Actual: newType}
		}
	}
	f, d := rebindable(h)
	return newBound(newType, f.PermuteArguments(1, reorder, newType.Basic().Params), d), nil
}

// handles converts a list of handles to a list of storage values.
func handles(hs ...Handle) []interface{} {
	values := make([]interface{}, len(hs))
	for i, h := range hs {
		values[i] = h
	}
	return values
}

// FilterArguments returns a handle that applies filters[i], if not
// nil, to its argument pos+i before calling h. Each filter takes one
// argument and returns the type of the parameter it filters.
func FilterArguments(h Handle, pos int, filters ...Handle) (Handle, error) {
	mt := h.Type()
	if pos < 0 || pos+len(filters) > mt.NumParams() {
		return nil, fmt.Errorf("FilterArguments: %d filters at %d for %s", len(filters), pos, h)
	}
	newType := mt
	var used []Handle
	var positions []int
	for i, fl := range filters {
		if fl == nil {
			continue
		}
		p := pos + i
		ft := fl.Type()
		if ft.NumParams() != 1 || ft.Result() != mt.Param(p) {
			return nil, fmt.Errorf("FilterArguments: filter %s cannot produce parameter %d of %s", fl, p, h)
		}
		newType = newType.ChangeParam(p, ft.Param(0))
		used = append(used, fl)
		positions = append(positions, p)
	}
	if used == nil {
		return h, nil
	}
	s := handlesSpecies(1 + len(used))
	key := adapterKey{op: "filterArguments", sig: fmt.Sprint(positions), from: mt, to: newType}
	f := cachedForm(key, func() *form.Form {
		b := newBuilder("filterArguments", newType.Basic().Params)
		target := b.field(s, 0)
		args := b.invokeArgs(target, 0, mt.NumParams())
		for k, p := range positions {
			fl := b.field(s, k+1)
			args[p+1] = b.add(form.InvokeBasic(used[k].Type().Basic()), fl, b.param(p))
		}
		return b.build(b.add(form.InvokeBasic(mt.Basic()), args...))
	})
	return newBound(newType, f, mustStore(s, append([]interface{}{h}, handles(used...)...)...)), nil
}

// FilterReturnValue returns a handle that calls h and applies filter
// to its result. If h is void, filter takes no arguments.
func FilterReturnValue(h, filter Handle) (Handle, error) {
	mt, ft := h.Type(), filter.Type()
	ok := ft.NumParams() == 0
	if mt.Result() != nil {
		ok = ft.NumParams() == 1 && ft.Param(0) == mt.Result()
	}
	if !ok {
		return nil, fmt.Errorf("FilterReturnValue: filter %s does not accept the result of %s", filter, h)
	}
	newType := mt.ChangeResult(ft.Result())
	f := cachedForm(adapterKey{op: "filterReturnValue", from: mt, to: ft}, func() *form.Form {
		b := newBuilder("filterReturnValue", mt.Basic().Params)
		target := b.field(sLL, 0)
		fl := b.field(sLL, 1)
		r := b.add(form.InvokeBasic(mt.Basic()), b.invokeArgs(target, 0, mt.NumParams())...)
		fargs := []interface{}{fl}
		if mt.Result() != nil {
			fargs = append(fargs, r)
		}
		return b.build(b.add(form.InvokeBasic(ft.Basic()), fargs...))
	})
	return newBound(newType, f, mustStore(sLL, h, filter)), nil
}

// FoldArguments returns a handle that calls combiner on its leading
// arguments and then calls h with the result of combiner, unless it is
// void, followed by all its arguments.
func FoldArguments(h, combiner Handle) (Handle, error) {
	mt, ct := h.Type(), combiner.Type()
	k := ct.NumParams()
	skip := 1
	if ct.Result() == nil {
		skip = 0
	}
	ok := mt.NumParams() >= skip+k && (skip == 0 || mt.Param(0) == ct.Result())
	for i := 0; ok && i < k; i++ {
		ok = ct.Param(i) == mt.Param(skip+i)
	}
	if !ok {
		return nil, fmt.Errorf("FoldArguments: combiner %s does not fit %s", combiner, h)
	}
	newType := mt.DropParams(0, skip)
	f := cachedForm(adapterKey{op: "foldArguments", from: mt, to: ct}, func() *form.Form {
		b := newBuilder("foldArguments", newType.Basic().Params)
		target := b.field(sLL, 0)
		comb := b.field(sLL, 1)
		c := b.add(form.InvokeBasic(ct.Basic()), b.invokeArgs(comb, 0, k)...)
		args := []interface{}{target}
		if skip == 1 {
			args = append(args, c)
		}
		args = append(args, b.params(0, newType.NumParams())...)
		return b.build(b.add(form.InvokeBasic(mt.Basic()), args...))
	})
	return newBound(newType, f, mustStore(sLL, h, combiner)), nil
}

// GuardWithTest returns a handle that calls test on its leading
// arguments and then calls target if test returned true, or fallback
// otherwise, with all its arguments.
func GuardWithTest(test, target, fallback Handle) (Handle, error) {
	mt, tt := target.Type(), test.Type()
	if fallback.Type() != mt {
		return nil, &WrongMethodTypeError{Expected: mt, Actual: fallback.Type()}
	}
	ok := tt.Result() == boolType && tt.NumParams() <= mt.NumParams()
	for i := 0; ok && i < tt.NumParams(); i++ {
		ok = tt.Param(i) == mt.Param(i)
	}
	if !ok {
		return nil, fmt.Errorf("GuardWithTest: test %s does not fit %s", test, target)
	}
	f := cachedForm(adapterKey{op: "guardWithTest", from: mt, to: tt}, func() *form.Form {
		sig := mt.Basic()
		b := newBuilder("guardWithTest", sig.Params)
		tst := b.field(sLLL, 0)
		t1 := b.field(sLLL, 1)
		t2 := b.field(sLLL, 2)
		cond := b.add(form.InvokeBasic(tt.Basic()), b.invokeArgs(tst, 0, tt.NumParams())...)
		sel := b.add(form.SelectAlternative(), cond, t1, t2)
		return b.build(b.add(form.InvokeBasic(sig), b.invokeArgs(sel, 0, len(sig.Params))...))
	})
	return newBound(mt, f, mustStore(sLLL, test, target, fallback)), nil
}

// CatchException returns a handle that calls target and, if it fails
// with an error that matches exType (see form.MatchError), calls
// handler with the matched error followed by its arguments. Other
// errors are returned unchanged.
func CatchException(target Handle, exType reflect.Type, handler Handle) (Handle, error) {
	if exType == nil || exType.Kind() != reflect.Interface && !exType.Implements(basic.ErrorType) {
		return nil, fmt.Errorf("CatchException: %v is not an error type", exType)
	}
	mt := target.Type()
	if want := mt.InsertParams(0, exType); handler.Type() != want {
		return nil, &WrongMethodTypeError{Expected: want, Actual: handler.Type()}
	}
	sig := mt.Basic()
	f := cachedForm(adapterKey{op: "catchException", sig: sig.String()}, func() *form.Form {
		b := newBuilder("catchException", sig.Params)
		t := b.field(sLLL, 0)
		ex := b.field(sLLL, 1)
		hd := b.field(sLLL, 2)
		args := append([]interface{}{t, ex, hd}, b.params(0, len(sig.Params))...)
		return b.build(b.add(form.GuardWithCatch(sig), args...))
	})
	return newBound(mt, f, mustStore(sLLL, target, exType, handler)), nil
}

// AsType returns a handle of type newType that converts its arguments
// to the parameter types of h, calls h, and converts the result.
// Primitives are widened, boxed into references or unboxed from them;
// references are checked when the handle is called. A void result
// becomes the zero value of the new result type, and a result is
// dropped if newType is void.
func AsType(h Handle, newType *basic.MethodType) (Handle, error) {
	old := h.Type()
	if old == newType {
		return h, nil
	}
	cache := &h.handle().asType
	if e, ok := cache.Load().(*asTypeEntry); ok && e.mt == newType {
		return e.h, nil
	}
	ok := old.NumParams() == newType.NumParams()
	for i := 0; ok && i < old.NumParams(); i++ {
		ok = convertible(newType.Param(i), old.Param(i))
	}
	if ok && newType.Result() != nil && old.Result() != nil {
		ok = convertible(old.Result(), newType.Result())
	}
	if !ok {
		return nil, &WrongMethodTypeError{Expected: old, Actual: newType}
	}
	f := cachedForm(adapterKey{op: "asType", from: old, to: newType}, func() *form.Form {
		b := newBuilder("asType", newType.Basic().Params)
		target := b.field(sL, 0)
		args := []interface{}{target}
		for i := 0; i < old.NumParams(); i++ {
			args = append(args, b.convert(b.param(i), newType.Param(i), old.Param(i)))
		}
		r := b.add(form.InvokeBasic(old.Basic()), args...)
		switch {
		case newType.Result() == nil:
			return b.build(nil)
		case old.Result() == nil:
			return b.build(b.add(form.ZeroFunction(basic.Of(newType.Result()))))
		}
		return b.build(b.convert(r, old.Result(), newType.Result()))
	})
	a := newBound(newType, f, mustStore(sL, h))
	cache.Store(&asTypeEntry{mt: newType, h: a})
	return a, nil
}

// ExplicitCastArguments returns a handle of type newType that converts
// its arguments to the parameter types of h, calls h, and converts the
// result to the result type of newType. It performs the conversions of
// AsType, and also narrows primitives, converts between bool and the
// numeric types, and unboxes references of any numeric type. A nil
// reference unboxes to zero.
func ExplicitCastArguments(h Handle, newType *basic.MethodType) (Handle, error) {
	old := h.Type()
	if old == newType {
		return h, nil
	}
	if old.NumParams() != newType.NumParams() {
		return nil, &WrongMethodTypeError{Expected: old, Actual: newType}
	}
	f := cachedForm(adapterKey{op: "explicitCast", from: old, to: newType}, func() *form.Form {
		b := newBuilder("explicitCast", newType.Basic().Params)
		target := b.field(sL, 0)
		args := []interface{}{target}
		for i := 0; i < old.NumParams(); i++ {
			args = append(args, b.explicitConvert(b.param(i), newType.Param(i), old.Param(i)))
		}
		r := b.add(form.InvokeBasic(old.Basic()), args...)
		switch {
		case newType.Result() == nil:
			return b.build(nil)
		case old.Result() == nil:
			return b.build(b.add(form.ZeroFunction(basic.Of(newType.Result()))))
		}
		return b.build(b.explicitConvert(r, old.Result(), newType.Result()))
	})
	return newBound(newType, f, mustStore(sL, h)), nil
}

// AsSpreader returns a handle that takes its last count arguments in
// a single []interface{} array of that length, which it spreads into
// the trailing arguments of h.
func AsSpreader(h Handle, count int) (Handle, error) {
	mt := h.Type()
	n := mt.NumParams()
	if count < 0 || count > n {
		return nil, fmt.Errorf("AsSpreader: cannot spread %d arguments of %s", count, h)
	}
	lead := n - count
	newType := mt.DropParams(lead, n).AppendParams(basic.ArrayType)
	f := cachedForm(adapterKey{op: "asSpreader", from: mt, n: count}, func() *form.Form {
		b := newBuilder("asSpreader", newType.Basic().Params)
		target := b.field(sL, 0)
		array := b.add(checkSpreadArgument, b.param(lead), int32(count))
		args := b.invokeArgs(target, 0, lead)
		for i := 0; i < count; i++ {
			x := b.add(form.ArrayElement(), array, int32(i))
			args = append(args, b.convert(x, basic.AnyType, mt.Param(lead+i)))
		}
		return b.build(b.add(form.InvokeBasic(mt.Basic()), args...))
	})
	return newBound(newType, f, mustStore(sL, h)), nil
}

// AsCollector returns a handle that takes count trailing arguments in
// place of the last parameter of h, which must be a []interface{}
// array, and collects them into a new array.
func AsCollector(h Handle, count int) (Handle, error) {
	mt := h.Type()
	n := mt.NumParams()
	if n == 0 || mt.Param(n-1) != basic.ArrayType || count < 0 {
		return nil, fmt.Errorf("AsCollector: cannot collect %d arguments for %s", count, h)
	}
	anys := make([]reflect.Type, count)
	for i := range anys {
		anys[i] = basic.AnyType
	}
	newType := mt.DropParams(n-1, n).AppendParams(anys...)
	f := cachedForm(adapterKey{op: "asCollector", from: mt, n: count}, func() *form.Form {
		b := newBuilder("asCollector", newType.Basic().Params)
		target := b.field(sL, 0)
		array := b.add(form.MakeArray(count), b.params(n-1, n-1+count)...)
		args := append(b.invokeArgs(target, 0, n-1), array)
		return b.build(b.add(form.InvokeBasic(mt.Basic()), args...))
	})
	return newBound(newType, f, mustStore(sL, h)), nil
}

// AsVarargsCollector returns a handle like h, whose last parameter
// must be a []interface{} array, except that Invoke collects the
// trailing arguments of a call into that array.
func AsVarargsCollector(h Handle) (Handle, error) {
	mt := h.Type()
	n := mt.NumParams()
	if n == 0 || mt.Param(n-1) != basic.ArrayType {
		return nil, fmt.Errorf("AsVarargsCollector: last parameter of %s is not an array", h)
	}
	if h.IsVarargsCollector() {
		return h, nil
	}
	f, d := rebindable(h)
	v := newBound(mt, f, d)
	v.varargs = true
	return v, nil
}

// Identity returns the handle of type (t)t that returns its argument.
func Identity(t reflect.Type) Handle {
	bt := basic.Of(t)
	f := cachedForm(adapterKey{op: "identity", sig: bt.String()}, func() *form.Form {
		b := newBuilder("identity", []basic.Type{bt})
		return b.build(b.param(0))
	})
	return newBound(basic.MethodOf(t, t), f, emptyData)
}

// Constant returns a handle of type ()t that returns value.
func Constant(t reflect.Type, value interface{}) (Handle, error) {
	return InsertArguments(Identity(t), 0, value)
}

// Zero returns a handle of type ()t that returns the zero value of t.
// If t is nil, the handle is void and does nothing.
func Zero(t reflect.Type) Handle {
	bt := basic.Of(t)
	f := cachedForm(adapterKey{op: "zero", sig: bt.String()}, func() *form.Form {
		b := newBuilder("zero", nil)
		if bt == basic.V {
			return b.build(nil)
		}
		return b.build(b.add(form.ZeroFunction(bt)))
	})
	return newBound(basic.MethodOf(t), f, emptyData)
}

// Throw returns a handle of type (exType)t that fails with its argument.
func Throw(t, exType reflect.Type) (Handle, error) {
	if exType == nil || !exType.Implements(basic.ErrorType) {
		return nil, fmt.Errorf("Throw: %v is not an error type", exType)
	}
	bt := basic.Of(t)
	f := cachedForm(adapterKey{op: "throw", sig: bt.String()}, func() *form.Form {
		b := newBuilder("throw", []basic.Type{basic.L})
		return b.build(b.add(throwFunctions[bt], b.param(0)))
	})
	return newBound(basic.MethodOf(t, exType), f, emptyData), nil
}

// ArrayElementGetter returns a handle of type (arrayType, int32)elem
// that returns an element of a slice of type arrayType.
func ArrayElementGetter(arrayType reflect.Type) (Handle, error) {
	if arrayType == nil || arrayType.Kind() != reflect.Slice {
		return nil, fmt.Errorf("ArrayElementGetter: %v is not a slice type", arrayType)
	}
	elem := arrayType.Elem()
	mt := basic.MethodOf(elem, arrayType, indexType)
	f := cachedForm(adapterKey{op: "arrayElementGetter", from: mt}, func() *form.Form {
		b := newBuilder("arrayElementGetter", mt.Basic().Params)
		if arrayType == basic.ArrayType {
			return b.build(b.add(form.ArrayElement(), b.param(0), b.param(1)))
		}
		return b.build(b.add(arrayGetters[basic.Of(elem)], b.param(0), b.param(1)))
	})
	return newBound(mt, f, emptyData), nil
}

// ArrayElementSetter returns a handle of type (arrayType, int32, elem)
// that stores an element of a slice of type arrayType.
func ArrayElementSetter(arrayType reflect.Type) (Handle, error) {
	if arrayType == nil || arrayType.Kind() != reflect.Slice {
		return nil, fmt.Errorf("ArrayElementSetter: %v is not a slice type", arrayType)
	}
	mt := basic.MethodOf(nil, arrayType, indexType, arrayType.Elem())
	f := cachedForm(adapterKey{op: "arrayElementSetter", from: mt}, func() *form.Form {
		b := newBuilder("arrayElementSetter", mt.Basic().Params)
		b.add(arraySetters[basic.Of(arrayType.Elem())], b.param(0), b.param(1), b.param(2))
		return b.build(nil)
	})
	return newBound(mt, f, emptyData), nil
}
