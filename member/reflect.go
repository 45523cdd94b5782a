// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package member

// This file defines the conversions between Go values and engine values.

import (
	"fmt"
	"reflect"
	"runtime"

	"go.callform.net/basic"
)

// A CastError reports that a reference value is not assignable
// to a required type.
type CastError struct {
	From reflect.Type // nil for a nil value
	To   reflect.Type
}

func (e *CastError) Error() string {
	if e.From == nil {
		return fmt.Sprintf("cannot cast nil to %s", e.To)
	}
	return fmt.Sprintf("cannot cast %s to %s", e.From, e.To)
}

// CheckCast reports whether the reference value v may be used
// where a value of type t is required.
// A nil t, or the empty interface, accepts every value.
func CheckCast(t reflect.Type, v interface{}) error {
	if t == nil || t == basic.AnyType {
		return nil
	}
	if v == nil {
		if nillable(t) {
			return nil
		}
		return &CastError{To: t}
	}
	if vt := reflect.TypeOf(v); !vt.AssignableTo(t) {
		return &CastError{From: vt, To: t}
	}
	return nil
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}

// Narrow truncates an int32 to the range of the subword type t.
// For types that are not subword it returns x unchanged.
func Narrow(t reflect.Type, x int32) int32 {
	if t == nil {
		return x
	}
	switch t.Kind() {
	case reflect.Bool:
		return x & 1
	case reflect.Int8:
		return int32(int8(x))
	case reflect.Int16:
		return int32(int16(x))
	case reflect.Uint16:
		return int32(uint16(x))
	}
	return x
}

// FuncOf converts a Go function into a Target and its MethodType.
//
// If the function's last result has type error, it becomes the error
// of the Target and is excluded from the MethodType. At most one other
// result is permitted. A panic in the function is reported as an error.
func FuncOf(name string, fn interface{}) (Target, *basic.MethodType, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, nil, fmt.Errorf("%s: got %T, want func", name, fn)
	}
	if v.IsNil() {
		return nil, nil, fmt.Errorf("%s: nil function", name)
	}
	ft := v.Type()

	nout := ft.NumOut()
	hasErr := nout > 0 && ft.Out(nout-1) == basic.ErrorType
	if hasErr {
		nout--
	}
	if nout > 1 {
		return nil, nil, fmt.Errorf("%s: %s has too many results", name, ft)
	}

	params := make([]reflect.Type, ft.NumIn())
	for i := range params {
		params[i] = ft.In(i)
	}
	var result reflect.Type
	if nout == 1 {
		result = ft.Out(0)
	}
	mt := basic.MethodOf(result, params...)

	variadic := ft.IsVariadic()
	target := func(args []interface{}) (_ interface{}, err error) {
		if len(args) != len(params) {
			return nil, fmt.Errorf("in call to %s, got %d arguments, want %d", name, len(args), len(params))
		}
		in := make([]reflect.Value, len(args))
		for i, arg := range args {
			x, err := toGo(arg, params[i])
			if err != nil {
				return nil, fmt.Errorf("in argument %d of call to %s: %w", i+1, name, err)
			}
			in[i] = x
		}

		var out []reflect.Value
		if err := protect(name, func() {
			if variadic {
				out = v.CallSlice(in)
			} else {
				out = v.Call(in)
			}
		}); err != nil {
			return nil, err
		}
		if hasErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return nil, e.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		if len(out) == 0 {
			return nil, nil
		}
		return fromGo(out[0]), nil
	}
	return target, mt, nil
}

// toGo converts an engine value to a Go value of type t.
func toGo(x interface{}, t reflect.Type) (reflect.Value, error) {
	switch basic.Of(t) {
	case basic.I:
		i, ok := x.(int32)
		if !ok {
			return reflect.Value{}, fmt.Errorf("got %T, want int32 for %s", x, t)
		}
		switch t.Kind() {
		case reflect.Bool:
			return reflect.ValueOf(i&1 != 0), nil
		case reflect.Int8:
			return reflect.ValueOf(int8(i)), nil
		case reflect.Int16:
			return reflect.ValueOf(int16(i)), nil
		case reflect.Uint16:
			return reflect.ValueOf(uint16(i)), nil
		}
		return reflect.ValueOf(i), nil
	case basic.J, basic.F, basic.D:
		if !basic.Of(t).Check(x) {
			return reflect.Value{}, fmt.Errorf("got %T, want %s", x, t)
		}
		return reflect.ValueOf(x), nil
	}
	if err := CheckCast(t, x); err != nil {
		return reflect.Value{}, err
	}
	if x == nil {
		return reflect.Zero(t), nil
	}
	return reflect.ValueOf(x), nil
}

// fromGo converts a Go value to an engine value.
func fromGo(v reflect.Value) interface{} {
	switch basic.Of(v.Type()) {
	case basic.I:
		switch v.Kind() {
		case reflect.Bool:
			if v.Bool() {
				return int32(1)
			}
			return int32(0)
		case reflect.Uint16:
			return int32(v.Uint())
		}
		return int32(v.Int())
	case basic.J:
		return v.Int()
	case basic.F:
		return float32(v.Float())
	case basic.D:
		return v.Float()
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return nil
	}
	return v.Interface()
}

// ToBasic converts a Go value to the engine representation of a value
// of type t. A reference is checked against t. A primitive may be given
// either as a value assignable to t or already in its representation.
func ToBasic(x interface{}, t reflect.Type) (interface{}, error) {
	bt := basic.Of(t)
	if bt == basic.L {
		if err := CheckCast(t, x); err != nil {
			return nil, err
		}
		return x, nil
	}
	if bt == basic.V {
		return nil, nil
	}
	if x == nil {
		return nil, &CastError{To: t}
	}
	v := reflect.ValueOf(x)
	if v.Type().AssignableTo(t) {
		return fromGo(v), nil
	}
	if bt.Check(x) {
		if bt == basic.I {
			return Narrow(t, x.(int32)), nil
		}
		return x, nil
	}
	return nil, &CastError{From: v.Type(), To: t}
}

// FromBasic converts a value in the engine representation of type t
// to a Go value of type t. A nil t denotes void, for which the result
// is nil.
func FromBasic(x interface{}, t reflect.Type) (interface{}, error) {
	switch basic.Of(t) {
	case basic.V:
		return nil, nil
	case basic.L:
		return x, nil
	}
	v, err := toGo(x, t)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// A PanicError records a panic in a called Go function.
type PanicError struct {
	Name  string
	Value interface{}
	Stack []runtime.Frame
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in %s: %v", e.Name, e.Value) }

// An Unrecoverable error reports a violated invariant of the engine.
// A panic with an Unrecoverable value raised by a nested call of a
// registered function is not converted into a *PanicError.
type Unrecoverable interface {
	error
	Unrecoverable()
}

// protect invokes f, converting a panic into a *PanicError
// with a stack of the Go frames below this point.
// Panics with Unrecoverable values continue.
func protect(name string, f func()) (err error) {
	thispc, _, _, _ := runtime.Caller(0)
	ok := false
	defer func() {
		if ok {
			return // success
		}
		x := recover()
		if _, fatal := x.(Unrecoverable); fatal {
			panic(x)
		}
		thisFunc := runtime.FuncForPC(thispc)

		// Build list of Go frames (innermost first).
		pcs := make([]uintptr, 32)
		pcs = pcs[:runtime.Callers(2, pcs)]
		var stack []runtime.Frame
		frames := runtime.CallersFrames(pcs)
		for {
			frame, more := frames.Next()
			if !more {
				break
			}
			stack = append(stack, frame)
			if frame.Func == thisFunc {
				break
			}
			if frame.Function == "runtime.gopanic" {
				stack = stack[:0] // don't show gopanic or its children
			}
		}
		err = &PanicError{Name: name, Value: x, Stack: stack}
	}()

	f()

	ok = true
	return nil
}
