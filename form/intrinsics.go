// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

// This file defines the intrinsic Functions: engine operations that
// exist before any storage shape or generated code, and that the code
// generator recognizes by kind.

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"go.callform.net/basic"
	"go.callform.net/member"
)

// An Intrinsic identifies an engine operation that the code generator
// treats specially.
type Intrinsic uint8

const (
	NotIntrinsic Intrinsic = iota
	IdentityIntrinsic
	ZeroIntrinsic
	SelectAlternativeIntrinsic
	GuardWithCatchIntrinsic
	InvokeBasicIntrinsic
	HelperIntrinsic // array, conversion and boxing helpers
)

const intrinsicOwner = "Intrinsics"

// An Invokable is a value that can be called through its erased
// signature: a method handle. InvokeBasic must not retain args.
type Invokable interface {
	Type() *basic.MethodType
	InvokeBasic(args []interface{}) (interface{}, error)
}

var (
	invokableType = reflect.TypeOf((*Invokable)(nil)).Elem()
	rtypeType     = reflect.TypeOf((*reflect.Type)(nil)).Elem()
	boolType      = reflect.TypeOf(false)
)

// Phase-1 intrinsics: pure data, built before anything else.
var (
	identities  [basic.ArgLimit]*Function
	zeros       [basic.Limit]*Function
	boxes       [basic.ArgLimit]*Function
	unboxes     [basic.ArgLimit]*Function
	conversions [basic.ArgLimit][basic.ArgLimit]*Function

	selectAlternative *Function
	arrayElement      *Function
	arrayLength       *Function
)

func init() {
	for _, t := range basic.Args {
		t := t
		gt := t.GoType()
		identities[t] = newIntrinsic(IdentityIntrinsic, "identity_"+t.String(), basic.MethodOf(gt, gt),
			func(args []interface{}) (interface{}, error) { return args[0], nil })
		boxes[t] = newIntrinsic(HelperIntrinsic, "box_"+t.String(), basic.MethodOf(basic.AnyType, gt),
			func(args []interface{}) (interface{}, error) { return args[0], nil })
		unboxes[t] = newIntrinsic(HelperIntrinsic, "unbox_"+t.String(), basic.MethodOf(gt, basic.AnyType),
			func(args []interface{}) (interface{}, error) { return unbox(t, args[0]) })
	}
	for _, t := range basic.All {
		t := t
		zero := t.Zero()
		zeros[t] = newIntrinsic(ZeroIntrinsic, "zero_"+t.String(), basic.MethodOf(t.GoType()),
			func(args []interface{}) (interface{}, error) { return zero, nil })
	}
	for _, from := range basic.Args {
		for _, to := range basic.Args {
			if from == to || from == basic.L || to == basic.L || !widens(from, to) {
				continue
			}
			from, to := from, to
			conversions[from][to] = newIntrinsic(HelperIntrinsic, "convert_"+from.String()+to.String(),
				basic.MethodOf(to.GoType(), from.GoType()),
				func(args []interface{}) (interface{}, error) { return widen(args[0], to), nil })
		}
	}

	selectAlternative = newIntrinsic(SelectAlternativeIntrinsic, "selectAlternative",
		basic.MethodOf(basic.AnyType, boolType, basic.AnyType, basic.AnyType),
		func(args []interface{}) (interface{}, error) {
			if args[0].(int32) != 0 {
				return args[1], nil
			}
			return args[2], nil
		})
	arrayElement = newIntrinsic(HelperIntrinsic, "arrayElement",
		basic.MethodOf(basic.AnyType, basic.ArrayType, basic.I.GoType()),
		func(args []interface{}) (interface{}, error) {
			array, _ := args[0].([]interface{})
			i := int(args[1].(int32))
			if i < 0 || i >= len(array) {
				return nil, fmt.Errorf("array index %d out of range [0:%d]", i, len(array))
			}
			return array[i], nil
		})
	arrayLength = newIntrinsic(HelperIntrinsic, "arrayLength",
		basic.MethodOf(basic.I.GoType(), basic.ArrayType),
		func(args []interface{}) (interface{}, error) {
			array, _ := args[0].([]interface{})
			return int32(len(array)), nil
		})
}

// IdentityFunction returns the intrinsic that returns its argument of type t.
func IdentityFunction(t basic.Type) *Function { return identities[t] }

// ZeroFunction returns the intrinsic with no parameters that returns
// the zero value of t.
func ZeroFunction(t basic.Type) *Function { return zeros[t] }

// SelectAlternative returns the intrinsic (test bool, a, b) that
// returns a if test is nonzero and b otherwise.
func SelectAlternative() *Function { return selectAlternative }

// ArrayElement returns the intrinsic (array []interface{}, i int32)
// that returns array[i].
func ArrayElement() *Function { return arrayElement }

// ArrayLength returns the intrinsic that returns the length of an
// argument array.
func ArrayLength() *Function { return arrayLength }

// Box returns the intrinsic that converts a value of type t to a reference.
func Box(t basic.Type) *Function { return boxes[t] }

// Unbox returns the intrinsic that converts a reference to a value of
// type t, accepting any Go integer or float value that widens to t.
func Unbox(t basic.Type) *Function { return unboxes[t] }

// Convert returns the intrinsic that widens a primitive of type from
// to type to, or nil if there is no such widening.
func Convert(from, to basic.Type) *Function {
	if !from.IsArg() || !to.IsArg() {
		return nil
	}
	return conversions[from][to]
}

// widens reports whether a primitive of basic type from converts
// implicitly to basic type to.
func widens(from, to basic.Type) bool {
	switch from {
	case basic.I:
		return to == basic.J || to == basic.F || to == basic.D
	case basic.J:
		return to == basic.F || to == basic.D
	case basic.F:
		return to == basic.D
	}
	return false
}

func widen(x interface{}, to basic.Type) interface{} {
	var f float64
	var i int64
	isInt := true
	switch x := x.(type) {
	case int32:
		i = int64(x)
	case int64:
		i = x
	case float32:
		f, isInt = float64(x), false
	case float64:
		f, isInt = x, false
	}
	if isInt {
		f = float64(i)
	}
	switch to {
	case basic.I:
		return int32(i)
	case basic.J:
		return i
	case basic.F:
		if isInt {
			return float32(i)
		}
		return float32(f)
	}
	return f
}

// unbox converts a Go value to the representation of t.
func unbox(t basic.Type, x interface{}) (interface{}, error) {
	if t == basic.L || t.Check(x) {
		return x, nil
	}
	switch x := x.(type) {
	case bool:
		if t == basic.I {
			if x {
				return int32(1), nil
			}
			return int32(0), nil
		}
	case int8:
		return unboxWiden(basic.I, t, int32(x), x)
	case int16:
		return unboxWiden(basic.I, t, int32(x), x)
	case uint16:
		return unboxWiden(basic.I, t, int32(x), x)
	case int32:
		return unboxWiden(basic.I, t, x, x)
	case int64:
		return unboxWiden(basic.J, t, x, x)
	case float32:
		return unboxWiden(basic.F, t, x, x)
	}
	return nil, castError(x, t)
}

func unboxWiden(from, to basic.Type, repr, orig interface{}) (interface{}, error) {
	if from == to {
		return repr, nil
	}
	if widens(from, to) {
		return widen(repr, to), nil
	}
	return nil, castError(orig, to)
}

func castError(x interface{}, t basic.Type) error {
	var from reflect.Type
	if x != nil {
		from = reflect.TypeOf(x)
	}
	return &member.CastError{From: from, To: t.GoType()}
}

var (
	guardsWithCatch sync.Map // signature string -> *Function
	invokeBasics    sync.Map // signature string -> *Function
	makeArrays      sync.Map // int -> *Function
)

// GuardWithCatch returns the intrinsic
//
//	(target, exType, catcher, args...)
//
// that invokes the Invokable target on args and, if it fails with an
// error matching the reflect.Type exType (see MatchError), invokes the
// Invokable catcher with the matched error prepended to args.
// Errors that do not match are returned unchanged.
// The signature of target is sig, and that of catcher is sig with an
// additional leading L parameter.
func GuardWithCatch(sig basic.Signature) *Function {
	key := sig.String()
	if fn, ok := guardsWithCatch.Load(key); ok {
		return fn.(*Function)
	}
	params := []reflect.Type{invokableType, rtypeType, invokableType}
	for _, p := range sig.Params {
		params = append(params, p.GoType())
	}
	fn := newIntrinsic(GuardWithCatchIntrinsic, "guardWithCatch_"+key,
		basic.MethodOf(sig.Result.GoType(), params...),
		func(args []interface{}) (interface{}, error) {
			target, _ := args[0].(Invokable)
			exType, _ := args[1].(reflect.Type)
			catcher, _ := args[2].(Invokable)
			if target == nil || catcher == nil {
				internalErrorf("guardWithCatch: missing target or catcher")
			}
			rest := args[3:]
			res, err := target.InvokeBasic(rest)
			if err == nil {
				return res, nil
			}
			ex, ok := MatchError(err, exType)
			if !ok {
				return nil, err
			}
			return catcher.InvokeBasic(prepend(ex, rest))
		})
	actual, _ := guardsWithCatch.LoadOrStore(key, fn)
	return actual.(*Function)
}

// InvokeBasic returns the intrinsic (h, args...) that invokes the
// Invokable h through its erased signature sig.
func InvokeBasic(sig basic.Signature) *Function {
	key := sig.String()
	if fn, ok := invokeBasics.Load(key); ok {
		return fn.(*Function)
	}
	params := []reflect.Type{invokableType}
	for _, p := range sig.Params {
		params = append(params, p.GoType())
	}
	fn := newIntrinsic(InvokeBasicIntrinsic, "invokeBasic_"+key,
		basic.MethodOf(sig.Result.GoType(), params...),
		func(args []interface{}) (interface{}, error) {
			h, _ := args[0].(Invokable)
			if h == nil {
				return nil, errors.New("invokeBasic: nil handle")
			}
			return h.InvokeBasic(args[1:])
		})
	actual, _ := invokeBasics.LoadOrStore(key, fn)
	return actual.(*Function)
}

// MakeArray returns the intrinsic that collects its n reference
// arguments into a new []interface{}.
func MakeArray(n int) *Function {
	if fn, ok := makeArrays.Load(n); ok {
		return fn.(*Function)
	}
	params := make([]reflect.Type, n)
	for i := range params {
		params[i] = basic.AnyType
	}
	fn := newIntrinsic(HelperIntrinsic, "makeArray_"+strconv.Itoa(n),
		basic.MethodOf(basic.ArrayType, params...),
		func(args []interface{}) (interface{}, error) {
			return append([]interface{}{}, args...), nil
		})
	actual, _ := makeArrays.LoadOrStore(n, fn)
	return actual.(*Function)
}

// MatchError reports whether err, or an error in its chain, has type t,
// and if so returns that error. An interface type t matches any error
// that implements it, so basic.ErrorType matches every error.
func MatchError(err error, t reflect.Type) (interface{}, bool) {
	if err == nil || t == nil {
		return nil, false
	}
	if t.Kind() != reflect.Interface && !t.Implements(basic.ErrorType) {
		return nil, false
	}
	p := reflect.New(t)
	if !errors.As(err, p.Interface()) {
		return nil, false
	}
	return p.Elem().Interface(), true
}

func prepend(x interface{}, args []interface{}) []interface{} {
	res := make([]interface{}, 0, len(args)+1)
	res = append(res, x)
	return append(res, args...)
}

// LookupIntrinsic returns the intrinsic with the given name, such as
// "Intrinsics.identity_L" or "Intrinsics.guardWithCatch_LL_L".
// The owner prefix is optional.
func LookupIntrinsic(name string) (*Function, bool) {
	name = strings.TrimPrefix(name, intrinsicOwner+".")
	op, arg := name, ""
	if i := strings.IndexByte(name, '_'); i >= 0 {
		op, arg = name[:i], name[i+1:]
	}
	oneType := func() (basic.Type, bool) {
		if len(arg) != 1 {
			return 0, false
		}
		t, err := basic.FromChar(arg[0])
		return t, err == nil && arg[0] == t.Char()
	}
	switch op {
	case "identity", "box", "unbox":
		t, ok := oneType()
		if !ok || !t.IsArg() {
			return nil, false
		}
		switch op {
		case "identity":
			return IdentityFunction(t), true
		case "box":
			return Box(t), true
		}
		return Unbox(t), true
	case "zero":
		t, ok := oneType()
		if !ok {
			return nil, false
		}
		return ZeroFunction(t), true
	case "convert":
		if len(arg) != 2 {
			return nil, false
		}
		from, err1 := basic.FromChar(arg[0])
		to, err2 := basic.FromChar(arg[1])
		if err1 != nil || err2 != nil {
			return nil, false
		}
		fn := Convert(from, to)
		return fn, fn != nil
	case "selectAlternative":
		return selectAlternative, arg == ""
	case "arrayElement":
		return arrayElement, arg == ""
	case "arrayLength":
		return arrayLength, arg == ""
	case "makeArray":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return nil, false
		}
		return MakeArray(n), true
	case "guardWithCatch", "invokeBasic":
		sig, err := basic.ParseSignature(arg)
		if err != nil {
			return nil, false
		}
		if op == "guardWithCatch" {
			return GuardWithCatch(sig), true
		}
		return InvokeBasic(sig), true
	}
	return nil, false
}
