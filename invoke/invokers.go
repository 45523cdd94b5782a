// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/member"
)

// Invokers holds the invoker handles of a MethodType. Each invoker
// takes a target handle as its first argument, followed by the
// arguments of a call of the target.
type Invokers struct {
	mt *basic.MethodType

	exact, generic, basic atomic.Value // Handle
	spreaders             sync.Map     // int -> Handle
}

var invokersTable sync.Map // *basic.MethodType -> *Invokers

// InvokersOf returns the Invokers of mt.
// There is one Invokers per MethodType.
func InvokersOf(mt *basic.MethodType) *Invokers {
	if inv, ok := invokersTable.Load(mt); ok {
		return inv.(*Invokers)
	}
	inv, _ := invokersTable.LoadOrStore(mt, &Invokers{mt: mt})
	return inv.(*Invokers)
}

// Type returns the MethodType of the calls that inv performs.
func (inv *Invokers) Type() *basic.MethodType { return inv.mt }

func (inv *Invokers) publish(slot *atomic.Value, h Handle) Handle {
	if !slot.CompareAndSwap(nil, h) {
		h = slot.Load().(Handle)
	}
	return h
}

// Exact returns the invoker that calls a target whose type is exactly
// that of inv, and fails with a *WrongMethodTypeError otherwise.
func (inv *Invokers) Exact() Handle {
	if h, ok := inv.exact.Load().(Handle); ok {
		return h
	}
	return inv.publish(&inv.exact, inv.checked("invokeExact", checkExactType))
}

// Generic returns the invoker that adapts a target to the type of inv,
// as AsType does, before calling it.
func (inv *Invokers) Generic() Handle {
	if h, ok := inv.generic.Load().(Handle); ok {
		return h
	}
	return inv.publish(&inv.generic, inv.checked("invoke", checkGenericType))
}

// checked returns an invoker that applies check to the target and the
// type of inv, then calls the handle that check returns.
func (inv *Invokers) checked(name string, check *form.Function) Handle {
	sig := inv.mt.Basic()
	b := newBuilder(name, append([]basic.Type{basic.L}, sig.Params...))
	target := b.add(check, b.param(0), inv.mt)
	r := b.add(form.InvokeBasic(sig), b.invokeArgs(target, 1, len(sig.Params)+1)...)
	return newBound(inv.mt.InsertParams(0, handleType), b.build(r), emptyData)
}

// Basic returns the invoker that calls a target through the erased
// signature of inv, without any check. Its type is the erasure of that
// of inv.
func (inv *Invokers) Basic() Handle {
	if h, ok := inv.basic.Load().(Handle); ok {
		return h
	}
	sig := inv.mt.Basic()
	f := cachedForm(adapterKey{op: "invokeBasic", sig: sig.String()}, func() *form.Form {
		b := newBuilder("invokeBasic", append([]basic.Type{basic.L}, sig.Params...))
		return b.build(b.add(form.InvokeBasic(sig), b.invokeArgs(b.param(0), 1, len(sig.Params)+1)...))
	})
	return inv.publish(&inv.basic, newBound(inv.mt.Erase().InsertParams(0, handleType), f, emptyData))
}

// Spreader returns the generic invoker whose arguments after the first
// leading ones are passed in a single []interface{} array.
func (inv *Invokers) Spreader(leading int) (Handle, error) {
	if h, ok := inv.spreaders.Load(leading); ok {
		return h.(Handle), nil
	}
	n := inv.mt.NumParams()
	if leading < 0 || leading > n {
		return nil, fmt.Errorf("Spreader(%d) of type %s", leading, inv.mt)
	}
	h, err := AsSpreader(inv.Generic(), n-leading)
	if err != nil {
		return nil, err
	}
	actual, _ := inv.spreaders.LoadOrStore(leading, h)
	return actual.(Handle), nil
}

// Functions of invokers and adapters.
var (
	methodTypeType = reflect.TypeOf((*basic.MethodType)(nil))
	invokableType  = reflect.TypeOf((*form.Invokable)(nil)).Elem()
	rtypeType      = reflect.TypeOf((*reflect.Type)(nil)).Elem()

	checkExactType = newFunction("checkExactType",
		basic.MethodOf(invokableType, invokableType, methodTypeType),
		func(args []interface{}) (interface{}, error) {
			h := args[0].(form.Invokable)
			mt := args[1].(*basic.MethodType)
			if h.Type() != mt {
				return nil, &WrongMethodTypeError{Expected: h.Type(), Actual: mt}
			}
			return h, nil
		})

	// checkGenericType is set in init; it refers to AsType.
	checkGenericType *form.Function

	checkSpreadArgument = newFunction("checkSpreadArgument",
		basic.MethodOf(basic.ArrayType, basic.ArrayType, reflect.TypeOf(int32(0))),
		func(args []interface{}) (interface{}, error) {
			array, _ := args[0].([]interface{})
			if n := args[1].(int32); len(array) != int(n) {
				return nil, fmt.Errorf("spread argument has length %d, want %d", len(array), n)
			}
			return array, nil
		})

	castFunction = newFunction("cast",
		basic.MethodOf(basic.AnyType, basic.AnyType, rtypeType),
		func(args []interface{}) (interface{}, error) {
			if err := member.CheckCast(args[1].(reflect.Type), args[0]); err != nil {
				return nil, err
			}
			return args[0], nil
		})

	// boxFunctions convert a primitive to a Go value of a given type,
	// such as bool or uint16, that has the same basic type.
	boxFunctions [basic.ArgLimit]*form.Function

	// throwFunctions return their error argument as an error.
	throwFunctions [basic.Limit]*form.Function

	// explicitCasts convert a Go value to a primitive type by
	// explicitCast.
	explicitCasts [basic.ArgLimit]*form.Function

	// arrayGetters and arraySetters access an element of a slice of
	// any type whose elements have a given basic type.
	arrayGetters [basic.ArgLimit]*form.Function
	arraySetters [basic.ArgLimit]*form.Function
)

func init() {
	checkGenericType = newFunction("checkGenericType",
		basic.MethodOf(invokableType, invokableType, methodTypeType),
		func(args []interface{}) (interface{}, error) {
			mt := args[1].(*basic.MethodType)
			switch h := args[0].(type) {
			case Handle:
				return AsType(h, mt)
			case form.Invokable:
				if h.Type() == mt {
					return h, nil
				}
				return nil, &WrongMethodTypeError{Expected: h.Type(), Actual: mt}
			}
			return nil, fmt.Errorf("invoke: %T is not a handle", args[0])
		})
	for _, t := range basic.Args {
		if t == basic.L {
			continue
		}
		boxFunctions[t] = newFunction("boxAs_"+t.String(),
			basic.MethodOf(basic.AnyType, t.GoType(), rtypeType),
			func(args []interface{}) (interface{}, error) {
				return member.FromBasic(args[0], args[1].(reflect.Type))
			})
	}
	for _, t := range basic.Args {
		goType := t.GoType()
		if t != basic.L {
			explicitCasts[t] = newFunction("explicitCast_"+t.String(),
				basic.MethodOf(goType, basic.AnyType, rtypeType),
				func(args []interface{}) (interface{}, error) {
					t := args[1].(reflect.Type)
					x, err := explicitCast(args[0], t)
					if err != nil {
						return nil, err
					}
					return member.ToBasic(x, t)
				})
		}
		arrayGetters[t] = newFunction("arrayGet_"+t.String(),
			basic.MethodOf(goType, basic.AnyType, indexType),
			func(args []interface{}) (interface{}, error) {
				v, i, err := sliceIndex(args[0], args[1].(int32))
				if err != nil {
					return nil, err
				}
				return member.ToBasic(v.Index(i).Interface(), v.Type().Elem())
			})
		arraySetters[t] = newFunction("arraySet_"+t.String(),
			basic.MethodOf(nil, basic.AnyType, indexType, goType),
			func(args []interface{}) (interface{}, error) {
				v, i, err := sliceIndex(args[0], args[1].(int32))
				if err != nil {
					return nil, err
				}
				elem := v.Type().Elem()
				x, err := member.FromBasic(args[2], elem)
				if err != nil {
					return nil, err
				}
				if err := member.CheckCast(elem, x); err != nil {
					return nil, err
				}
				if x == nil {
					v.Index(i).Set(reflect.Zero(elem))
				} else {
					v.Index(i).Set(reflect.ValueOf(x))
				}
				return nil, nil
			})
	}
	for _, t := range basic.All {
		throwFunctions[t] = newFunction("throw_"+t.String(),
			basic.MethodOf(t.GoType(), basic.ErrorType),
			func(args []interface{}) (interface{}, error) {
				err, _ := args[0].(error)
				if err == nil {
					return nil, errors.New("invoke: throw of nil error")
				}
				return nil, err
			})
	}
}

const functionOwner = "Invokers"

func newFunction(name string, mt *basic.MethodType, target member.Target) *form.Function {
	return form.NewFunction(member.New(functionOwner, name, member.Static, mt), target)
}

// sliceIndex returns the slice x and the index i, which must be in range.
func sliceIndex(x interface{}, i int32) (reflect.Value, int, error) {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Slice {
		return v, 0, fmt.Errorf("invoke: %T is not a slice", x)
	}
	if i < 0 || int(i) >= v.Len() {
		return v, 0, fmt.Errorf("array index %d out of range [0:%d]", i, v.Len())
	}
	return v, int(i), nil
}

// explicitCast converts x to the primitive type t by the conversion
// rules of Go, truncating integers and floats as needed. A bool
// converts to the integers 1 and 0, and a number converts to bool by
// the lowest bit of its integer part. A nil x converts to zero.
func explicitCast(x interface{}, t reflect.Type) (interface{}, error) {
	if x == nil {
		return reflect.Zero(t).Interface(), nil
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Bool {
		n := int64(0)
		if v.Bool() {
			n = 1
		}
		v = reflect.ValueOf(n)
	}
	var n int64
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n = int64(v.Uint())
	case reflect.Float32, reflect.Float64:
		n = int64(v.Float())
	default:
		return nil, &member.CastError{From: v.Type(), To: t}
	}
	if t.Kind() == reflect.Bool {
		return n&1 != 0, nil
	}
	return v.Convert(t).Interface(), nil
}
