// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basic

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// A MethodType is a fully typed call shape: the Go types of the
// parameters and of the result (nil for no result).
//
// MethodTypes are interned: MethodOf returns the same pointer for
// the same sequence of types, so pointer comparison is type equality.
// A MethodType must not be modified.
type MethodType struct {
	params []reflect.Type
	result reflect.Type // nil => void
	key    string
	sig    Signature
	erased atomic.Value // *MethodType
}

var (
	// AnyType is the type of interface{}, the erasure of every reference type.
	AnyType = anyType
	// ErrorType is the type of the error interface.
	ErrorType = reflect.TypeOf((*error)(nil)).Elem()
	// ArrayType is the type of the argument arrays built by spreaders
	// and collectors.
	ArrayType = reflect.TypeOf([]interface{}(nil))
)

var (
	methodTypes sync.Map // string -> *MethodType
	typeIDs     sync.Map // reflect.Type -> string
	nextTypeID  uint32
)

// typeID returns a short string that uniquely identifies t
// within this process.
func typeID(t reflect.Type) string {
	if t == nil {
		return "v"
	}
	if id, ok := typeIDs.Load(t); ok {
		return id.(string)
	}
	id := strconv.FormatUint(uint64(atomic.AddUint32(&nextTypeID, 1)), 36)
	actual, _ := typeIDs.LoadOrStore(t, id)
	return actual.(string)
}

// MethodOf returns the interned MethodType with the given result
// and parameter types. A nil result denotes void.
func MethodOf(result reflect.Type, params ...reflect.Type) *MethodType {
	var buf strings.Builder
	for i, p := range params {
		if p == nil {
			panic(fmt.Sprintf("MethodOf: nil type for parameter %d", i))
		}
		buf.WriteString(typeID(p))
		buf.WriteByte(',')
	}
	buf.WriteByte('>')
	buf.WriteString(typeID(result))
	key := buf.String()

	if mt, ok := methodTypes.Load(key); ok {
		return mt.(*MethodType)
	}
	mt := &MethodType{
		params: append([]reflect.Type(nil), params...),
		result: result,
		key:    key,
	}
	mt.sig.Result = Of(result)
	mt.sig.Params = make([]Type, len(params))
	for i, p := range params {
		mt.sig.Params[i] = Of(p)
	}
	actual, _ := methodTypes.LoadOrStore(key, mt)
	return actual.(*MethodType)
}

// GenericMethod returns the type of n interface{} parameters
// and an interface{} result.
func GenericMethod(n int) *MethodType {
	params := make([]reflect.Type, n)
	for i := range params {
		params[i] = anyType
	}
	return MethodOf(anyType, params...)
}

// MethodOfSignature returns the MethodType whose types are the
// canonical Go types of the basic types of sig.
func MethodOfSignature(sig Signature) *MethodType {
	params := make([]reflect.Type, len(sig.Params))
	for i, p := range sig.Params {
		params[i] = p.GoType()
	}
	return MethodOf(sig.Result.GoType(), params...)
}

// NumParams returns the number of parameters.
func (mt *MethodType) NumParams() int { return len(mt.params) }

// Param returns the type of the ith parameter.
func (mt *MethodType) Param(i int) reflect.Type { return mt.params[i] }

// Params returns a copy of the parameter types.
func (mt *MethodType) Params() []reflect.Type { return append([]reflect.Type(nil), mt.params...) }

// Result returns the result type, or nil if the method is void.
func (mt *MethodType) Result() reflect.Type { return mt.result }

// Basic returns the erased signature of mt.
func (mt *MethodType) Basic() Signature { return mt.sig }

// Erase returns the MethodType whose types are the canonical
// representations of the basic types of mt.
func (mt *MethodType) Erase() *MethodType {
	if e, ok := mt.erased.Load().(*MethodType); ok {
		return e
	}
	e := MethodOfSignature(mt.sig)
	mt.erased.Store(e) // every writer stores the same interned pointer
	return e
}

// DropParams returns mt without parameters [from:to).
func (mt *MethodType) DropParams(from, to int) *MethodType {
	params := append(mt.Params()[:from:from], mt.params[to:]...)
	return MethodOf(mt.result, params...)
}

// InsertParams returns mt with types inserted before parameter pos.
func (mt *MethodType) InsertParams(pos int, types ...reflect.Type) *MethodType {
	params := make([]reflect.Type, 0, len(mt.params)+len(types))
	params = append(params, mt.params[:pos]...)
	params = append(params, types...)
	params = append(params, mt.params[pos:]...)
	return MethodOf(mt.result, params...)
}

// AppendParams returns mt with types appended to its parameters.
func (mt *MethodType) AppendParams(types ...reflect.Type) *MethodType {
	return mt.InsertParams(len(mt.params), types...)
}

// ChangeParam returns mt with the type of parameter i replaced.
func (mt *MethodType) ChangeParam(i int, t reflect.Type) *MethodType {
	params := mt.Params()
	params[i] = t
	return MethodOf(mt.result, params...)
}

// ChangeResult returns mt with its result type replaced.
func (mt *MethodType) ChangeResult(t reflect.Type) *MethodType {
	return MethodOf(t, mt.params...)
}

func (mt *MethodType) String() string {
	var buf strings.Builder
	buf.WriteByte('(')
	for i, p := range mt.params {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(p.String())
	}
	buf.WriteByte(')')
	if mt.result == nil {
		buf.WriteString("void")
	} else {
		buf.WriteString(mt.result.String())
	}
	return buf.String()
}
