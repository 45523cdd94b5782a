// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package basic defines the closed lattice of basic types to which all
// surface types erase, the erased Signatures built from them, and the
// fully typed MethodType used at call sites.
//
// There are six basic types: L (every reference type), I (int32 and the
// subword integer types bool, int8, int16 and uint16), J (int64),
// F (float32), D (float64) and V (no value). The engine represents a
// value of basic type I as an int32, J as an int64, F as a float32, D as
// a float64, and L as an arbitrary Go value, possibly nil.
package basic // import "go.callform.net/basic"

import (
	"fmt"
	"reflect"
)

// A Type is one of the six basic types.
type Type uint8

const (
	L Type = iota // reference
	I             // int32, and subword types
	J             // int64
	F             // float32
	D             // float64
	V             // void

	// ArgLimit is the number of basic types that may appear as a
	// parameter or as the type of a stored field.
	ArgLimit = int(V)
	// Limit is the number of basic types.
	Limit = int(V) + 1
)

var typeChars = [...]byte{L: 'L', I: 'I', J: 'J', F: 'F', D: 'D', V: 'V'}

// All lists every basic type in ordinal order.
var All = [...]Type{L, I, J, F, D, V}

// Args lists every basic type that is valid as a parameter.
var Args = [...]Type{L, I, J, F, D}

// Char returns the character that denotes t.
func (t Type) Char() byte {
	if int(t) < len(typeChars) {
		return typeChars[t]
	}
	return '?'
}

func (t Type) String() string { return string(t.Char()) }

// Slots returns the number of local variable slots occupied by a value
// of type t: two for J and D, none for V, one otherwise.
func (t Type) Slots() int {
	switch t {
	case J, D:
		return 2
	case V:
		return 0
	}
	return 1
}

// Valid reports whether t is one of the six basic types.
func (t Type) Valid() bool { return int(t) < Limit }

// IsArg reports whether t may be the type of a parameter.
func (t Type) IsArg() bool { return t < V }

// Zero returns the zero value of basic type t,
// or nil for L and V.
func (t Type) Zero() interface{} {
	switch t {
	case I:
		return int32(0)
	case J:
		return int64(0)
	case F:
		return float32(0)
	case D:
		return float64(0)
	}
	return nil
}

// Check reports whether v has the representation of basic type t.
// Any value, including nil, is a valid L; only nil is a valid V.
func (t Type) Check(v interface{}) bool {
	switch t {
	case L:
		return true
	case I:
		_, ok := v.(int32)
		return ok
	case J:
		_, ok := v.(int64)
		return ok
	case F:
		_, ok := v.(float32)
		return ok
	case D:
		_, ok := v.(float64)
		return ok
	case V:
		return v == nil
	}
	return false
}

// GoType returns the canonical Go type used to hold a value of basic
// type t, or nil for V.
func (t Type) GoType() reflect.Type {
	switch t {
	case L:
		return anyType
	case I:
		return int32Type
	case J:
		return int64Type
	case F:
		return float32Type
	case D:
		return float64Type
	}
	return nil
}

var (
	anyType     = reflect.TypeOf((*interface{})(nil)).Elem()
	int32Type   = reflect.TypeOf(int32(0))
	int64Type   = reflect.TypeOf(int64(0))
	float32Type = reflect.TypeOf(float32(0))
	float64Type = reflect.TypeOf(float64(0))
)

// FromChar returns the basic type denoted by c.
// The subword characters Z, B, S and C denote I.
func FromChar(c byte) (Type, error) {
	switch c {
	case 'L':
		return L, nil
	case 'I', 'Z', 'B', 'S', 'C':
		return I, nil
	case 'J':
		return J, nil
	case 'F':
		return F, nil
	case 'D':
		return D, nil
	case 'V':
		return V, nil
	}
	return V, fmt.Errorf("unknown basic type character %q", c)
}

// Types parses a string of basic type characters, such as "LIJ".
func Types(s string) ([]Type, error) {
	types := make([]Type, len(s))
	for i := 0; i < len(s); i++ {
		t, err := FromChar(s[i])
		if err != nil {
			return nil, err
		}
		types[i] = t
	}
	return types, nil
}

// MustTypes is like Types but panics if s is malformed.
func MustTypes(s string) []Type {
	types, err := Types(s)
	if err != nil {
		panic(err)
	}
	return types
}

// String returns the characters of a sequence of basic types.
func String(types []Type) string {
	buf := make([]byte, len(types))
	for i, t := range types {
		buf[i] = t.Char()
	}
	return string(buf)
}

// Of returns the basic type to which the Go type t erases.
// A nil type denotes the absence of a value and erases to V.
func Of(t reflect.Type) Type {
	if t == nil {
		return V
	}
	if t.Name() != "" && t.PkgPath() != "" {
		// Named types such as time.Duration are references:
		// their identity must survive erasure.
		return L
	}
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Uint16, reflect.Int32:
		return I
	case reflect.Int64:
		return J
	case reflect.Float32:
		return F
	case reflect.Float64:
		return D
	}
	return L
}

// IsSubword reports whether t is a surface type narrower than int32
// that erases to I.
func IsSubword(t reflect.Type) bool {
	if t == nil || Of(t) != I {
		return false
	}
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Uint16:
		return true
	}
	return false
}

// ValueOf returns the basic type whose representation v has,
// treating every non-primitive value (and nil) as L.
func ValueOf(v interface{}) Type {
	switch v.(type) {
	case int32:
		return I
	case int64:
		return J
	case float32:
		return F
	case float64:
		return D
	}
	return L
}
