// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package invoketest defines utilities for testing the engine: a
// registry of sample members, Form-text lookup over it, and the error
// types those members report.
package invoketest // import "go.callform.net/invoketest"

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"go.callform.net/form"
	"go.callform.net/member"
)

// An XError is reported by Errors.failX.
type XError struct{ Msg string }

func (e *XError) Error() string { return "X: " + e.Msg }

// A YError is reported by Errors.failY.
type YError struct{ Msg string }

func (e *YError) Error() string { return "Y: " + e.Msg }

// ErrDivideByZero is reported by Math.div.
var ErrDivideByZero = errors.New("division by zero")

// A Counter counts calls of Counter.incr, to detect repeated side effects.
type Counter struct{ n int32 }

// Load returns the number of increments so far.
func (c *Counter) Load() int32 { return atomic.LoadInt32(&c.n) }

// Registry returns a new registry holding the sample members:
//
//	Strings.concat(a, b string) string
//	Strings.length(s string) int32
//	Strings.upper(s string) string
//	Strings.repeat(s string, n int32) (string, error)
//	Strings.join(sep string, parts ...string) string
//	Strings._secret() string                        (inaccessible)
//	Math.add(x, y int32) int32
//	Math.addLong(x, y int64) int64
//	Math.mix(i int32, j int64, f float32, d float64) float64
//	Math.negate(x int32) int32
//	Math.isPositive(x int32) bool
//	Math.div(x, y int32) (int32, error)
//	Math.toByte(x int8) int8
//	Errors.failX(s string) (int32, error)           (always *XError)
//	Errors.failY(s string) (int32, error)           (always *YError)
//	Errors.recoverX(e *XError, s string) int32      (returns -1)
//	Errors.message(e error) string
//	Counter.incr(c *Counter) int32                  (virtual)
//	Counter.new() *Counter                          (constructor)
func Registry() *member.Registry {
	r := member.NewRegistry()
	r.MustDefine("Strings", "concat", member.Static, func(a, b string) string { return a + b })
	r.MustDefine("Strings", "length", member.Static, func(s string) int32 { return int32(len(s)) })
	r.MustDefine("Strings", "upper", member.Static, strings.ToUpper)
	r.MustDefine("Strings", "repeat", member.Static, func(s string, n int32) (string, error) {
		if n < 0 {
			return "", fmt.Errorf("negative repeat count %d", n)
		}
		return strings.Repeat(s, int(n)), nil
	})
	r.MustDefine("Strings", "join", member.Static, func(sep string, parts ...string) string {
		return strings.Join(parts, sep)
	})
	r.MustDefine("Strings", "_secret", member.Static, func() string { return "secret" })
	r.MustDefine("Math", "add", member.Static, func(x, y int32) int32 { return x + y })
	r.MustDefine("Math", "addLong", member.Static, func(x, y int64) int64 { return x + y })
	r.MustDefine("Math", "mix", member.Static, func(i int32, j int64, f float32, d float64) float64 {
		return float64(i) + float64(j) + float64(f) + d
	})
	r.MustDefine("Math", "negate", member.Static, func(x int32) int32 { return -x })
	r.MustDefine("Math", "isPositive", member.Static, func(x int32) bool { return x > 0 })
	r.MustDefine("Math", "div", member.Static, func(x, y int32) (int32, error) {
		if y == 0 {
			return 0, ErrDivideByZero
		}
		return x / y, nil
	})
	r.MustDefine("Math", "toByte", member.Static, func(x int8) int8 { return x })
	r.MustDefine("Errors", "failX", member.Static, func(s string) (int32, error) { return 0, &XError{s} })
	r.MustDefine("Errors", "failY", member.Static, func(s string) (int32, error) { return 0, &YError{s} })
	r.MustDefine("Errors", "recoverX", member.Static, func(e *XError, s string) int32 { return -1 })
	r.MustDefine("Errors", "message", member.Static, func(e error) string { return e.Error() })
	r.MustDefine("Counter", "incr", member.Virtual, func(c *Counter) int32 { return atomic.AddInt32(&c.n, 1) })
	r.MustDefine("Counter", "new", member.Constructor, func() *Counter { return new(Counter) })
	return r
}

var kinds = [...]member.Kind{member.Static, member.Virtual, member.Getter, member.Constructor}

// Lookup returns a Form-text lookup function that resolves names of
// the form Owner.name to lazily resolved Functions for members of r.
func Lookup(r *member.Registry) form.Lookup {
	return func(name string) (*form.Function, bool) {
		dot := strings.LastIndexByte(name, '.')
		if dot < 0 {
			return nil, false
		}
		for _, kind := range kinds {
			if m, err := r.Lookup(name[:dot], name[dot+1:], kind); err == nil {
				return form.LazyFunction(m, r), true
			}
		}
		return nil, false
	}
}

// Function returns a Function for the member owner.name of r.
// It panics if there is no such member.
func Function(r *member.Registry, owner, name string) *form.Function {
	fn, ok := Lookup(r)(owner + "." + name)
	if !ok {
		panic("invoketest: no member " + owner + "." + name)
	}
	return fn
}

// DataFile returns the effective filename of the specified
// test data resource, relative to the root of the module.
var DataFile = func(pkgdir, filename string) string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filepath.Dir(file)), pkgdir, filename)
}
