// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

import (
	"fmt"
	"sync/atomic"

	"go.callform.net/basic"
)

// A Name is a node of a Form: either a parameter, which has only a type
// and a position, or a bound name, which applies a Function to earlier
// Names of the same Form and to constants.
//
// A Name acquires its index when it is first placed in a Form; if it is
// later placed at a different position, the Form uses a copy.
// Names are otherwise immutable.
type Name struct {
	index int32 // -1 until placed; accessed atomically
	typ   basic.Type
	fn    *Function     // nil for a parameter
	args  []interface{} // each a *Name or a constant
}

// Param returns a new unplaced parameter of type t.
func Param(t basic.Type) *Name {
	if !t.IsArg() {
		internalErrorf("parameter of type %v", t)
	}
	return &Name{index: -1, typ: t}
}

// Params returns new unplaced parameters of the given types.
func Params(types ...basic.Type) []*Name {
	names := make([]*Name, len(types))
	for i, t := range types {
		names[i] = Param(t)
	}
	return names
}

// NewName returns a new unplaced Name that applies fn to args.
// Each argument is either a *Name or a constant; its basic type must
// match the corresponding parameter of fn.
func NewName(fn *Function, args ...interface{}) *Name {
	if err := checkArgs(fn, args); err != nil {
		internalErrorf("%v", err)
	}
	return newName(fn, append([]interface{}(nil), args...))
}

func newName(fn *Function, args []interface{}) *Name {
	return &Name{index: -1, typ: fn.ReturnType(), fn: fn, args: args}
}

func checkArgs(fn *Function, args []interface{}) error {
	sig := fn.Signature()
	if len(args) != len(sig.Params) {
		return fmt.Errorf("%s: got %d arguments, want %d", fn, len(args), len(sig.Params))
	}
	for i, arg := range args {
		if !typesMatch(sig.Params[i], arg) {
			return fmt.Errorf("%s: argument %d: got %s, want %v", fn, i, describeArg(arg), sig.Params[i])
		}
	}
	return nil
}

func typesMatch(t basic.Type, arg interface{}) bool {
	if n, ok := arg.(*Name); ok {
		return n.typ == t
	}
	return t.Check(arg)
}

func describeArg(arg interface{}) string {
	if n, ok := arg.(*Name); ok {
		return fmt.Sprintf("name of type %v", n.typ)
	}
	return fmt.Sprintf("constant %T", arg)
}

// Index returns the position of n in its Form, or -1 if n is unplaced.
func (n *Name) Index() int { return int(atomic.LoadInt32(&n.index)) }

// Type returns the basic type of n's value.
func (n *Name) Type() basic.Type { return n.typ }

// Function returns the function applied by n, or nil for a parameter.
func (n *Name) Function() *Function { return n.fn }

// IsParam reports whether n is a parameter.
func (n *Name) IsParam() bool { return n.fn == nil }

// NumArgs returns the number of arguments of n.
func (n *Name) NumArgs() int { return len(n.args) }

// Arg returns the ith argument of n: a *Name or a constant.
func (n *Name) Arg(i int) interface{} { return n.args[i] }

// Args returns a copy of the arguments of n.
func (n *Name) Args() []interface{} { return append([]interface{}(nil), n.args...) }

// initIndex places n at position i, reporting whether n may stand there.
func (n *Name) initIndex(i int) bool {
	if atomic.CompareAndSwapInt32(&n.index, -1, int32(i)) {
		return true
	}
	return n.Index() == i
}

// withIndex returns n if it may stand at position i, or a copy that may.
func (n *Name) withIndex(i int) *Name {
	if n.initIndex(i) {
		return n
	}
	return n.cloneWithIndex(i)
}

func (n *Name) cloneWithIndex(i int) *Name {
	var args []interface{}
	if n.args != nil {
		args = append([]interface{}(nil), n.args...)
	}
	return &Name{index: int32(i), typ: n.typ, fn: n.fn, args: args}
}

// rebuild returns n with each argument Name replaced by subst(name).
// It returns n itself if no argument changed.
func (n *Name) rebuild(subst func(*Name) interface{}) *Name {
	var args []interface{}
	for j, arg := range n.args {
		old, ok := arg.(*Name)
		if !ok {
			continue
		}
		repl := subst(old)
		if repl == interface{}(old) {
			continue
		}
		if args == nil {
			args = append([]interface{}(nil), n.args...)
		}
		args[j] = repl
	}
	if args == nil {
		return n
	}
	return newName(n.fn, args)
}

// replaceName returns n with every reference to old replaced by repl.
func (n *Name) replaceName(old, repl *Name) *Name {
	if old == repl || n.IsParam() {
		return n
	}
	return n.rebuild(func(x *Name) interface{} {
		if x == old {
			return repl
		}
		return x
	})
}

// uses reports whether n refers directly to x.
func (n *Name) uses(x *Name) bool {
	for _, arg := range n.args {
		if arg == interface{}(x) {
			return true
		}
	}
	return false
}

// useCount returns the number of direct references to x in names.
func useCount(names []*Name, x *Name) int {
	count := 0
	for _, n := range names {
		for _, arg := range n.args {
			if arg == interface{}(x) {
				count++
			}
		}
	}
	return count
}

// InternedArgumentLimit is the number of leading parameters of each
// basic type that are replaced by canonical singletons in every Form.
const InternedArgumentLimit = 10

var internedArguments = func() (a [basic.ArgLimit][InternedArgumentLimit]*Name) {
	for _, t := range basic.Args {
		for i := range a[t] {
			a[t][i] = &Name{index: int32(i), typ: t}
		}
	}
	return a
}()

// Argument returns the canonical parameter of type t at position i.
func Argument(i int, t basic.Type) *Name {
	if i < InternedArgumentLimit && t.IsArg() {
		return internedArguments[t][i]
	}
	return &Name{index: int32(i), typ: t}
}

// Arguments returns canonical parameters of the given types,
// numbered from start.
func Arguments(start int, types ...basic.Type) []*Name {
	names := make([]*Name, len(types))
	for i, t := range types {
		names[i] = Argument(start+i, t)
	}
	return names
}

func internArgument(n *Name) *Name {
	if !n.IsParam() {
		return n
	}
	i := n.Index()
	if i >= 0 && i < InternedArgumentLimit {
		return internedArguments[n.typ][i]
	}
	return n
}
