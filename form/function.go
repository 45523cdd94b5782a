// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.callform.net/basic"
	"go.callform.net/member"
)

// A Function is a callable member together with its erased signature.
// It holds a direct-call target, resolved lazily if necessary, and is
// invoked generically through an invoker shared by every Function of
// the same signature.
//
// Two Functions are equal if their member descriptors are equal.
type Function struct {
	member    *member.Member
	intrinsic Intrinsic
	resolver  member.Resolver // nil if constructed resolved

	target   atomic.Value // member.Target
	resolve  sync.Once
	resolved error
}

// NewFunction returns a Function for m whose target is already known.
func NewFunction(m *member.Member, target member.Target) *Function {
	if m.Type == nil || target == nil {
		internalErrorf("NewFunction(%s): incomplete member", m)
	}
	fn := &Function{member: m}
	fn.target.Store(target)
	return fn
}

// LazyFunction returns a Function for m whose target is obtained from
// r on first use.
func LazyFunction(m *member.Member, r member.Resolver) *Function {
	if m.Type == nil || r == nil {
		internalErrorf("LazyFunction(%s): incomplete member", m)
	}
	return &Function{member: m, resolver: r}
}

func newIntrinsic(kind Intrinsic, name string, mt *basic.MethodType, target member.Target) *Function {
	fn := NewFunction(member.New(intrinsicOwner, name, member.Intrinsic, mt), target)
	fn.intrinsic = kind
	return fn
}

// Member returns the descriptor of fn's member.
func (fn *Function) Member() *member.Member { return fn.member }

// Type returns the full type of fn's member.
func (fn *Function) Type() *basic.MethodType { return fn.member.Type }

// Signature returns the erased signature of fn.
func (fn *Function) Signature() basic.Signature { return fn.member.Type.Basic() }

// ReturnType returns the basic result type of fn.
func (fn *Function) ReturnType() basic.Type { return fn.member.Type.Basic().Result }

// ParameterType returns the basic type of the ith parameter of fn.
func (fn *Function) ParameterType(i int) basic.Type { return fn.member.Type.Basic().Params[i] }

// Arity returns the number of parameters of fn.
func (fn *Function) Arity() int { return fn.member.Type.NumParams() }

// Intrinsic returns the engine operation fn denotes, if any.
func (fn *Function) Intrinsic() Intrinsic { return fn.intrinsic }

// Equal reports whether fn and other denote the same member.
func (fn *Function) Equal(other *Function) bool {
	if fn == other {
		return true
	}
	if fn == nil || other == nil {
		return false
	}
	return fn.member.Equal(other.member)
}

func (fn *Function) String() string { return fn.member.String() }

// IsResolved reports whether fn's target is known.
func (fn *Function) IsResolved() bool {
	_, ok := fn.target.Load().(member.Target)
	return ok
}

// Resolve obtains fn's target if it is not already known.
// A resolution failure is reported as a *member.LinkageError; it is
// remembered, so later calls report the same error.
func (fn *Function) Resolve() error {
	if fn.IsResolved() {
		return nil
	}
	fn.resolve.Do(func() {
		target, err := fn.resolver.Resolve(fn.member)
		if err == nil && target == nil {
			err = fmt.Errorf("resolver returned no target")
		}
		if err != nil {
			if _, ok := err.(*member.LinkageError); !ok {
				err = &member.LinkageError{Member: fn.member, Err: err}
			}
			fn.resolved = err
			return
		}
		fn.target.Store(target)
	})
	return fn.resolved
}

// Target returns fn's direct-call target, resolving it if necessary.
// Failure to resolve is an internal error: the engine only calls Target
// on Functions whose members it guarantees to exist.
func (fn *Function) Target() member.Target {
	if t, ok := fn.target.Load().(member.Target); ok {
		return t
	}
	if err := fn.Resolve(); err != nil {
		panic(&InternalError{Msg: "cannot resolve " + fn.String(), Cause: err})
	}
	return fn.target.Load().(member.Target)
}

// InvokeWithArguments calls fn generically.
//
// The arguments must have the basic representations of fn's signature.
// Reference arguments are checked against the parameter types of fn's
// member, and subword integer arguments are truncated, exactly as the
// code generated for a call of fn does.
func (fn *Function) InvokeWithArguments(args []interface{}) (interface{}, error) {
	return invokerFor(fn.Signature())(fn, args)
}

// An invoker calls a Function generically.
// There is one invoker for each distinct signature.
type invoker func(fn *Function, args []interface{}) (interface{}, error)

var invokers sync.Map // signature string -> invoker

func invokerFor(sig basic.Signature) invoker {
	key := sig.String()
	if inv, ok := invokers.Load(key); ok {
		return inv.(invoker)
	}
	inv, _ := invokers.LoadOrStore(key, makeInvoker(sig))
	return inv.(invoker)
}

func makeInvoker(sig basic.Signature) invoker {
	params := append([]basic.Type(nil), sig.Params...)
	result := sig.Result
	return func(fn *Function, args []interface{}) (interface{}, error) {
		if len(args) != len(params) {
			internalErrorf("call of %s with %d arguments, want %d", fn, len(args), len(params))
		}
		mt := fn.Type()
		var converted []interface{}
		for i, p := range params {
			arg := args[i]
			if !p.Check(arg) {
				internalErrorf("call of %s: argument %d is %T, want %v", fn, i, arg, p)
			}
			switch p {
			case basic.L:
				if err := member.CheckCast(mt.Param(i), arg); err != nil {
					return nil, err
				}
			case basic.I:
				if t := mt.Param(i); basic.IsSubword(t) {
					if x := member.Narrow(t, arg.(int32)); x != arg.(int32) {
						if converted == nil {
							converted = append([]interface{}(nil), args...)
						}
						converted[i] = x
					}
				}
			}
		}
		if converted != nil {
			args = converted
		}
		res, err := fn.Target()(args)
		if err != nil {
			return nil, err
		}
		if result == basic.V {
			return nil, nil
		}
		if !result.Check(res) {
			internalErrorf("call of %s returned %T, want %v", fn, res, result)
		}
		return res, nil
	}
}
