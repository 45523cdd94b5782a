// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package member defines descriptors of callable members, the Resolver
// interface through which the engine obtains direct-call targets for
// them, and a simple concurrency-safe Registry that implements it.
//
// The engine never inspects how a member is resolved. A Resolver is
// given a descriptor and returns either a Target, a function that
// operates on engine values, or a *LinkageError.
package member // import "go.callform.net/member"

import (
	"errors"
	"fmt"

	"go.callform.net/basic"
)

// A Kind classifies a member.
type Kind uint8

const (
	Static      Kind = iota // plain function
	Virtual                 // method; parameter 0 is the receiver
	Getter                  // field read; parameter 0 is the holder
	Constructor             // returns a new instance
	Intrinsic               // engine-defined operation
)

var kindNames = [...]string{
	Static:      "static",
	Virtual:     "virtual",
	Getter:      "getter",
	Constructor: "constructor",
	Intrinsic:   "intrinsic",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// A Member describes a callable member: the name of its declaring
// type, its name, its full type, and its kind.
//
// Members are compared by value: two independently constructed
// descriptors of the same member are equal.
type Member struct {
	Owner string
	Name  string
	Type  *basic.MethodType // interned, so == is type equality
	Kind  Kind
}

// New returns a new member descriptor.
func New(owner, name string, kind Kind, mt *basic.MethodType) *Member {
	return &Member{Owner: owner, Name: name, Type: mt, Kind: kind}
}

// Equal reports whether m and other describe the same member.
func (m *Member) Equal(other *Member) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	return *m == *other
}

// Signature returns the erased signature of m.
func (m *Member) Signature() basic.Signature { return m.Type.Basic() }

func (m *Member) String() string {
	if m.Owner == "" {
		return m.Name
	}
	return m.Owner + "." + m.Name
}

// A Target is a resolved direct-call handle. Its arguments and result
// use the engine's representation of each basic type (see package basic).
type Target func(args []interface{}) (interface{}, error)

// A Resolver resolves member descriptors to direct-call targets.
type Resolver interface {
	Resolve(m *Member) (Target, error)
}

// ResolverFunc adapts an ordinary function to the Resolver interface.
type ResolverFunc func(m *Member) (Target, error)

func (f ResolverFunc) Resolve(m *Member) (Target, error) { return f(m) }

// Causes of a LinkageError.
var (
	ErrNotFound     = errors.New("member not found")
	ErrInaccessible = errors.New("member not accessible")
)

// A LinkageError reports that a member could not be resolved.
// It is a recoverable condition: callers may look up optional members.
type LinkageError struct {
	Member *Member
	Err    error // ErrNotFound, ErrInaccessible, or another cause
}

func (e *LinkageError) Error() string {
	if e.Member.Type == nil {
		return fmt.Sprintf("cannot link %s %s: %v", e.Member.Kind, e.Member, e.Err)
	}
	return fmt.Sprintf("cannot link %s %s%s: %v", e.Member.Kind, e.Member, e.Member.Type, e.Err)
}

func (e *LinkageError) Unwrap() error { return e.Err }
