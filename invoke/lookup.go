// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

import (
	"errors"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/member"
)

// A Lookup finds members through a Resolver and returns direct handles
// for them. Failures are reported as *member.LinkageError values.
type Lookup struct {
	resolver member.Resolver
}

// NewLookup returns a Lookup that resolves members through r.
func NewLookup(r member.Resolver) *Lookup { return &Lookup{resolver: r} }

// A describer is a Resolver that can report the type of a member,
// such as a *member.Registry.
type describer interface {
	Lookup(owner, name string, kind member.Kind) (*member.Member, error)
}

// errNoType is the cause of a LinkageError for a lookup without a type
// through a Resolver that cannot report member types.
var errNoType = errors.New("member type required")

func (l *Lookup) find(kind member.Kind, owner, name string, mt *basic.MethodType) (*DirectHandle, error) {
	if mt == nil {
		d, ok := l.resolver.(describer)
		if !ok {
			return nil, &member.LinkageError{Member: &member.Member{Owner: owner, Name: name, Kind: kind}, Err: errNoType}
		}
		m, err := d.Lookup(owner, name, kind)
		if err != nil {
			return nil, err
		}
		mt = m.Type
	}
	return NewDirectHandle(form.LazyFunction(member.New(owner, name, kind, mt), l.resolver))
}

// FindStatic returns a handle for the static member owner.name of type
// mt. If mt is nil, the type is that reported by the Resolver.
func (l *Lookup) FindStatic(owner, name string, mt *basic.MethodType) (*DirectHandle, error) {
	return l.find(member.Static, owner, name, mt)
}

// FindVirtual returns a handle for the virtual member owner.name.
// Its first parameter is the receiver.
func (l *Lookup) FindVirtual(owner, name string, mt *basic.MethodType) (*DirectHandle, error) {
	if mt != nil && mt.NumParams() == 0 {
		return nil, &member.LinkageError{Member: member.New(owner, name, member.Virtual, mt), Err: errors.New("virtual member without receiver")}
	}
	return l.find(member.Virtual, owner, name, mt)
}

// FindGetter returns a handle for the getter owner.name.
func (l *Lookup) FindGetter(owner, name string, mt *basic.MethodType) (*DirectHandle, error) {
	return l.find(member.Getter, owner, name, mt)
}

// FindConstructor returns a handle for the constructor of owner,
// which is named "new".
func (l *Lookup) FindConstructor(owner string, mt *basic.MethodType) (*DirectHandle, error) {
	return l.find(member.Constructor, owner, "new", mt)
}
