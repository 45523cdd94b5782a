// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package member

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.callform.net/basic"
)

// A Registry is an in-memory Resolver.
// It is safe for concurrent use.
//
// Members whose names begin with an underscore are registered but
// inaccessible: Lookup and Resolve report ErrInaccessible for them.
type Registry struct {
	mu      sync.RWMutex
	entries map[entryKey]*entry
}

type entryKey struct {
	owner, name string
	kind        Kind
}

type entry struct {
	member *Member
	target Target
}

var _ Resolver = (*Registry)(nil)

// NewRegistry returns a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[entryKey]*entry)}
}

// Define registers the Go function fn as the member owner.name of the
// specified kind, converting it with FuncOf, and returns its descriptor.
func (r *Registry) Define(owner, name string, kind Kind, fn interface{}) (*Member, error) {
	m := &Member{Owner: owner, Name: name, Kind: kind}
	target, mt, err := FuncOf(m.String(), fn)
	if err != nil {
		return nil, err
	}
	m.Type = mt
	return m, r.define(m, target)
}

// MustDefine is like Define but panics on error.
func (r *Registry) MustDefine(owner, name string, kind Kind, fn interface{}) *Member {
	m, err := r.Define(owner, name, kind, fn)
	if err != nil {
		panic(err)
	}
	return m
}

// DefineTarget registers a target that already operates on engine
// values, with an explicit type.
func (r *Registry) DefineTarget(owner, name string, kind Kind, mt *basic.MethodType, target Target) (*Member, error) {
	m := New(owner, name, kind, mt)
	return m, r.define(m, target)
}

func (r *Registry) define(m *Member, target Target) error {
	k := entryKey{m.Owner, m.Name, m.Kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[k]; ok {
		return fmt.Errorf("%s %s already defined with type %s", m.Kind, m, prev.member.Type)
	}
	r.entries[k] = &entry{member: m, target: target}
	return nil
}

func (r *Registry) lookup(owner, name string, kind Kind) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[entryKey{owner, name, kind}]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if strings.HasPrefix(name, "_") {
		return nil, ErrInaccessible
	}
	return e, nil
}

// Lookup returns the descriptor of the member owner.name of the
// specified kind.
func (r *Registry) Lookup(owner, name string, kind Kind) (*Member, error) {
	e, err := r.lookup(owner, name, kind)
	if err != nil {
		return nil, &LinkageError{Member: &Member{Owner: owner, Name: name, Kind: kind}, Err: err}
	}
	return e.member, nil
}

// Resolve returns the target of m.
// The registered member must have exactly the type of m.
func (r *Registry) Resolve(m *Member) (Target, error) {
	e, err := r.lookup(m.Owner, m.Name, m.Kind)
	if err != nil {
		return nil, &LinkageError{Member: m, Err: err}
	}
	if m.Type != nil && e.member.Type != m.Type {
		return nil, &LinkageError{
			Member: m,
			Err:    fmt.Errorf("%w: have type %s", ErrNotFound, e.member.Type),
		}
	}
	return e.target, nil
}

// Members returns the descriptors of all accessible members, sorted by name.
func (r *Registry) Members() []*Member {
	r.mu.RLock()
	members := make([]*Member, 0, len(r.entries))
	for k, e := range r.entries {
		if !strings.HasPrefix(k.name, "_") {
			members = append(members, e.member)
		}
	}
	r.mu.RUnlock()
	sort.Slice(members, func(i, j int) bool {
		if x, y := members[i].String(), members[j].String(); x != y {
			return x < y
		}
		return members[i].Kind < members[j].Kind
	})
	return members
}
