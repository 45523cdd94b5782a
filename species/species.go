// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package species defines the storage shapes that carry bound argument
// values alongside a Form.
//
// A Species is identified by a type string over the basic types LIJFD,
// one character per field in storage order. There is exactly one
// Species per type string: it is synthesized on first use, as a Go
// struct type built with reflect.StructOf, and cached for the life of
// the process. Each Species has one getter Function per field, which
// reads that field from the storage value passed as its argument.
package species // import "go.callform.net/species"

import (
	"fmt"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/member"
)

const debug = false

// A Species is a storage shape for bound arguments.
type Species struct {
	types   string
	fields  []basic.Type
	layout  reflect.Type // a struct with one field per type
	getters []*form.Function

	extensions [basic.ArgLimit]atomic.Value // *Species
}

var _ form.Shape = (*Species)(nil)

// A Carrier is a value that holds bound-argument storage, such as a
// bound method handle. Getters read fields through this interface.
type Carrier interface {
	SpeciesData() *Data
}

var carrierType = reflect.TypeOf((*Carrier)(nil)).Elem()

// A slot is an entry of the global table. Its mutex is held while the
// Species is synthesized, so concurrent requesters wait for it.
type slot struct {
	mu      sync.Mutex
	species atomic.Value // *Species
}

var table sync.Map // type string -> *slot

// Empty is the Species with no fields.
// It exists before any other Species is synthesized.
var Empty = func() *Species {
	s := synthesize("")
	sl := new(slot)
	sl.species.Store(s)
	table.Store("", sl)
	return s
}()

// Get returns the canonical Species for the type string types.
func Get(types string) (*Species, error) {
	for i := 0; i < len(types); i++ {
		t, err := basic.FromChar(types[i])
		if err != nil || t.Char() != types[i] || !t.IsArg() {
			return nil, fmt.Errorf("invalid species type string %q", types)
		}
	}
	return lookup(types), nil
}

// Of returns the canonical Species whose fields have the given types.
func Of(types ...basic.Type) *Species {
	for _, t := range types {
		if !t.IsArg() {
			panic(&form.InternalError{Msg: fmt.Sprintf("species field of type %v", t)})
		}
	}
	return lookup(basic.String(types))
}

// lookup returns the Species for a valid type string. A Species not yet
// in the table is synthesized by the first requester while others wait.
func lookup(types string) *Species {
	if v, ok := table.Load(types); ok {
		if s, ok := v.(*slot).species.Load().(*Species); ok {
			return s
		}
	}
	placeholder := new(slot)
	placeholder.mu.Lock()
	v, loaded := table.LoadOrStore(types, placeholder)
	if loaded {
		placeholder.mu.Unlock()
		sl := v.(*slot)
		if s, ok := sl.species.Load().(*Species); ok {
			return s
		}
		sl.mu.Lock() // wait for the synthesizer
		sl.mu.Unlock()
		s, ok := sl.species.Load().(*Species)
		if !ok {
			panic(&form.InternalError{Msg: "synthesis of species " + types + " failed"})
		}
		return s
	}
	defer placeholder.mu.Unlock()
	s := synthesize(types)
	placeholder.species.Store(s)
	return s
}

// synthesize builds the layout and getters of a new Species.
func synthesize(types string) *Species {
	if debug {
		log.Printf("synthesizing species %q", types)
	}
	s := &Species{types: types, fields: basic.MustTypes(types)}
	fields := make([]reflect.StructField, len(s.fields))
	for i, t := range s.fields {
		fields[i] = reflect.StructField{Name: fieldName(t, i), Type: t.GoType()}
	}
	s.layout = reflect.StructOf(fields)

	owner := s.String()
	s.getters = make([]*form.Function, len(s.fields))
	for i, t := range s.fields {
		i := i
		m := member.New(owner, fieldName(t, i), member.Getter, basic.MethodOf(t.GoType(), carrierType))
		s.getters[i] = form.NewFunction(m, func(args []interface{}) (interface{}, error) {
			c, ok := args[0].(Carrier)
			if !ok {
				return nil, &member.CastError{From: reflect.TypeOf(args[0]), To: carrierType}
			}
			d := c.SpeciesData()
			if d == nil || d.species != s {
				panic(&form.InternalError{Msg: fmt.Sprintf("%s getter applied to storage of %v", s, d.Species())})
			}
			return d.Field(i), nil
		})
	}
	return s
}

func fieldName(t basic.Type, i int) string { return fmt.Sprintf("Arg%v%d", t, i) }

// Types returns the type string of s.
func (s *Species) Types() string { return s.types }

// FieldCount returns the number of fields of s.
func (s *Species) FieldCount() int { return len(s.fields) }

// FieldType returns the basic type of the ith field of s.
func (s *Species) FieldType(i int) basic.Type { return s.fields[i] }

// Getter returns the Function that reads the ith field of s from a Carrier.
func (s *Species) Getter(i int) *form.Function { return s.getters[i] }

// Layout returns the synthesized struct type of s.
func (s *Species) Layout() reflect.Type { return s.layout }

func (s *Species) String() string { return "Species_" + s.types }

// Extend returns the canonical Species with the fields of s followed
// by one field of type t.
func (s *Species) Extend(t basic.Type) *Species {
	if !t.IsArg() {
		panic(&form.InternalError{Msg: fmt.Sprintf("extending %s with type %v", s, t)})
	}
	if x, ok := s.extensions[t].Load().(*Species); ok {
		return x
	}
	x := lookup(s.types + t.String())
	s.extensions[t].Store(x) // every writer stores the canonical Species
	return x
}

// New returns new storage of Species s holding values, which must have
// the basic representations of the field types.
func (s *Species) New(values ...interface{}) (*Data, error) {
	if len(values) != len(s.fields) {
		return nil, fmt.Errorf("%s: got %d values, want %d", s, len(values), len(s.fields))
	}
	d := &Data{species: s, v: reflect.New(s.layout).Elem()}
	for i, x := range values {
		if !s.fields[i].Check(x) {
			return nil, fmt.Errorf("%s: field %d: got %T, want %v", s, i, x, s.fields[i])
		}
		if x != nil {
			d.v.Field(i).Set(reflect.ValueOf(x))
		}
	}
	return d, nil
}
