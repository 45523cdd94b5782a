// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package species

import (
	"reflect"
	"strings"

	"go.callform.net/basic"
	"go.callform.net/form"
)

// Data is bound-argument storage of a particular Species.
// It is immutable once constructed.
type Data struct {
	species *Species
	v       reflect.Value // an addressable value of species.layout
}

// Species returns the Species of d, or nil if d is nil.
func (d *Data) Species() *Species {
	if d == nil {
		return nil
	}
	return d.species
}

// Len returns the number of fields of d.
func (d *Data) Len() int { return len(d.species.fields) }

// Field returns the value of the ith field of d.
func (d *Data) Field(i int) interface{} { return d.v.Field(i).Interface() }

// Values returns the values of all fields of d.
func (d *Data) Values() []interface{} {
	values := make([]interface{}, d.Len())
	for i := range values {
		values[i] = d.Field(i)
	}
	return values
}

// Extend returns new storage of the Species of d extended by t, holding
// the values of d followed by x.
func (d *Data) Extend(t basic.Type, x interface{}) (*Data, error) {
	return d.species.Extend(t).New(append(d.Values(), x)...)
}

func (d *Data) String() string {
	var buf strings.Builder
	buf.WriteString(d.species.String())
	buf.WriteByte('(')
	for i := 0; i < d.Len(); i++ {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(form.Literal(d.Field(i)))
	}
	buf.WriteByte(')')
	return buf.String()
}
