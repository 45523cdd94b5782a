// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

// This file defines the editing operations on Forms.
// Each returns a new Form and never modifies its receiver.
// Results are remembered per receiver, first writer wins.

import "go.callform.net/basic"

// A Shape describes a layout of bound-argument storage: a sequence of
// fields, each read by a getter Function whose only parameter is the
// storage value.
type Shape interface {
	FieldCount() int
	Getter(i int) *Function
}

// substitution maps Names of a source Form to their replacements,
// either Names or constants.
type substitution map[*Name]interface{}

func (s substitution) apply(x *Name) interface{} {
	if y, ok := s[x]; ok {
		return y
	}
	return x
}

// rebuildBody applies s to each bound Name of names, extending s with
// the Names it replaces, and returns the results.
func (s substitution) rebuildBody(names []*Name) []*Name {
	res := make([]*Name, len(names))
	for i, n := range names {
		n2 := n.rebuild(s.apply)
		if n2 != n {
			s[n] = n2
		}
		res[i] = n2
	}
	return res
}

// BindArgument returns a Form of arity one less than f in which
// parameter pos is replaced by the constant value. If the result of f
// is parameter pos, the new Form returns value.
//
// The edit is remembered only when value is comparable.
func (f *Form) BindArgument(pos int, value interface{}) *Form {
	if pos < 0 || pos >= f.arity {
		internalErrorf("BindArgument(%d) on form of arity %d", pos, f.arity)
	}
	t := f.names[pos].typ
	if !typesMatch(t, value) {
		internalErrorf("BindArgument(%d): got %s, want %v", pos, describeArg(value), t)
	}
	cacheable := isComparable(value)
	key := makeKey("bindArgument", value, pos)
	if cacheable {
		if g := f.cachedTransform(key); g != nil {
			return g
		}
	}

	s := substitution{f.names[pos]: value}
	names := make([]*Name, 0, len(f.names))
	for i, n := range f.names[:f.arity] {
		if i == pos {
			continue
		}
		p := Argument(len(names), n.typ)
		if p != n {
			s[n] = p
		}
		names = append(names, p)
	}
	names = append(names, s.rebuildBody(f.names[f.arity:])...)

	result := f.result
	switch {
	case result == pos:
		names = append(names, NewName(IdentityFunction(t), value))
		result = len(names) - 1
	case result > pos:
		result--
	}
	g := New(f.debugName, f.arity-1, names, result)
	if cacheable {
		g = f.putTransform(key, g)
	}
	return g
}

// AddArguments returns a Form that has fresh parameters of the given
// types inserted before parameter pos of f and otherwise behaves like f.
// The new parameters are unused.
func (f *Form) AddArguments(pos int, types ...basic.Type) *Form {
	if pos < 0 || pos > f.arity {
		internalErrorf("AddArguments(%d) on form of arity %d", pos, f.arity)
	}
	ints := make([]int, 0, len(types)+1)
	ints = append(ints, pos)
	for _, t := range types {
		if !t.IsArg() {
			internalErrorf("AddArguments: parameter of type %v", t)
		}
		ints = append(ints, int(t))
	}
	key := makeKey("addArguments", nil, ints...)
	if g := f.cachedTransform(key); g != nil {
		return g
	}

	arity := f.arity + len(types)
	names := make([]*Name, 0, len(f.names)+len(types))
	names = append(names, f.names[:pos]...)
	for _, t := range types {
		names = append(names, Param(t))
	}
	names = append(names, f.names[pos:]...)

	result := f.result
	if result >= pos {
		result += len(types)
	}
	return f.putTransform(key, New(f.debugName, arity, names, result))
}

// PermuteArguments returns a Form whose parameters after the first skip
// have the given types, and that calls f with the first skip parameters
// unchanged followed by a rearrangement of the others: parameter skip+j
// of f receives new parameter skip+reorder[j]. A new parameter may feed
// several parameters of f, or none.
func (f *Form) PermuteArguments(skip int, reorder []int, types []basic.Type) *Form {
	if skip < 0 || skip+len(reorder) != f.arity {
		internalErrorf("PermuteArguments: skip %d and %d reordered parameters for form of arity %d", skip, len(reorder), f.arity)
	}
	for j, i := range reorder {
		if i < 0 || i >= len(types) {
			internalErrorf("PermuteArguments: reorder[%d] = %d out of range [0:%d]", j, i, len(types))
		}
		if t := f.names[skip+j].typ; types[i] != t {
			internalErrorf("PermuteArguments: parameter %d has type %v, but new parameter %d has type %v", skip+j, t, i, types[i])
		}
	}
	ints := make([]int, 0, 1+len(reorder)+len(types))
	ints = append(ints, skip)
	ints = append(ints, reorder...)
	for _, t := range types {
		ints = append(ints, int(t))
	}
	key := makeKey("permuteArguments", nil, ints...)
	if g := f.cachedTransform(key); g != nil {
		return g
	}

	arity := skip + len(types)
	names := make([]*Name, 0, arity+len(f.names)-f.arity)
	names = append(names, f.names[:skip]...)
	for i, t := range types {
		names = append(names, Argument(skip+i, t))
	}
	s := make(substitution)
	for j, i := range reorder {
		s[f.names[skip+j]] = names[skip+i]
	}
	names = append(names, s.rebuildBody(f.names[f.arity:])...)

	result := f.result
	switch {
	case result < skip:
	case result < f.arity:
		result = skip + reorder[result-skip]
	default:
		result += arity - f.arity
	}
	return f.putTransform(key, New(f.debugName, arity, names, result))
}

// Bind returns a Form in which parameter pos of f is instead read from
// a new trailing field of the storage value in parameter 0, whose
// layout changes from oldShape to newShape. Every read of a field of
// oldShape is retargeted to the same field of newShape in the same
// pass, and the new read is placed after the reads of lower fields that
// immediately follow the parameters.
func (f *Form) Bind(pos int, oldShape, newShape Shape) *Form {
	if pos <= 0 || pos >= f.arity {
		internalErrorf("Bind(%d) on form of arity %d", pos, f.arity)
	}
	k := oldShape.FieldCount()
	if newShape.FieldCount() != k+1 {
		internalErrorf("Bind: shape with %d fields does not extend shape with %d", newShape.FieldCount(), k)
	}
	name := f.names[pos]
	getter := newShape.Getter(k)
	if getter.ReturnType() != name.typ {
		internalErrorf("Bind(%d): parameter has type %v, but new field has type %v", pos, name.typ, getter.ReturnType())
	}
	key := makeKey("bind", newShape, pos)
	if g := f.cachedTransform(key); g != nil {
		return g
	}

	carrier := f.names[0]
	binding := NewName(getter, carrier)
	s := substitution{name: binding}
	var body []*Name
	for _, n := range f.names[f.arity:] {
		var n2 *Name
		if j := fieldIndex(oldShape, n.fn); j >= 0 {
			n2 = n.rebuild(s.apply)
			n2 = newName(newShape.Getter(j), n2.args)
		} else {
			n2 = n.rebuild(s.apply)
		}
		if n2 != n {
			s[n] = n2
		}
		body = append(body, n2)
	}

	names := make([]*Name, 0, len(f.names))
	names = append(names, f.names[:pos]...)
	names = append(names, f.names[pos+1:f.arity]...)
	ins := 0
	for ins < len(body) && isSiblingRead(body[ins], newShape, k, carrier) {
		ins++
	}
	names = append(names, body[:ins]...)
	names = append(names, binding)
	names = append(names, body[ins:]...)

	result := VoidResult
	if f.result >= 0 {
		target := s.apply(f.names[f.result]).(*Name)
		for i, n := range names {
			if n == target {
				result = i
				break
			}
		}
	}
	return f.putTransform(key, New(f.debugName, f.arity-1, names, result))
}

// fieldIndex returns the field of shape that fn reads, or -1.
func fieldIndex(shape Shape, fn *Function) int {
	if fn == nil {
		return -1
	}
	for i, n := 0, shape.FieldCount(); i < n; i++ {
		if shape.Getter(i).Equal(fn) {
			return i
		}
	}
	return -1
}

// isSiblingRead reports whether n reads a field of shape below field
// limit from carrier.
func isSiblingRead(n *Name, shape Shape, limit int, carrier *Name) bool {
	j := fieldIndex(shape, n.fn)
	return j >= 0 && j < limit && len(n.args) == 1 && n.args[0] == interface{}(carrier)
}
