// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package form defines the Symbolic Form, a small typed intermediate
// language for call-shape transforms, together with its building
// blocks (Names and Functions), its editing operations, a textual
// syntax, and an interpreter.
//
// A Form is an ordered list of Names: first its parameters, then bound
// Names, each of which applies a Function to earlier Names of the same
// Form and to constants. One Name is designated the result, unless the
// Form is void. Every reference from a Name to another points strictly
// backwards, so a Form can be evaluated, and compiled, in one linear pass.
//
// Forms are immutable once constructed. Editing operations return new
// Forms and remember their results in the State of the edited Form, so
// a repeated edit of the same Form returns the same derived Form.
package form // import "go.callform.net/form"

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"go.callform.net/basic"
)

// Special result indices.
const (
	VoidResult = -1 // the Form returns no value
	LastResult = -2 // accepted by New: the last Name is the result
)

// A Form is an immutable symbolic description of a computation.
type Form struct {
	arity     int
	result    int // index into names, or VoidResult
	names     []*Name
	debugName string
	state     *State
}

// New returns a new Form with the given debug name, arity, names and
// result index. The first arity names must be parameters and the rest
// bound Names. A result that refers to a void Name is treated as
// VoidResult.
//
// New panics with an *InternalError if the names violate the structural
// invariants reported by Check. Names are placed at their positions,
// copying any Name already placed elsewhere, and the leading parameters
// are replaced by canonical interned parameters.
func New(debugName string, arity int, names []*Name, result int) *Form {
	names = append([]*Name(nil), names...)
	result = fixResult(names, result)
	if err := Check(arity, names, result); err != nil {
		panic(&InternalError{Msg: fmt.Sprintf("malformed form %s", debugName), Cause: err})
	}
	normalize(arity, names)
	return &Form{arity: arity, result: result, names: names, debugName: debugName, state: new(State)}
}

func fixResult(names []*Name, result int) int {
	if result == LastResult {
		result = len(names) - 1
	}
	if result >= 0 && result < len(names) && names[result].typ == basic.V {
		result = VoidResult
	}
	return result
}

// Check reports whether names, arity and result satisfy the structural
// invariants of a Form: the first arity names are parameters and the
// rest are bound Names; no Name appears twice; every argument Name
// appears earlier in names; every argument has the type required by its
// function; and the result, unless void, refers to a non-void Name.
// Names are compared by identity.
//
// Any error has type *CheckError.
func Check(arity int, names []*Name, result int) error {
	if arity < 0 || arity > len(names) {
		return &CheckError{Index: -1, Msg: fmt.Sprintf("arity %d out of range [0:%d]", arity, len(names))}
	}
	index := make(map[*Name]int, len(names))
	for i, n := range names {
		if n == nil {
			return &CheckError{Index: i, Msg: "nil name"}
		}
		if j, dup := index[n]; dup {
			return &CheckError{Index: i, Msg: fmt.Sprintf("name also appears at %d", j)}
		}
		index[n] = i
	}
	for i, n := range names {
		if i < arity {
			if !n.IsParam() {
				return &CheckError{Index: i, Msg: "bound name among parameters"}
			}
			continue
		}
		if n.IsParam() {
			return &CheckError{Index: i, Msg: "parameter after bound names"}
		}
		sig := n.fn.Signature()
		if len(n.args) != len(sig.Params) {
			return &CheckError{Index: i, Msg: fmt.Sprintf("%s: got %d arguments, want %d", n.fn, len(n.args), len(sig.Params))}
		}
		for j, arg := range n.args {
			if x, ok := arg.(*Name); ok {
				k, ok := index[x]
				if !ok {
					return &CheckError{Index: i, Msg: fmt.Sprintf("argument %d refers to a name not in this form", j)}
				}
				if k >= i {
					return &CheckError{Index: i, Msg: fmt.Sprintf("argument %d is a forward reference to name %d", j, k)}
				}
			}
			if !typesMatch(sig.Params[j], arg) {
				return &CheckError{Index: i, Msg: fmt.Sprintf("%s: argument %d: got %s, want %v", n.fn, j, describeArg(arg), sig.Params[j])}
			}
		}
	}
	switch {
	case result == VoidResult, result == LastResult && len(names) > 0:
	case result < 0 || result >= len(names):
		return &CheckError{Index: -1, Msg: fmt.Sprintf("result %d out of range [0:%d]", result, len(names))}
	case names[result].typ == basic.V:
		return &CheckError{Index: result, Msg: "result is void"}
	}
	return nil
}

// normalize places each Name at its position, substituting copies for
// Names already placed elsewhere, and interns the leading parameters.
// Substitutions are propagated forward in a single pass.
func normalize(arity int, names []*Name) {
	var subst map[*Name]*Name
	lookup := func(x *Name) interface{} {
		if y, ok := subst[x]; ok {
			return y
		}
		return x
	}
	for i, n := range names {
		var n2 *Name
		switch {
		case i < arity && i < InternedArgumentLimit:
			n2 = internedArguments[n.typ][i]
		case i < arity:
			n2 = n.withIndex(i)
		default:
			n2 = n
			if subst != nil {
				n2 = n.rebuild(lookup)
			}
			n2 = n2.withIndex(i)
		}
		if n2 != n {
			if subst == nil {
				subst = make(map[*Name]*Name)
			}
			subst[n] = n2
			names[i] = n2
		}
	}
}

// Arity returns the number of parameters of f.
func (f *Form) Arity() int { return f.arity }

// Result returns the index of the result Name of f, or VoidResult.
func (f *Form) Result() int { return f.result }

// DebugName returns the name given to f when it was constructed.
func (f *Form) DebugName() string { return f.debugName }

// NumNames returns the number of Names in f.
func (f *Form) NumNames() int { return len(f.names) }

// Name returns the ith Name of f.
func (f *Form) Name(i int) *Name { return f.names[i] }

// Names returns a copy of the Names of f.
func (f *Form) Names() []*Name { return append([]*Name(nil), f.names...) }

// ParameterType returns the basic type of the ith parameter of f.
func (f *Form) ParameterType(i int) basic.Type {
	if i < 0 || i >= f.arity {
		internalErrorf("parameter %d of form with arity %d", i, f.arity)
	}
	return f.names[i].typ
}

// ReturnType returns the basic type of the result of f.
func (f *Form) ReturnType() basic.Type {
	if f.result < 0 {
		return basic.V
	}
	return f.names[f.result].typ
}

// Signature returns the erased signature of f.
func (f *Form) Signature() basic.Signature {
	params := make([]basic.Type, f.arity)
	for i := range params {
		params[i] = f.names[i].typ
	}
	return basic.Signature{Params: params, Result: f.ReturnType()}
}

// Contains reports whether n is one of the Names of f.
func (f *Form) Contains(n *Name) bool {
	for _, x := range f.names {
		if x == n {
			return true
		}
	}
	return false
}

// IsEmpty reports whether f performs no operations: it either has no
// result and no bound Names, or its only bound Name is a zero constant
// that it returns.
func (f *Form) IsEmpty() bool {
	if f.result < 0 {
		return len(f.names) == f.arity
	}
	return f.result == f.arity && len(f.names) == f.arity+1 &&
		f.names[f.arity].fn.Intrinsic() == ZeroIntrinsic
}

// Equal reports whether f and g are structurally identical: they have
// the same arity and result, and their Names apply equal Functions to
// the same arguments, Names being compared by position.
func (f *Form) Equal(g *Form) bool {
	if f == g {
		return true
	}
	if f.arity != g.arity || f.result != g.result || len(f.names) != len(g.names) {
		return false
	}
	for i, x := range f.names {
		y := g.names[i]
		if x.typ != y.typ || !x.fn.Equal(y.fn) || len(x.args) != len(y.args) {
			return false
		}
		for j, a := range x.args {
			b := y.args[j]
			an, aok := a.(*Name)
			bn, bok := b.(*Name)
			if aok != bok {
				return false
			}
			if aok {
				if an.Index() != bn.Index() {
					return false
				}
			} else if !sameConstant(a, b) {
				return false
			}
		}
	}
	return true
}

// sameConstant reports whether two constants are equal. Slices and maps
// are equal only to themselves. Other constants of types that do not
// support == are never equal.
func sameConstant(x, y interface{}) (eq bool) {
	if x != nil && y != nil && reflect.TypeOf(x) == reflect.TypeOf(y) {
		vx, vy := reflect.ValueOf(x), reflect.ValueOf(y)
		switch vx.Kind() {
		case reflect.Slice:
			return vx.Pointer() == vy.Pointer() && vx.Len() == vy.Len()
		case reflect.Map:
			return vx.Pointer() == vy.Pointer()
		}
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return x == y
}

// isComparable reports whether x may be used as a map key.
func isComparable(x interface{}) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return x == x
}

// Key returns a string that is equal for structurally identical Forms.
// Forms with equal keys are not necessarily Equal: constants other than
// numbers, strings and nil contribute only their type to the key.
func (f *Form) Key() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d:%d", f.arity, f.result)
	for i, n := range f.names {
		buf.WriteByte(';')
		buf.WriteByte(n.typ.Char())
		if i < f.arity {
			continue
		}
		m := n.fn.Member()
		fmt.Fprintf(&buf, "=%s.%s%p(", m.Owner, m.Name, m.Type)
		for j, arg := range n.args {
			if j > 0 {
				buf.WriteByte(',')
			}
			if x, ok := arg.(*Name); ok {
				buf.WriteString(strconv.Itoa(x.Index()))
			} else {
				buf.WriteString(constantKey(arg))
			}
		}
		buf.WriteByte(')')
	}
	return buf.String()
}

func constantKey(x interface{}) string {
	switch x := x.(type) {
	case nil:
		return "null"
	case int32:
		return "i" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "j" + strconv.FormatInt(x, 10)
	case float32:
		return "f" + strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return "d" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return strconv.Quote(x)
	}
	return "<" + reflect.TypeOf(x).String() + ">"
}

var canonicalForms sync.Map // key string -> *Form

// Canonical returns the first published Form structurally identical
// to f, publishing f if there is none.
func Canonical(f *Form) *Form {
	key := f.Key()
	if g, ok := canonicalForms.Load(key); ok {
		if g := g.(*Form); g.Equal(f) {
			return g
		}
		return f
	}
	g, _ := canonicalForms.LoadOrStore(key, f)
	if g := g.(*Form); g.Equal(f) {
		return g
	}
	return f
}

var (
	zeroForms     sync.Map // signature string -> *Form
	identityForms [basic.ArgLimit]*Form
)

func init() {
	for _, t := range basic.Args {
		identityForms[t] = New("identity_"+t.String(), 1, []*Name{Argument(0, t)}, 0)
	}
}

// ZeroForm returns the canonical empty Form of signature sig: it
// ignores its arguments and returns the zero value of sig's result.
func ZeroForm(sig basic.Signature) *Form {
	key := sig.String()
	if f, ok := zeroForms.Load(key); ok {
		return f.(*Form)
	}
	names := Arguments(0, sig.Params...)
	result := VoidResult
	if sig.Result != basic.V {
		names = append(names, NewName(ZeroFunction(sig.Result)))
		result = len(names) - 1
	}
	f := New("zero_"+key, len(sig.Params), names, result)
	actual, _ := zeroForms.LoadOrStore(key, f)
	return actual.(*Form)
}

// IdentityForm returns the canonical Form of one parameter of type t
// that returns its argument.
func IdentityForm(t basic.Type) *Form {
	if !t.IsArg() {
		internalErrorf("identity form of type %v", t)
	}
	return identityForms[t]
}
