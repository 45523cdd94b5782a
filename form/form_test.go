// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form_test

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/internal/chunkedfile"
	"go.callform.net/invoketest"
	"go.callform.net/member"
)

var (
	registry = invoketest.Registry()
	lookup   = invoketest.Lookup(registry)
)

func mustParse(t *testing.T, src string) *form.Form {
	t.Helper()
	forms, err := form.Parse("test.form", []byte(src), lookup)
	if err != nil {
		t.Fatal(err)
	}
	return forms[0]
}

// catchInternal calls f and returns the *InternalError it panics with, if any.
func catchInternal(f func()) (err *form.InternalError) {
	defer func() {
		if x := recover(); x != nil {
			err = x.(*form.InternalError)
		}
	}()
	f()
	return nil
}

const concatSrc = `form concat(a0:L, a1:L) {
	t2:L = Strings.concat(a0, a1)
	return t2
}
`

func TestParseErrors(t *testing.T) {
	filename := invoketest.DataFile("form", "testdata/parse.form")
	for _, chunk := range chunkedfile.Read(filename, t) {
		_, err := form.Parse(filename, []byte(chunk.Source), lookup)
		var ferr form.Error
		switch {
		case err == nil:
		case errors.As(err, &ferr):
			chunk.GotError(ferr.Line, ferr.Msg)
		default:
			t.Error(err)
		}
		chunk.Done()
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, src := range []string{
		concatSrc,
		`form drop(a0:L, a1:I) {
	return void
}
`,
		`form lits(a0:I) {
	t1:D = Math.mix(a0, 4L, 1.5F, 2.0D)
	t2:L = Strings.concat("a\tb", null)
	return a0
}
`,
	} {
		f := mustParse(t, src)
		if got := f.String(); got != src {
			t.Errorf("String() = %s, want %s", got, src)
		}
		g := mustParse(t, f.String())
		if !f.Equal(g) {
			t.Errorf("reparse of %s is not Equal", f)
		}
	}
}

func TestConcat(t *testing.T) {
	f := mustParse(t, concatSrc)
	got, err := form.Interpret(f, []interface{}{"foo", "bar"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "foobar" {
		t.Errorf("Interpret = %v, want foobar", got)
	}
	if got, want := f.Signature().String(), "LL_L"; got != want {
		t.Errorf("Signature = %s, want %s", got, want)
	}
}

func TestCheckRejectsCycles(t *testing.T) {
	concat := invoketest.Function(registry, "Strings", "concat")
	a0 := form.Param(basic.L)
	t1 := form.NewName(concat, a0, a0)
	t2 := form.NewName(concat, t1, a0)

	for _, test := range []struct {
		names []*form.Name
		want  string
	}{
		{[]*form.Name{a0, t2, t1}, "name 1: argument 0 is a forward reference to name 2"},
		{[]*form.Name{a0, t2}, "name 1: argument 0 refers to a name not in this form"},
		{[]*form.Name{a0, t1, t1}, "name 2: name also appears at 1"},
		{[]*form.Name{t1, a0}, "name 0: bound name among parameters"},
	} {
		err := form.Check(1, test.names, form.LastResult)
		if err == nil || err.Error() != test.want {
			t.Errorf("Check = %v, want %s", err, test.want)
		}
		ierr := catchInternal(func() { form.New("bad", 1, test.names, form.LastResult) })
		if ierr == nil {
			t.Errorf("New(%v) did not panic", test.names)
		} else if !strings.Contains(ierr.Error(), test.want) {
			t.Errorf("New panicked with %v, want %s", ierr, test.want)
		}
	}

	if err := form.Check(1, []*form.Name{a0, t1, t2}, form.LastResult); err != nil {
		t.Errorf("Check of acyclic names: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	concat := invoketest.Function(registry, "Strings", "concat")

	// Parameters are interned.
	f := mustParse(t, concatSrc)
	g := mustParse(t, concatSrc)
	if f.Name(0) != g.Name(0) || f.Name(0) != form.Argument(0, basic.L) {
		t.Errorf("parameters of independently parsed forms are not shared")
	}

	// A name placed in one form is copied when it appears elsewhere
	// at a different position, and references to it follow the copy.
	a := form.Arguments(0, basic.L, basic.L)
	t2 := form.NewName(concat, a[0], a[1])
	h1 := form.New("h1", 2, []*form.Name{a[0], a[1], t2}, form.LastResult)
	if h1.Name(2) != t2 || t2.Index() != 2 {
		t.Fatalf("t2 not placed at 2")
	}
	b := form.Arguments(0, basic.L, basic.L, basic.L)
	t3 := form.NewName(concat, t2, b[2])
	h2 := form.New("h2", 3, []*form.Name{b[0], b[1], b[2], t2, t3}, form.LastResult)
	if h2.Name(3) == t2 {
		t.Errorf("t2 reused at a conflicting index")
	}
	if h2.Name(4).Arg(0) != h2.Name(3) {
		t.Errorf("reference to t2 not redirected to its copy")
	}
	if t2.Index() != 2 {
		t.Errorf("t2 index changed to %d", t2.Index())
	}
	if got, _ := form.Interpret(h2, []interface{}{"a", "b", "c"}); got != "abc" {
		t.Errorf("Interpret = %v, want abc", got)
	}
}

func TestAddArguments(t *testing.T) {
	f := mustParse(t, `form add(a0:I, a1:I) {
	t2:I = Math.add(a0, a1)
	return t2
}`)
	g := f.AddArguments(1, basic.I)
	if g.Arity() != 3 {
		t.Fatalf("arity = %d, want 3", g.Arity())
	}
	if ref := g.Name(3).Arg(1).(*form.Name); ref.Index() != 2 {
		t.Errorf("reference to parameter 1 now refers to %d, want 2", ref.Index())
	}
	if g.Result() != 3 {
		t.Errorf("result = %d, want 3", g.Result())
	}
	got, err := form.Interpret(g, []interface{}{int32(1), int32(99), int32(2)})
	if err != nil || got != int32(3) {
		t.Errorf("Interpret = %v, %v, want 3", got, err)
	}
	if g2 := f.AddArguments(1, basic.I); g2 != g {
		t.Errorf("repeated AddArguments returned a new form")
	}
	if g3 := f.AddArguments(1, basic.J); g3 == g {
		t.Errorf("AddArguments of a different type returned the cached form")
	}
}

func TestPermuteArguments(t *testing.T) {
	f := mustParse(t, concatSrc)
	LL := []basic.Type{basic.L, basic.L}
	for _, test := range []struct {
		reorder []int
		types   []basic.Type
		args    []interface{}
		want    string
	}{
		{[]int{1, 0}, LL, []interface{}{"A", "B"}, "BA"},
		{[]int{0, 1}, LL, []interface{}{"A", "B"}, "AB"},
		{[]int{0, 0}, []basic.Type{basic.L}, []interface{}{"A"}, "AA"},
		{[]int{2, 0}, []basic.Type{basic.L, basic.I, basic.L}, []interface{}{"A", int32(7), "C"}, "CA"},
	} {
		g := f.PermuteArguments(0, test.reorder, test.types)
		got, err := form.Interpret(g, test.args)
		if err != nil {
			t.Errorf("permute %v: %v", test.reorder, err)
			continue
		}
		if got != test.want {
			t.Errorf("permute %v: got %v, want %v", test.reorder, got, test.want)
		}
	}

	// Permuting a parameter that is the result.
	id := form.IdentityForm(basic.L).AddArguments(1, basic.I)
	g := id.PermuteArguments(0, []int{1, 0}, []basic.Type{basic.I, basic.L})
	if got, _ := form.Interpret(g, []interface{}{int32(1), "x"}); got != "x" {
		t.Errorf("permuted identity = %v, want x", got)
	}

	if err := catchInternal(func() { f.PermuteArguments(0, []int{0, 1}, []basic.Type{basic.L, basic.I}) }); err == nil {
		t.Errorf("type mismatch in PermuteArguments did not panic")
	}
}

func TestBindArgument(t *testing.T) {
	f := mustParse(t, concatSrc)
	before := f.String()

	g := f.BindArgument(1, "bar")
	if g.Arity() != 1 {
		t.Errorf("arity = %d, want 1", g.Arity())
	}
	if got, _ := form.Interpret(g, []interface{}{"foo"}); got != "foobar" {
		t.Errorf("Interpret = %v, want foobar", got)
	}
	if g2 := f.BindArgument(1, "bar"); g2 != g {
		t.Errorf("repeated BindArgument returned a new form")
	}
	if g3 := f.BindArgument(1, "baz"); g3 == g {
		t.Errorf("BindArgument of a different value returned the cached form")
	}
	if f.String() != before {
		t.Errorf("BindArgument modified its receiver:\n%s", cmp.Diff(before, f.String()))
	}

	// Binding the result parameter.
	id := form.IdentityForm(basic.I)
	h := id.BindArgument(0, int32(42))
	if got, _ := form.Interpret(h, nil); got != int32(42) {
		t.Errorf("bound identity = %v, want 42", got)
	}

	// Values that are not comparable are bound but not remembered.
	// Binding the same slice twice yields equal Forms.
	sel := mustParse(t, `form len(a0:L) {
	t1:I = Intrinsics.arrayLength(a0)
	return t1
}`)
	arr := []interface{}{1, 2, 3}
	h1, h2 := sel.BindArgument(0, arr), sel.BindArgument(0, arr)
	if !h1.Equal(h2) {
		t.Errorf("forms binding the same slice are not equal:\n%s\n%s", h1, h2)
	}
	if h3 := sel.BindArgument(0, []interface{}{1, 2, 3}); h1.Equal(h3) {
		t.Errorf("forms binding distinct slices are equal")
	}
	if h4 := sel.BindArgument(0, arr[:2]); h1.Equal(h4) {
		t.Errorf("forms binding slices of different lengths are equal")
	}
	if got, _ := form.Interpret(h1, nil); got != int32(3) {
		t.Errorf("arrayLength = %v, want 3", got)
	}
}

// fakeShape is a Shape whose storage is a []interface{}.
type fakeShape struct {
	types   string
	getters []*form.Function
}

func newFakeShape(types string) *fakeShape {
	s := &fakeShape{types: types}
	for i, c := range types {
		i := i
		t, _ := basic.FromChar(byte(c))
		m := member.New("Shape_"+types, "get"+string('0'+rune(i)), member.Getter, basic.MethodOf(t.GoType(), basic.AnyType))
		s.getters = append(s.getters, form.NewFunction(m, func(args []interface{}) (interface{}, error) {
			return args[0].([]interface{})[i], nil
		}))
	}
	return s
}

func (s *fakeShape) FieldCount() int             { return len(s.getters) }
func (s *fakeShape) Getter(i int) *form.Function { return s.getters[i] }

func TestBind(t *testing.T) {
	oldShape, newShape := newFakeShape("L"), newFakeShape("LI")
	lookup := func(name string) (*form.Function, bool) {
		switch name {
		case "Shape_L.get0":
			return oldShape.getters[0], true
		}
		return lookup(name)
	}
	forms, err := form.Parse("bind.form", []byte(`form f(a0:L, a1:I) {
	t2:L = Shape_L.get0(a0)
	t3:L = Strings.repeat(t2, a1)
	return t3
}`), lookup)
	if err != nil {
		t.Fatal(err)
	}
	f := forms[0]

	g := f.Bind(1, oldShape, newShape)
	want := `form f(a0:L) {
	t1:L = Shape_LI.get0(a0)
	t2:I = Shape_LI.get1(a0)
	t3:L = Strings.repeat(t1, t2)
	return t3
}
`
	if got := g.String(); got != want {
		t.Errorf("Bind:\n%s", cmp.Diff(want, got))
	}
	got, err := form.Interpret(g, []interface{}{[]interface{}{"ab", int32(3)}})
	if err != nil || got != "ababab" {
		t.Errorf("Interpret = %v, %v, want ababab", got, err)
	}
	if g2 := f.Bind(1, oldShape, newShape); g2 != g {
		t.Errorf("repeated Bind returned a new form")
	}
}

func TestCanonical(t *testing.T) {
	f := mustParse(t, concatSrc)
	g := mustParse(t, concatSrc)
	if f == g || !f.Equal(g) || f.Key() != g.Key() {
		t.Fatalf("independently parsed forms are not structurally equal")
	}
	if form.Canonical(f) != form.Canonical(g) {
		t.Errorf("Canonical did not unify equal forms")
	}
	h := f.BindArgument(1, "x")
	if form.Canonical(h) == form.Canonical(f) {
		t.Errorf("Canonical unified different forms")
	}
}

func TestZeroForm(t *testing.T) {
	for _, test := range []struct {
		sig  string
		want interface{}
	}{
		{"LI_J", int64(0)},
		{"_D", float64(0)},
		{"L_L", nil},
		{"LL_V", nil},
		{"F_F", float32(0)},
	} {
		sig := basic.MustParseSignature(test.sig)
		f := form.ZeroForm(sig)
		if f != form.ZeroForm(sig) {
			t.Errorf("ZeroForm(%s) not canonical", test.sig)
		}
		if !f.IsEmpty() {
			t.Errorf("ZeroForm(%s) is not empty:\n%s", test.sig, f)
		}
		args := make([]interface{}, len(sig.Params))
		for i, p := range sig.Params {
			args[i] = p.Zero()
		}
		if got, err := form.Interpret(f, args); err != nil || got != test.want {
			t.Errorf("ZeroForm(%s) = %v, %v, want %v", test.sig, got, err, test.want)
		}
	}
	if mustParse(t, concatSrc).IsEmpty() {
		t.Errorf("concat form is empty")
	}
}

func TestFunctionResolution(t *testing.T) {
	m := member.New("Strings", "missing", member.Static, basic.MethodOf(reflect.TypeOf(""), reflect.TypeOf("")))
	fn := form.LazyFunction(m, registry)
	err := fn.Resolve()
	var lerr *member.LinkageError
	if !errors.As(err, &lerr) || !errors.Is(err, member.ErrNotFound) {
		t.Errorf("Resolve = %v, want LinkageError(ErrNotFound)", err)
	}
	if ierr := catchInternal(func() { fn.Target() }); ierr == nil || !errors.Is(ierr, member.ErrNotFound) {
		t.Errorf("Target of unresolvable function: %v, want internal error", ierr)
	}

	// Equality is by member descriptor.
	a := invoketest.Function(registry, "Strings", "concat")
	b := invoketest.Function(registry, "Strings", "concat")
	if a == b || !a.Equal(b) {
		t.Errorf("independent functions for the same member are not equal")
	}
	if a.IsResolved() {
		t.Errorf("lazy function resolved before use")
	}
	if res, err := a.InvokeWithArguments([]interface{}{"x", "y"}); err != nil || res != "xy" {
		t.Errorf("InvokeWithArguments = %v, %v", res, err)
	}
	if !a.IsResolved() {
		t.Errorf("function not resolved after use")
	}
}

func TestInvokeConversions(t *testing.T) {
	toByte := invoketest.Function(registry, "Math", "toByte")
	if res, err := toByte.InvokeWithArguments([]interface{}{int32(0x1ff)}); err != nil || res != int32(-1) {
		t.Errorf("toByte(0x1ff) = %v, %v, want -1", res, err)
	}
	upper := invoketest.Function(registry, "Strings", "upper")
	_, err := upper.InvokeWithArguments([]interface{}{42})
	var cerr *member.CastError
	if !errors.As(err, &cerr) {
		t.Errorf("upper(42) = %v, want CastError", err)
	}
	if ierr := catchInternal(func() { upper.InvokeWithArguments([]interface{}{"a", "b"}) }); ierr == nil {
		t.Errorf("wrong arity did not panic")
	}
}

func TestErrorsPropagateUnchanged(t *testing.T) {
	f := mustParse(t, `form div(a0:I, a1:I) {
	t2:I = Math.div(a0, a1)
	t3:I = Math.negate(t2)
	return t3
}`)
	if got, err := form.Interpret(f, []interface{}{int32(6), int32(3)}); err != nil || got != int32(-2) {
		t.Errorf("div(6, 3) = %v, %v", got, err)
	}
	if _, err := form.Interpret(f, []interface{}{int32(6), int32(0)}); err != invoketest.ErrDivideByZero {
		t.Errorf("div(6, 0) error = %v, want ErrDivideByZero", err)
	}
}

// An internal error raised inside a registered function is not turned
// into an ordinary error.
func TestInternalErrorsPropagate(t *testing.T) {
	r := invoketest.Registry()
	r.MustDefine("Nested", "identityV", member.Static, func() string {
		form.IdentityForm(basic.V)
		return ""
	})
	forms, err := form.Parse("nested.form", []byte(`form nested(a0:L) {
	t1:L = Nested.identityV()
	return t1
}`), invoketest.Lookup(r))
	if err != nil {
		t.Fatal(err)
	}
	ierr := catchInternal(func() { form.Interpret(forms[0], []interface{}{"x"}) })
	if ierr == nil || !strings.Contains(ierr.Error(), "identity form of type V") {
		t.Errorf("Interpret raised %v, want identity form error", ierr)
	}
}

// funcHandle is a minimal Invokable.
type funcHandle struct {
	mt *basic.MethodType
	fn func(args []interface{}) (interface{}, error)
}

func (h *funcHandle) Type() *basic.MethodType                             { return h.mt }
func (h *funcHandle) InvokeBasic(args []interface{}) (interface{}, error) { return h.fn(args) }

func TestGuardWithCatch(t *testing.T) {
	xerr := &invoketest.XError{Msg: "boom"}
	target := &funcHandle{
		mt: basic.MethodOf(reflect.TypeOf(int32(0)), basic.AnyType),
		fn: func(args []interface{}) (interface{}, error) { return nil, xerr },
	}
	var caught interface{}
	catcher := &funcHandle{
		mt: basic.MethodOf(reflect.TypeOf(int32(0)), basic.AnyType, basic.AnyType),
		fn: func(args []interface{}) (interface{}, error) {
			caught = args[0]
			return int32(-1), nil
		},
	}
	guard := func(exType reflect.Type) *form.Form {
		a0 := form.Param(basic.L)
		gwc := form.NewName(form.GuardWithCatch(basic.MustParseSignature("L_I")), target, exType, catcher, a0)
		return form.New("guard", 1, []*form.Name{a0, gwc}, form.LastResult)
	}

	got, err := form.Interpret(guard(reflect.TypeOf(xerr)), []interface{}{"arg"})
	if err != nil || got != int32(-1) {
		t.Errorf("guard(X) = %v, %v, want -1", got, err)
	}
	if caught != xerr {
		t.Errorf("catcher received %v, want %v", caught, xerr)
	}

	_, err = form.Interpret(guard(reflect.TypeOf(&invoketest.YError{})), []interface{}{"arg"})
	if err != error(xerr) {
		t.Errorf("guard(Y) error = %v, want the X error unchanged", err)
	}

	// An interface filter matches any error implementing it.
	if got, _ := form.Interpret(guard(basic.ErrorType), []interface{}{"arg"}); got != int32(-1) {
		t.Errorf("guard(error) = %v, want -1", got)
	}
}

func TestSelectAlternative(t *testing.T) {
	sel := form.SelectAlternative()
	for _, test := range []struct {
		test int32
		want string
	}{{1, "a"}, {0, "b"}, {2, "b"}, {3, "a"}} { // bool narrowing keeps the low bit
		got, err := sel.InvokeWithArguments([]interface{}{test.test, "a", "b"})
		if err != nil || got != test.want {
			t.Errorf("selectAlternative(%d) = %v, %v, want %s", test.test, got, err, test.want)
		}
	}
}

func TestLookupIntrinsic(t *testing.T) {
	for _, name := range []string{
		"identity_L", "Intrinsics.zero_V", "box_D", "unbox_J", "convert_IF",
		"selectAlternative", "arrayElement", "makeArray_3", "guardWithCatch_LL_L", "invokeBasic_LIJ_D",
	} {
		fn, ok := form.LookupIntrinsic(name)
		if !ok {
			t.Errorf("LookupIntrinsic(%s) failed", name)
			continue
		}
		if !strings.HasSuffix(fn.String(), strings.TrimPrefix(name, "Intrinsics.")) {
			t.Errorf("LookupIntrinsic(%s) = %s", name, fn)
		}
	}
	for _, name := range []string{"identity_V", "convert_JI", "makeArray_x", "guardWithCatch_Q", "nope"} {
		if _, ok := form.LookupIntrinsic(name); ok {
			t.Errorf("LookupIntrinsic(%s) succeeded", name)
		}
	}
}

func TestUnbox(t *testing.T) {
	for _, test := range []struct {
		t    basic.Type
		in   interface{}
		want interface{}
	}{
		{basic.I, true, int32(1)},
		{basic.I, int8(-3), int32(-3)},
		{basic.J, int32(5), int64(5)},
		{basic.D, float32(1.5), float64(1.5)},
		{basic.F, int64(2), float32(2)},
		{basic.L, "s", "s"},
	} {
		got, err := form.Unbox(test.t).InvokeWithArguments([]interface{}{test.in})
		if err != nil || got != test.want {
			t.Errorf("unbox_%v(%#v) = %#v, %v, want %#v", test.t, test.in, got, err, test.want)
		}
	}
	_, err := form.Unbox(basic.I).InvokeWithArguments([]interface{}{int64(1)})
	var cerr *member.CastError
	if !errors.As(err, &cerr) {
		t.Errorf("unbox_I(int64) = %v, want CastError", err)
	}
}

func TestConcurrentEdits(t *testing.T) {
	f := mustParse(t, concatSrc)
	var wg sync.WaitGroup
	results := make([]*form.Form, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.BindArgument(0, "k")
		}(i)
	}
	wg.Wait()
	for _, g := range results[1:] {
		if g != results[0] {
			t.Fatalf("concurrent BindArgument published distinct forms")
		}
	}
}
