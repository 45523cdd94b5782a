// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/internal/compile"
	"go.callform.net/invoketest"
	"go.callform.net/member"
	"go.callform.net/species"
)

var (
	stringType = reflect.TypeOf("")
	int32Type  = reflect.TypeOf(int32(0))
	int64Type  = reflect.TypeOf(int64(0))
	int8Type   = reflect.TypeOf(int8(0))
	xErrorType = reflect.TypeOf((*invoketest.XError)(nil))
	yErrorType = reflect.TypeOf((*invoketest.YError)(nil))
)

var registry = func() *member.Registry {
	r := invoketest.Registry()
	r.MustDefine("Arrays", "count", member.Static, func(xs []interface{}) int32 { return int32(len(xs)) })
	return r
}()

var lookup = NewLookup(registry)

func find(t testing.TB, owner, name string) *DirectHandle {
	t.Helper()
	h, err := lookup.FindStatic(owner, name, nil)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// must returns h, or panics if err is non-nil.
func must(h Handle, err error) Handle {
	if err != nil {
		panic(err)
	}
	return h
}

// setThreshold sets CompileThreshold for the duration of a test.
func setThreshold(t *testing.T, n int) {
	old := CompileThreshold
	CompileThreshold = n
	t.Cleanup(func() { CompileThreshold = old })
}

// TestConcat calls a two-argument member through the interpreter and
// through compiled code.
func TestConcat(t *testing.T) {
	concat := find(t, "Strings", "concat")
	if got, err := Invoke(concat, "foo", "bar"); err != nil || got != "foobar" {
		t.Errorf("Invoke = %v, %v, want foobar", got, err)
	}
	if got, err := InvokeExact(concat, concat.Type(), "foo", "bar"); err != nil || got != "foobar" {
		t.Errorf("InvokeExact = %v, %v, want foobar", got, err)
	}

	setThreshold(t, 0)
	h := must(BindLiteral(concat, 1, "bar (eager)"))
	if !IsCompiled(h.Form()) {
		t.Errorf("form %s was not compiled eagerly", h.Form().DebugName())
	}
	if got, err := Invoke(h, "foo"); err != nil || got != "foobar (eager)" {
		t.Errorf("compiled Invoke = %v, %v, want foobar (eager)", got, err)
	}
}

func TestDirectFormsAreShared(t *testing.T) {
	h1 := find(t, "Strings", "concat")
	h2 := find(t, "Strings", "concat")
	if h1.Form() != h2.Form() {
		t.Errorf("two handles for Strings.concat have distinct forms")
	}
	if got, want := h1.String(), "Strings.concat(string,string)string"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestInvokeExact(t *testing.T) {
	concat := find(t, "Strings", "concat")
	mt := basic.MethodOf(basic.AnyType, stringType, stringType)
	_, err := InvokeExact(concat, mt, "a", "b")
	var wrong *WrongMethodTypeError
	if !errors.As(err, &wrong) {
		t.Fatalf("InvokeExact at %s returned %v, want WrongMethodTypeError", mt, err)
	}
	if wrong.Expected != concat.Type() || wrong.Actual != mt {
		t.Errorf("error has types %s and %s", wrong.Expected, wrong.Actual)
	}

	if _, err := InvokeExact(concat, concat.Type(), "a", int32(1)); err == nil {
		t.Errorf("InvokeExact with int32 for string succeeded")
	}

	isPositive := find(t, "Math", "isPositive")
	if got, err := InvokeExact(isPositive, isPositive.Type(), int32(3)); err != nil || got != true {
		t.Errorf("isPositive(3) = %v, %v", got, err)
	}
	toByte := find(t, "Math", "toByte")
	if got, err := InvokeExact(toByte, toByte.Type(), int8(-7)); err != nil || got != int8(-7) {
		t.Errorf("toByte(-7) = %v, %v", got, err)
	}
}

func TestInvokerCache(t *testing.T) {
	mt := basic.MethodOf(stringType, stringType, stringType)
	inv := InvokersOf(mt)
	if InvokersOf(mt) != inv {
		t.Errorf("InvokersOf returned distinct records for %s", mt)
	}
	if inv.Exact() != inv.Exact() || inv.Generic() != inv.Generic() || inv.Basic() != inv.Basic() {
		t.Errorf("invokers of %s are not cached", mt)
	}
	if got, want := inv.Exact().Type(), mt.InsertParams(0, handleType); got != want {
		t.Errorf("exact invoker has type %s, want %s", got, want)
	}

	concat := find(t, "Strings", "concat")
	got, err := inv.Basic().InvokeBasic([]interface{}{concat, "x", "y"})
	if err != nil || got != "xy" {
		t.Errorf("basic invoker = %v, %v", got, err)
	}
	s1, err := inv.Spreader(1)
	if err != nil {
		t.Fatal(err)
	}
	if s2, _ := inv.Spreader(1); s1 != s2 {
		t.Errorf("spreaders are not cached")
	}
	got, err = Invoke(s1, concat, "p", []interface{}{"q"})
	if err != nil || got != "pq" {
		t.Errorf("spreader = %v, %v", got, err)
	}
}

// TestGuardWithCatch checks that a matching error is handled and that
// any other error is returned unchanged.
func TestGuardWithCatch(t *testing.T) {
	failX := find(t, "Errors", "failX")
	recoverX := find(t, "Errors", "recoverX")

	g := must(CatchException(failX, xErrorType, recoverX))
	if got, err := Invoke(g, "boom"); err != nil || got != int32(-1) {
		t.Errorf("guarded failX = %v, %v, want -1", got, err)
	}

	c := must(Constant(int32Type, int32(-1)))
	recoverY := must(DropArguments(c, 0, yErrorType, stringType))
	g = must(CatchException(failX, yErrorType, recoverY))
	_, err := Invoke(g, "boom")
	x, ok := err.(*invoketest.XError)
	if !ok || x.Msg != "boom" {
		t.Errorf("failX guarded for Y returned error %#v, want the XError", err)
	}

	if _, err := CatchException(failX, yErrorType, recoverX); err == nil {
		t.Errorf("CatchException accepted a handler of the wrong type")
	}
	if _, err := CatchException(failX, stringType, recoverX); err == nil {
		t.Errorf("CatchException accepted a non-error type")
	}
}

// TestAdapters calls adapted handles through the generic Invoke.
func TestAdapters(t *testing.T) {
	concat := find(t, "Strings", "concat")
	upper := find(t, "Strings", "upper")
	length := find(t, "Strings", "length")
	negate := find(t, "Math", "negate")
	isPositive := find(t, "Math", "isPositive")
	count := find(t, "Arrays", "count")
	errBoom := errors.New("boom")

	for _, test := range []struct {
		name  string
		build func() (Handle, error)
		args  []interface{}
		want  interface{}
	}{
		{"insert", func() (Handle, error) { return InsertArguments(concat, 1, "bar") }, []interface{}{"foo"}, "foobar"},
		{"insert2", func() (Handle, error) { return InsertArguments(concat, 0, "a", "b") }, nil, "ab"},
		{"bindTo", func() (Handle, error) { return BindTo(concat, "x") }, []interface{}{"y"}, "xy"},
		{"literal", func() (Handle, error) { return BindLiteral(concat, 0, "x") }, []interface{}{"y"}, "xy"},
		{"drop", func() (Handle, error) { return DropArguments(concat, 1, int32Type) }, []interface{}{"a", int32(5), "b"}, "ab"},
		{"swap", func() (Handle, error) {
			return PermuteArguments(concat, basic.MethodOf(stringType, stringType, stringType), 1, 0)
		}, []interface{}{"a", "b"}, "ba"},
		{"dup", func() (Handle, error) {
			return PermuteArguments(concat, basic.MethodOf(stringType, stringType), 0, 0)
		}, []interface{}{"ab"}, "abab"},
		{"filter", func() (Handle, error) { return FilterArguments(concat, 1, upper) }, []interface{}{"a", "b"}, "aB"},
		{"filterSome", func() (Handle, error) { return FilterArguments(concat, 0, nil, upper) }, []interface{}{"a", "b"}, "aB"},
		{"filterReturn", func() (Handle, error) { return FilterReturnValue(concat, length) }, []interface{}{"ab", "c"}, int32(3)},
		{"fold", func() (Handle, error) { return FoldArguments(concat, upper) }, []interface{}{"ab"}, "ABab"},
		{"guardTrue", func() (Handle, error) { return GuardWithTest(isPositive, negate, Identity(int32Type)) }, []interface{}{int32(5)}, int32(-5)},
		{"guardFalse", func() (Handle, error) { return GuardWithTest(isPositive, negate, Identity(int32Type)) }, []interface{}{int32(-3)}, int32(-3)},
		{"widen", func() (Handle, error) { return AsType(length, basic.MethodOf(int64Type, basic.AnyType)) }, []interface{}{"abc"}, int64(3)},
		{"boxBool", func() (Handle, error) { return AsType(isPositive, basic.MethodOf(basic.AnyType, int32Type)) }, []interface{}{int32(1)}, true},
		{"dropResult", func() (Handle, error) { return AsType(concat, basic.MethodOf(nil, stringType, stringType)) }, []interface{}{"a", "b"}, nil},
		{"spread", func() (Handle, error) { return AsSpreader(concat, 2) }, []interface{}{[]interface{}{"a", "b"}}, "ab"},
		{"collect", func() (Handle, error) { return AsCollector(count, 3) }, []interface{}{"a", "b", "c"}, int32(3)},
		{"varargs", func() (Handle, error) { return AsVarargsCollector(count) }, []interface{}{"a", "b"}, int32(2)},
		{"varargsNone", func() (Handle, error) { return AsVarargsCollector(count) }, nil, int32(0)},
		{"varargsArray", func() (Handle, error) { return AsVarargsCollector(count) }, []interface{}{[]interface{}{"x"}}, int32(1)},
		{"constant", func() (Handle, error) { return Constant(stringType, "k") }, nil, "k"},
		{"identity", func() (Handle, error) { return Identity(stringType), nil }, []interface{}{"id"}, "id"},
		{"zero", func() (Handle, error) { return Zero(int64Type), nil }, nil, int64(0)},
		{"zeroVoid", func() (Handle, error) { return Zero(nil), nil }, nil, nil},
	} {
		h, err := test.build()
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		got, err := Invoke(h, test.args...)
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("%s%v = %#v, want %#v", test.name, test.args, got, test.want)
		}
	}

	th, err := Throw(int32Type, basic.ErrorType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Invoke(th, errBoom); err != errBoom {
		t.Errorf("throw returned %v, want %v", err, errBoom)
	}
}

func TestAdapterErrors(t *testing.T) {
	concat := find(t, "Strings", "concat")
	length := find(t, "Strings", "length")
	negate := find(t, "Math", "negate")

	for _, test := range []struct {
		name  string
		build func() (Handle, error)
		want  string
	}{
		{"insertRange", func() (Handle, error) { return InsertArguments(concat, 1, "a", "b") }, "cannot insert 2 values at 1"},
		{"insertType", func() (Handle, error) { return InsertArguments(concat, 0, int32(1)) }, "cannot cast int32 to string"},
		{"bindTo", func() (Handle, error) { return BindTo(negate, int32(1)) }, "no leading reference parameter"},
		{"permute", func() (Handle, error) {
			return PermuteArguments(concat, basic.MethodOf(stringType, int32Type, stringType), 1, 0)
		}, "wrong method type"},
		{"filter", func() (Handle, error) { return FilterArguments(concat, 0, length) }, "cannot produce parameter 0"},
		{"filterReturn", func() (Handle, error) { return FilterReturnValue(length, concat) }, "does not accept the result"},
		{"narrow", func() (Handle, error) { return AsType(length, basic.MethodOf(reflect.TypeOf(int8(0)), stringType)) }, "wrong method type"},
		{"arity", func() (Handle, error) { return AsType(length, basic.GenericMethod(2)) }, "wrong method type"},
		{"collect", func() (Handle, error) { return AsCollector(concat, 2) }, "cannot collect"},
		{"spread", func() (Handle, error) { return AsSpreader(concat, 3) }, "cannot spread"},
		{"throw", func() (Handle, error) { return Throw(int32Type, stringType) }, "not an error type"},
	} {
		_, err := test.build()
		if err == nil {
			t.Errorf("%s: succeeded, want error containing %q", test.name, test.want)
		} else if !strings.Contains(err.Error(), test.want) {
			t.Errorf("%s: got %v, want error containing %q", test.name, err, test.want)
		}
	}

	spread := must(AsSpreader(concat, 2))
	if _, err := Invoke(spread, []interface{}{"a"}); err == nil || !strings.Contains(err.Error(), "length 1, want 2") {
		t.Errorf("spreading a short array returned %v", err)
	}
	if _, err := Invoke(concat, "a"); err == nil {
		t.Errorf("Invoke with too few arguments succeeded")
	}
}

// TestBoundRetargeting checks that binding an argument of a bound handle
// extends its storage and retargets every field read of its Form.
func TestBoundRetargeting(t *testing.T) {
	concat := find(t, "Strings", "concat")
	h1 := must(InsertArguments(concat, 0, "a"))
	h2 := must(InsertArguments(h1, 0, "b"))

	b, ok := h2.(*BoundHandle)
	if !ok {
		t.Fatalf("InsertArguments returned %T", h2)
	}
	if got, want := b.SpeciesData().Species(), species.Of(basic.L, basic.L); got != want {
		t.Errorf("storage has species %v, want %v", got, want)
	}
	if diff := cmp.Diff([]interface{}{"a", "b"}, b.SpeciesData().Values()); diff != "" {
		t.Errorf("stored values (-want +got):\n%s", diff)
	}
	for _, n := range b.Form().Names() {
		if fn := n.Function(); fn != nil && fn.Member().Kind == member.Getter && fn.Member().Owner != "Species_LL" {
			t.Errorf("form reads field %s of an old species:\n%s", fn, b.Form())
		}
	}
	if got, err := Invoke(h2); err != nil || got != "ab" {
		t.Errorf("Invoke = %v, %v, want ab", got, err)
	}
	// The operand is unchanged.
	if got, err := Invoke(h1, "z"); err != nil || got != "az" {
		t.Errorf("Invoke(h1) = %v, %v, want az", got, err)
	}
}

// TestWrapping checks that binding beyond the size limits wraps the
// handle in a fresh bound handle that holds it.
func TestWrapping(t *testing.T) {
	concat := find(t, "Strings", "concat")

	defer func(n int) { MaxBoundFields = n }(MaxBoundFields)
	MaxBoundFields = 1
	h := must(InsertArguments(concat, 0, "a", "b"))
	d := h.(*BoundHandle).SpeciesData()
	if got, want := d.Species().Types(), "LL"; got != want {
		t.Errorf("storage has types %s, want %s", got, want)
	}
	if _, ok := d.Field(0).(Handle); !ok {
		t.Errorf("field 0 of wrapped storage is %T, want the inner handle", d.Field(0))
	}
	if got, err := Invoke(h); err != nil || got != "ab" {
		t.Errorf("Invoke = %v, %v, want ab", got, err)
	}
	MaxBoundFields = 12

	defer func(n int) { MaxFormNames = n }(MaxFormNames)
	MaxFormNames = 3
	h = must(InsertArguments(concat, 1, "c"))
	d = h.(*BoundHandle).SpeciesData()
	if _, ok := d.Field(0).(*DirectHandle); !ok || d.Len() != 2 {
		t.Errorf("storage %v does not hold the wrapped direct handle", d)
	}
	if got, err := Invoke(h, "x"); err != nil || got != "xc" {
		t.Errorf("Invoke = %v, %v, want xc", got, err)
	}
}

func TestLookup(t *testing.T) {
	if _, err := lookup.FindStatic("Strings", "missing", nil); !errors.Is(err, member.ErrNotFound) {
		t.Errorf("FindStatic(missing) = %v, want ErrNotFound", err)
	}
	if _, err := lookup.FindStatic("Strings", "_secret", nil); !errors.Is(err, member.ErrInaccessible) {
		t.Errorf("FindStatic(_secret) = %v, want ErrInaccessible", err)
	}
	var le *member.LinkageError
	if _, err := lookup.FindStatic("Strings", "concat", basic.MethodOf(stringType, stringType)); !errors.As(err, &le) {
		t.Errorf("FindStatic with the wrong type = %v, want LinkageError", err)
	}
	noTypes := NewLookup(member.ResolverFunc(registry.Resolve))
	if _, err := noTypes.FindStatic("Strings", "concat", nil); !errors.As(err, &le) {
		t.Errorf("FindStatic without a type = %v, want LinkageError", err)
	}

	ctor, err := lookup.FindConstructor("Counter", nil)
	if err != nil {
		t.Fatal(err)
	}
	incr, err := lookup.FindVirtual("Counter", "incr", nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Invoke(ctor)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if got, err := Invoke(incr, c); err != nil || got != int32(i) {
			t.Errorf("incr #%d = %v, %v", i, got, err)
		}
	}
}

// TestPromotion checks that a Form is interpreted until it has been
// invoked CompileThreshold times, and compiled afterwards.
func TestPromotion(t *testing.T) {
	setThreshold(t, 2)
	concat := find(t, "Strings", "concat")
	h := must(BindLiteral(concat, 0, "promoted:"))
	for i := 1; i <= 4; i++ {
		got, err := h.InvokeBasic([]interface{}{"x"})
		if err != nil || got != "promoted:x" {
			t.Fatalf("call %d = %v, %v", i, got, err)
		}
		if compiled := IsCompiled(h.Form()); compiled != (i > 2) {
			t.Errorf("after call %d, IsCompiled = %t", i, compiled)
		}
	}

	CompileThreshold = -1
	h = must(BindLiteral(concat, 0, "interpreted:"))
	for i := 0; i < 5; i++ {
		h.InvokeBasic([]interface{}{"x"})
	}
	if IsCompiled(h.Form()) {
		t.Errorf("form compiled with compilation disabled")
	}
}

// TestConcurrentPromotion invokes a handle from many goroutines while
// it is promoted, and checks that no invocation is performed twice.
func TestConcurrentPromotion(t *testing.T) {
	setThreshold(t, 5)
	incr, err := lookup.FindVirtual("Counter", "incr", nil)
	if err != nil {
		t.Fatal(err)
	}
	counter := new(invoketest.Counter)
	h := must(BindLiteral(incr, 0, counter))

	const goroutines, calls = 8, 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				if _, err := h.InvokeBasic(nil); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := counter.Load(); got != goroutines*calls {
		t.Errorf("counter = %d, want %d", got, goroutines*calls)
	}
	if !IsCompiled(h.Form()) {
		t.Errorf("form was not promoted")
	}
}

func TestExplicitCastArguments(t *testing.T) {
	negate := find(t, "Math", "negate")
	concat := find(t, "Strings", "concat")
	float64Type := reflect.TypeOf(0.0)

	for _, test := range []struct {
		mt   *basic.MethodType
		arg  interface{}
		want interface{}
	}{
		{basic.MethodOf(int8Type, int64Type), int64(1<<32 + 5), int8(-5)},
		{basic.MethodOf(int8Type, int32Type), int32(-130), int8(-126)},
		{basic.MethodOf(boolType, float64Type), 3.9, true},
		{basic.MethodOf(boolType, float64Type), 2.9, false},
		{basic.MethodOf(int64Type, boolType), true, int64(-1)},
		{basic.MethodOf(int32Type, basic.AnyType), 7, int32(-7)},
		{basic.MethodOf(int32Type, basic.AnyType), nil, int32(0)},
		{basic.MethodOf(basic.AnyType, basic.AnyType), uint8(9), int32(-9)},
	} {
		h := must(ExplicitCastArguments(negate, test.mt))
		if got, err := Invoke(h, test.arg); err != nil || got != test.want {
			t.Errorf("negate as %s: (%#v) = %#v, %v, want %#v", test.mt, test.arg, got, err, test.want)
		}
	}

	h := must(ExplicitCastArguments(negate, basic.MethodOf(int32Type, basic.AnyType)))
	if _, err := Invoke(h, "seven"); err == nil {
		t.Errorf("explicit cast of a string to int32 succeeded")
	} else if _, ok := err.(*member.CastError); !ok {
		t.Errorf("got %T %v, want *member.CastError", err, err)
	}

	// A primitive may be passed for a reference, which is checked when called.
	h = must(ExplicitCastArguments(concat, basic.MethodOf(stringType, int32Type, stringType)))
	if _, err := Invoke(h, int32(5), "x"); err == nil {
		t.Errorf("explicit cast of an int32 to string succeeded")
	}

	if _, err := ExplicitCastArguments(negate, basic.MethodOf(int32Type)); err == nil {
		t.Errorf("explicit cast to a type of different arity succeeded")
	}
}

func TestArrayElementAccessors(t *testing.T) {
	bytesType := reflect.TypeOf([]int8(nil))
	get := must(ArrayElementGetter(bytesType))
	set := must(ArrayElementSetter(bytesType))
	if got, want := get.Type(), basic.MethodOf(int8Type, bytesType, int32Type); got != want {
		t.Errorf("getter has type %s, want %s", got, want)
	}
	if got, want := set.Type(), basic.MethodOf(nil, bytesType, int32Type, int8Type); got != want {
		t.Errorf("setter has type %s, want %s", got, want)
	}

	xs := []int8{1, 2, 3}
	if _, err := Invoke(set, xs, int32(1), int8(-7)); err != nil {
		t.Fatal(err)
	}
	if xs[1] != -7 {
		t.Errorf("after set, xs = %v", xs)
	}
	if got, err := Invoke(get, xs, int32(1)); err != nil || got != int8(-7) {
		t.Errorf("get = %#v, %v, want -7", got, err)
	}
	for _, i := range []int32{-1, 3} {
		if _, err := Invoke(get, xs, i); err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Errorf("get(%d) error = %v", i, err)
		}
		if _, err := Invoke(set, xs, i, int8(0)); err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Errorf("set(%d) error = %v", i, err)
		}
	}

	getAny := must(ArrayElementGetter(basic.ArrayType))
	setAny := must(ArrayElementSetter(basic.ArrayType))
	arr := []interface{}{"a", 1}
	if _, err := Invoke(setAny, arr, int32(1), nil); err != nil || arr[1] != nil {
		t.Errorf("set nil: %v, arr = %v", err, arr)
	}
	if got, err := Invoke(getAny, arr, int32(0)); err != nil || got != "a" {
		t.Errorf("get = %#v, %v, want a", got, err)
	}

	setString := must(ArrayElementSetter(reflect.TypeOf([]string(nil))))
	if _, err := Invoke(setString, []string{"a"}, int32(0), 42); err == nil {
		t.Errorf("storing an int in a []string succeeded")
	}

	if _, err := ArrayElementGetter(stringType); err == nil {
		t.Errorf("ArrayElementGetter(string) succeeded")
	}
	if _, err := ArrayElementSetter(nil); err == nil {
		t.Errorf("ArrayElementSetter(nil) succeeded")
	}
}

// TestExecutedFormsAreCollected ensures that the promotion state of a
// Form does not keep it reachable once its handle is dropped.
func TestExecutedFormsAreCollected(t *testing.T) {
	setThreshold(t, 0)
	count := find(t, "Arrays", "count")
	done := make(chan struct{})
	func() {
		h := must(BindLiteral(count, 0, []interface{}{"a", "b"}))
		if got, err := Invoke(h); err != nil || got != int32(2) {
			t.Fatalf("Invoke = %v, %v, want 2", got, err)
		}
		if !IsCompiled(h.Form()) {
			t.Fatalf("form %s was not compiled", h.Form().DebugName())
		}
		runtime.SetFinalizer(h.Form(), func(*form.Form) { close(done) })
	}()
	for i := 0; i < 50; i++ {
		runtime.GC()
		select {
		case <-done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Errorf("executed form was not collected")
}

func TestAdapterFormsAreCanonical(t *testing.T) {
	sig := basic.MakeSignature(basic.I, basic.L, basic.J)
	build := func() *form.Form {
		b := newBuilder("forward", sig.Params)
		target := b.field(sL, 0)
		return b.build(b.add(form.InvokeBasic(sig), b.invokeArgs(target, 0, len(sig.Params))...))
	}
	f1 := cachedForm(adapterKey{op: "forward1", sig: sig.String()}, build)
	f2 := cachedForm(adapterKey{op: "forward2", sig: sig.String()}, build)
	if f1 != f2 {
		t.Errorf("structurally identical adapter forms are distinct:\n%s\n%s", f1, f2)
	}
	if f3 := build(); f3 == f1 || !f3.Equal(f1) {
		t.Errorf("builder returned a shared or different form")
	}
}

// interpretAndExec evaluates the Form of h on args through the
// interpreter and through compiled code.
func interpretAndExec(t *testing.T, h Handle, args ...interface{}) (r1, r2 interface{}, e1, e2 error) {
	t.Helper()
	argv := append([]interface{}{h}, args...)
	r1, e1 = form.Interpret(h.Form(), argv)
	u, err := compile.Compile(h.Form())
	if err != nil {
		t.Fatalf("compiling %s: %v", h.Form().DebugName(), err)
	}
	e, err := DefaultLoader{}.Load(u)
	if err != nil {
		t.Fatalf("loading %s: %v", u.Name, err)
	}
	r2, e2 = e.exec(argv)
	return
}

// TestEquivalence checks that interpreted and compiled Forms produce
// the same results and errors.
func TestEquivalence(t *testing.T) {
	concat := find(t, "Strings", "concat")
	upper := find(t, "Strings", "upper")
	div := find(t, "Math", "div")
	negate := find(t, "Math", "negate")
	isPositive := find(t, "Math", "isPositive")
	failX := find(t, "Errors", "failX")
	recoverX := find(t, "Errors", "recoverX")
	recoverY := must(DropArguments(must(Constant(int32Type, int32(-1))), 0, yErrorType, stringType))

	for _, test := range []struct {
		h    Handle
		args []interface{}
	}{
		{concat, []interface{}{"foo", "bar"}},
		{div, []interface{}{int32(7), int32(2)}},
		{div, []interface{}{int32(7), int32(0)}},
		{must(InsertArguments(concat, 1, "!")), []interface{}{"x"}},
		{must(FilterArguments(concat, 0, upper, upper)), []interface{}{"x", "y"}},
		{must(FoldArguments(concat, upper)), []interface{}{"q"}},
		{must(GuardWithTest(isPositive, negate, Identity(int32Type))), []interface{}{int32(4)}},
		{must(GuardWithTest(isPositive, negate, Identity(int32Type))), []interface{}{int32(-4)}},
		{must(CatchException(failX, xErrorType, recoverX)), []interface{}{"boom"}},
		{must(CatchException(failX, yErrorType, recoverY)), []interface{}{"boom"}},
		{must(CatchException(div, basic.ErrorType, must(DropArguments(must(Constant(int32Type, int32(99))), 0, basic.ErrorType, int32Type, int32Type)))), []interface{}{int32(1), int32(0)}},
		{must(AsType(concat, basic.GenericMethod(2))), []interface{}{"a", "b"}},
		{must(AsType(isPositive, basic.MethodOf(basic.AnyType, basic.AnyType))), []interface{}{int32(2)}},
		{must(AsSpreader(concat, 2)), []interface{}{[]interface{}{"s", "t"}}},
		{must(BindLiteral(concat, 0, "lit")), []interface{}{"eral"}},
		{must(ExplicitCastArguments(negate, basic.MethodOf(int8Type, int64Type))), []interface{}{int64(1<<32 + 5)}},
		{must(ExplicitCastArguments(concat, basic.MethodOf(stringType, int32Type, stringType))), []interface{}{int32(5), "x"}},
		{must(ArrayElementGetter(reflect.TypeOf([]string(nil)))), []interface{}{[]string{"p", "q"}, int32(1)}},
		{must(ArrayElementGetter(reflect.TypeOf([]string(nil)))), []interface{}{[]string{"p", "q"}, int32(2)}},
	} {
		r1, r2, e1, e2 := interpretAndExec(t, test.h, test.args...)
		name := fmt.Sprintf("%s%v", test.h.Form().DebugName(), test.args)
		if !reflect.DeepEqual(r1, r2) {
			t.Errorf("%s: interpreted %#v, compiled %#v", name, r1, r2)
		}
		if fmt.Sprint(e1) != fmt.Sprint(e2) || reflect.TypeOf(e1) != reflect.TypeOf(e2) {
			t.Errorf("%s: interpreted error %v, compiled error %v", name, e1, e2)
		}
	}
}

// TestConstantCast checks that a constant of a primitive type passed to
// a reference parameter fails with the same cast error whether the Form
// is interpreted or compiled.
func TestConstantCast(t *testing.T) {
	forms, err := form.Parse("cast.form", []byte(`form p(a0:L) {
	t1:L = Strings.concat(a0, 5)
	return t1
}`), invoketest.Lookup(registry))
	if err != nil {
		t.Fatal(err)
	}
	f := forms[0]
	argv := []interface{}{"x"}
	_, e1 := form.Interpret(f, argv)
	u, err := compile.Compile(f)
	if err != nil {
		t.Fatal(err)
	}
	e, err := DefaultLoader{}.Load(u)
	if err != nil {
		t.Fatal(err)
	}
	_, e2 := e.exec(argv)

	for _, err := range []error{e1, e2} {
		if _, ok := err.(*member.CastError); !ok {
			t.Errorf("got %T %v, want *member.CastError", err, err)
		}
	}
	if fmt.Sprint(e1) != fmt.Sprint(e2) {
		t.Errorf("interpreted error %v, compiled error %v", e1, e2)
	}
}

// TestErrorIdentity checks that an error that is not caught is returned
// by compiled code as the same value.
func TestErrorIdentity(t *testing.T) {
	setThreshold(t, 0)
	errBoom := errors.New("boom")
	th, err := Throw(int32Type, basic.ErrorType)
	if err != nil {
		t.Fatal(err)
	}
	c := must(Constant(int32Type, int32(0)))
	handler := must(DropArguments(c, 0, yErrorType, basic.ErrorType))
	g := must(CatchException(th, yErrorType, handler))
	if !IsCompiled(g.Form()) {
		t.Fatalf("form was not compiled")
	}
	if _, err := g.InvokeBasic([]interface{}{errBoom}); err != errBoom {
		t.Errorf("got error %v, want the thrown error", err)
	}
}

func TestLoaderDump(t *testing.T) {
	defer func(dump bool, dir string) { compile.DumpUnits, compile.DumpDir = dump, dir }(compile.DumpUnits, compile.DumpDir)
	compile.DumpUnits = true
	compile.DumpDir = t.TempDir()

	concat := find(t, "Strings", "concat")
	h := must(BindLiteral(concat, 0, "dumped"))
	u, err := compile.Compile(h.Form())
	if err != nil {
		t.Fatal(err)
	}
	e, err := CodeLoader.Load(u)
	if err != nil {
		t.Fatal(err)
	}
	if e.Unit() != u {
		t.Errorf("entry has unit %v", e.Unit())
	}
	entries, err := os.ReadDir(compile.DumpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dump directory holds %v", entries)
	}
}

func TestLoaderRejectsBadUnits(t *testing.T) {
	u := &compile.Unit{Name: "bad", Signature: basic.MustParseSignature("_L")}
	if _, err := (DefaultLoader{}).Load(u); err == nil || !strings.Contains(err.Error(), "empty code") {
		t.Errorf("Load(bad) = %v", err)
	}
}

func BenchmarkInterpreted(b *testing.B) {
	h := must(FilterArguments(find(b, "Strings", "concat"), 0, find(b, "Strings", "upper")))
	argv := []interface{}{h, "a", "b"}
	for i := 0; i < b.N; i++ {
		if _, err := form.Interpret(h.Form(), argv); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCompiled(b *testing.B) {
	h := must(FilterArguments(find(b, "Strings", "concat"), 0, find(b, "Strings", "upper")))
	u, err := compile.Compile(h.Form())
	if err != nil {
		b.Fatal(err)
	}
	e, err := DefaultLoader{}.Load(u)
	if err != nil {
		b.Fatal(err)
	}
	argv := []interface{}{h, "a", "b"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.exec(argv); err != nil {
			b.Fatal(err)
		}
	}
}
