// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// String returns the text of f in the syntax accepted by Parse:
//
//	form concat(a0:L, a1:L) {
//		t2:L = Strings.concat(a0, a1)
//		return t2
//	}
//
// Constants that have no literal syntax are printed as <type>.
func (f *Form) String() string {
	var buf strings.Builder
	name := f.debugName
	if !isIdent(name) {
		name = "anon"
	}
	fmt.Fprintf(&buf, "form %s(", name)
	for i := 0; i < f.arity; i++ {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "a%d:%v", i, f.names[i].typ)
	}
	buf.WriteString(") {\n")
	for i := f.arity; i < len(f.names); i++ {
		n := f.names[i]
		fmt.Fprintf(&buf, "\tt%d:%v = %s(", i, n.typ, n.fn)
		for j, arg := range n.args {
			if j > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(f.argString(arg))
		}
		buf.WriteString(")\n")
	}
	if f.result < 0 {
		buf.WriteString("\treturn void\n")
	} else {
		fmt.Fprintf(&buf, "\treturn %s\n", f.nameString(f.result))
	}
	buf.WriteString("}\n")
	return buf.String()
}

func (f *Form) nameString(i int) string {
	if i < f.arity {
		return "a" + strconv.Itoa(i)
	}
	return "t" + strconv.Itoa(i)
}

func (f *Form) argString(arg interface{}) string {
	if x, ok := arg.(*Name); ok {
		return f.nameString(x.Index())
	}
	return Literal(arg)
}

func (n *Name) String() string {
	if n.IsParam() {
		return fmt.Sprintf("a%d:%v", n.Index(), n.typ)
	}
	return fmt.Sprintf("t%d:%v", n.Index(), n.typ)
}

// Literal returns the text of a constant in Form syntax.
func Literal(x interface{}) string {
	switch x := x.(type) {
	case nil:
		return "null"
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10) + "L"
	case float32:
		return floatLiteral(float64(x), 32) + "F"
	case float64:
		return floatLiteral(x, 64) + "D"
	case string:
		return strconv.Quote(x)
	}
	return "<" + reflect.TypeOf(x).String() + ">"
}

func floatLiteral(x float64, bits int) string {
	switch {
	case math.IsInf(x, +1):
		return "+Inf"
	case math.IsInf(x, -1):
		return "-Inf"
	case math.IsNaN(x):
		return "NaN"
	}
	s := strconv.FormatFloat(x, 'g', -1, bits)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if !(c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || i > 0 && '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
