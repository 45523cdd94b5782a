// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

import (
	"log"
)

// TraceInterpreter enables logging of each step of Interpret.
var TraceInterpreter = false

// Interpret evaluates f on args, which must have the basic
// representations of f's parameter types, and returns the value of its
// result, or nil if f is void.
//
// Each bound Name is evaluated in order by invoking its Function
// generically. An error from a Function ends the evaluation and is
// returned unchanged.
func Interpret(f *Form, args []interface{}) (interface{}, error) {
	if len(args) != f.arity {
		internalErrorf("interpreting %s: got %d arguments, want %d", f.debugName, len(args), f.arity)
	}
	values := make([]interface{}, len(f.names))
	for i, arg := range args {
		if t := f.names[i].typ; !t.Check(arg) {
			internalErrorf("interpreting %s: argument %d is %T, want %v", f.debugName, i, arg, t)
		}
		values[i] = arg
	}
	if TraceInterpreter {
		log.Printf("interpret %s%v", f.debugName, args)
	}
	for i := f.arity; i < len(f.names); i++ {
		n := f.names[i]
		argv := make([]interface{}, len(n.args))
		for j, arg := range n.args {
			if x, ok := arg.(*Name); ok {
				argv[j] = values[x.Index()]
			} else {
				argv[j] = arg
			}
		}
		v, err := n.fn.InvokeWithArguments(argv)
		if err != nil {
			if TraceInterpreter {
				log.Printf("\t%s%d = %s%v: %v", nameLetter(n), i, n.fn, argv, err)
			}
			return nil, err
		}
		values[i] = v
		if TraceInterpreter {
			log.Printf("\t%s%d = %s%v => %v", nameLetter(n), i, n.fn, argv, v)
		}
	}
	if f.result < 0 {
		return nil, nil
	}
	return values[f.result], nil
}

func nameLetter(n *Name) string {
	if n.IsParam() {
		return "a"
	}
	return "t"
}
