// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync/atomic"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/internal/compile"
	"go.callform.net/member"
)

const debug = false // enables logging of promotions

// An Entry is a loaded Unit, ready to execute.
type Entry struct {
	unit      *compile.Unit
	constants []interface{} // the constant pool with placeholders filled in
}

// Unit returns the Unit from which e was loaded.
func (e *Entry) Unit() *compile.Unit { return e.unit }

// A Loader makes compiled Units executable.
type Loader interface {
	Load(u *compile.Unit) (*Entry, error)
}

// CodeLoader is the Loader used to load every compiled Form.
var CodeLoader Loader = DefaultLoader{}

// DefaultLoader verifies each Unit, fills its placeholders from its
// patches, and writes it to the dump directory when dumping is enabled.
type DefaultLoader struct{}

func (DefaultLoader) Load(u *compile.Unit) (*Entry, error) {
	if err := compile.Verify(u); err != nil {
		return nil, fmt.Errorf("loading %s: %w", u.Name, err)
	}
	constants := append([]interface{}(nil), u.Constants...)
	for i, c := range constants {
		if p, ok := c.(compile.Placeholder); ok {
			constants[i] = u.Patches[p]
		}
	}
	if compile.DumpUnits {
		if _, err := compile.Dump(u); err != nil {
			log.Printf("dumping %s: %v", u.Name, err)
		}
	}
	return &Entry{unit: u, constants: constants}, nil
}

// IsCompiled reports whether f has been compiled.
func IsCompiled(f *form.Form) bool {
	_, ok := f.State().Compiled.Load().(*Entry)
	return ok
}

// prepare compiles f at once if CompileThreshold is zero.
// A failure is reported by the first invocation.
func prepare(f *form.Form) {
	if CompileThreshold == 0 {
		if _, err := promote(f); err != nil && debug {
			log.Printf("compiling %s: %v", f.DebugName(), err)
		}
	}
}

// execute evaluates f on argv, whose first element is the invoked handle.
// It interprets f until f has been invoked CompileThreshold times, then
// compiles it and executes the compiled code from then on.
func execute(f *form.Form, argv []interface{}) (interface{}, error) {
	st := f.State()
	if e, ok := st.Compiled.Load().(*Entry); ok {
		return e.exec(argv)
	}
	if threshold := CompileThreshold; threshold >= 0 && int(atomic.AddInt32(&st.Invocations, 1)) > threshold {
		e, err := promote(f)
		if err != nil {
			return nil, err
		}
		return e.exec(argv)
	}
	return form.Interpret(f, argv)
}

// promote compiles and loads f. Concurrent promotions may both compile,
// but only the first Entry is published.
func promote(f *form.Form) (*Entry, error) {
	st := f.State()
	if e, ok := st.Compiled.Load().(*Entry); ok {
		return e, nil
	}
	u, err := compile.Compile(f)
	if err != nil {
		return nil, err
	}
	e, err := CodeLoader.Load(u)
	if err != nil {
		return nil, err
	}
	if !st.Compiled.CompareAndSwap(nil, e) {
		e = st.Compiled.Load().(*Entry)
	} else if debug {
		log.Printf("compiled %s after %d invocations", f.DebugName(), atomic.LoadInt32(&st.Invocations))
	}
	return e, nil
}

// A tryHandler is an active try region.
type tryHandler struct {
	pc    uint32 // address of the handler
	depth int    // operand stack depth on entry to the region
}

// exec runs the code of e on args.
func (e *Entry) exec(args []interface{}) (interface{}, error) {
	u := e.unit
	if len(args) != u.Arity() {
		panic(&form.InternalError{Msg: fmt.Sprintf("executing %s: got %d arguments, want %d", u.Name, len(args), u.Arity())})
	}
	locals := make([]interface{}, u.NumSlots)
	for i, arg := range args {
		locals[u.Locals[i].Slot] = arg
	}
	stack := make([]interface{}, 0, u.MaxStack+1)
	var handlers []tryHandler
	code := u.Code
	var pc uint32

	for {
		op := compile.Opcode(code[pc])
		pc++
		var arg uint32
		if op >= compile.OpcodeArgMin {
			// This is a varint decoder inlined for speed.
			for s := uint(0); ; s += 7 {
				b := code[pc]
				pc++
				arg |= uint32(b&0x7f) << s
				if b < 0x80 {
					break
				}
			}
		}

		var err error
		switch op {
		case compile.NOP:
			// nop

		case compile.NULL:
			stack = append(stack, nil)

		case compile.ICONST0:
			stack = append(stack, int32(0))

		case compile.LCONST0:
			stack = append(stack, int64(0))

		case compile.FCONST0:
			stack = append(stack, float32(0))

		case compile.DCONST0:
			stack = append(stack, float64(0))

		case compile.POP:
			stack = stack[:len(stack)-1]

		case compile.ENDTRY:
			handlers = handlers[:len(handlers)-1]

		case compile.CATCHTEST:
			sp := len(stack)
			t, _ := stack[sp-1].(reflect.Type)
			if x, ok := form.MatchError(stack[sp-2].(error), t); ok {
				stack[sp-2] = x
				stack[sp-1] = int32(1)
			} else {
				stack[sp-1] = int32(0)
			}

		case compile.RETHROW:
			x := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			err = x.(error)

		case compile.RETURN:
			return stack[len(stack)-1], nil

		case compile.RETURNVOID:
			return nil, nil

		case compile.LOAD:
			stack = append(stack, locals[arg])

		case compile.STORE:
			locals[arg] = stack[len(stack)-1]
			stack = stack[:len(stack)-1]

		case compile.CONST:
			stack = append(stack, e.constants[arg])

		case compile.CALL:
			fn := u.Functions[arg]
			n := fn.Arity()
			sp := len(stack) - n
			argv := append([]interface{}(nil), stack[sp:]...)
			stack = stack[:sp]
			var res interface{}
			res, err = fn.Target()(argv)
			if err == nil && fn.ReturnType() != basic.V {
				stack = append(stack, res)
			}

		case compile.INVOKEBASIC:
			sig := u.Signatures[arg]
			n := len(sig.Params)
			sp := len(stack) - n - 1
			h := stack[sp]
			argv := append([]interface{}(nil), stack[sp+1:]...)
			stack = stack[:sp]
			var res interface{}
			res, err = invokeBasic(h, argv)
			if err == nil && sig.Result != basic.V {
				stack = append(stack, res)
			}

		case compile.CHECKCAST:
			err = member.CheckCast(u.Types[arg], stack[len(stack)-1])

		case compile.NARROW:
			sp := len(stack) - 1
			stack[sp] = member.Narrow(u.Types[arg], stack[sp].(int32))

		case compile.JMP:
			pc = arg

		case compile.IFFALSE:
			cond := stack[len(stack)-1].(int32)
			stack = stack[:len(stack)-1]
			if cond == 0 {
				pc = arg
			}

		case compile.TRY:
			handlers = append(handlers, tryHandler{pc: arg, depth: len(stack)})

		default:
			panic(&form.InternalError{Msg: fmt.Sprintf("executing %s: illegal op (%d)", u.Name, op)})
		}

		if err != nil {
			if len(handlers) == 0 {
				return nil, err
			}
			h := handlers[len(handlers)-1]
			handlers = handlers[:len(handlers)-1]
			stack = append(stack[:h.depth], err)
			pc = h.pc
		}
	}
}

// invokeBasic invokes the handle h as the invokeBasic intrinsic does.
func invokeBasic(h interface{}, args []interface{}) (interface{}, error) {
	inv, ok := h.(form.Invokable)
	if !ok {
		if err := member.CheckCast(invokableType, h); err != nil {
			return nil, err
		}
		return nil, errors.New("invokeBasic: nil handle")
	}
	return inv.InvokeBasic(args)
}
