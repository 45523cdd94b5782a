// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"fmt"
	"reflect"
	"strings"

	"go.callform.net/basic"
	"go.callform.net/form"
)

// A VerifyError reports that a Unit is malformed.
type VerifyError struct {
	Unit string
	PC   int // -1 if the error concerns the Unit as a whole
	Msg  string
}

func (e *VerifyError) Error() string {
	if e.PC < 0 {
		return fmt.Sprintf("unit %s: %s", e.Unit, e.Msg)
	}
	return fmt.Sprintf("unit %s: pc %d: %s", e.Unit, e.PC, e.Msg)
}

// Decode decodes the instruction at pc and returns it, with the
// address of the following instruction.
func Decode(code []byte, pc int) (op Opcode, arg uint32, next int, err error) {
	if pc < 0 || pc >= len(code) {
		return 0, 0, pc, fmt.Errorf("pc out of range")
	}
	op = Opcode(code[pc])
	pc++
	if op > OpcodeMax {
		return op, 0, pc, fmt.Errorf("illegal opcode %d", op)
	}
	if op >= OpcodeArgMin {
		for s := uint(0); ; s += 7 {
			if pc >= len(code) {
				return op, 0, pc, fmt.Errorf("truncated operand of %s", op)
			}
			if s > 28 {
				return op, 0, pc, fmt.Errorf("operand of %s overflows", op)
			}
			b := code[pc]
			pc++
			arg |= uint32(b&0x7f) << s
			if b < 0x80 {
				break
			}
		}
	}
	return op, arg, pc, nil
}

// Verify checks that u is well formed: its opcodes are valid, every
// operand indexes the appropriate table, every jump targets an
// instruction, the code cannot run off its end, and the Placeholders of
// the constant pool correspond one to one with its Patches.
func Verify(u *Unit) error {
	errorf := func(pc int, format string, args ...interface{}) error {
		return &VerifyError{Unit: u.Name, PC: pc, Msg: fmt.Sprintf(format, args...)}
	}
	if len(u.Code) == 0 {
		return errorf(-1, "empty code")
	}
	if len(u.Locals) < u.Arity() {
		return errorf(-1, "%d locals for %d parameters", len(u.Locals), u.Arity())
	}
	for _, l := range u.Locals {
		if l.Slot >= u.NumSlots || l.Slot < 0 && l.Type != basic.V {
			return errorf(-1, "local %s has slot %d of %d", l.Name, l.Slot, u.NumSlots)
		}
	}

	starts := make(map[int]bool)
	type jump struct{ pc, target int }
	var jumps []jump
	last := NOP
	for pc := 0; pc < len(u.Code); {
		op, arg, next, err := Decode(u.Code, pc)
		if err != nil {
			return errorf(pc, "%v", err)
		}
		starts[pc] = true
		var limit int
		switch op {
		case LOAD, STORE:
			limit = u.NumSlots
		case CONST:
			limit = len(u.Constants)
		case CALL:
			limit = len(u.Functions)
		case INVOKEBASIC:
			limit = len(u.Signatures)
		case CHECKCAST, NARROW:
			limit = len(u.Types)
		case JMP, IFFALSE, TRY:
			jumps = append(jumps, jump{pc, int(arg)})
			limit = -1
		case RETURN:
			if u.Signature.Result == basic.V {
				return errorf(pc, "return of value from void unit")
			}
		case RETURNVOID:
			if u.Signature.Result != basic.V {
				return errorf(pc, "returnvoid from unit of type %v", u.Signature.Result)
			}
		}
		if limit >= 0 && op >= OpcodeArgMin && int(arg) >= limit {
			return errorf(pc, "%s operand %d out of range [0:%d]", op, arg, limit)
		}
		if op != NOP {
			last = op
		}
		pc = next
	}
	for _, j := range jumps {
		if !starts[j.target] {
			return errorf(j.pc, "jump to %d is not an instruction", j.target)
		}
	}
	switch last {
	case RETURN, RETURNVOID, RETHROW, JMP:
	default:
		return errorf(-1, "code ends with %s", last)
	}

	seen := make([]bool, len(u.Patches))
	for i, c := range u.Constants {
		switch c := c.(type) {
		case Placeholder:
			if c < 0 || int(c) >= len(u.Patches) || seen[c] {
				return errorf(-1, "constant %d: bad placeholder %v", i, c)
			}
			seen[c] = true
		case int32, int64, float32, float64, string:
		default:
			return errorf(-1, "constant %d: %T in constant pool", i, c)
		}
	}
	for i, ok := range seen {
		if !ok {
			return errorf(-1, "patch %d has no placeholder", i)
		}
	}
	for i, fn := range u.Functions {
		if !fn.IsResolved() {
			return errorf(-1, "function %d: %s is not resolved", i, fn)
		}
	}
	return nil
}

// Assembly returns the assembly code of u, one instruction per
// line. Instruction operands are shown symbolically.
func Assembly(u *Unit) string { return disassembly(u, "\n") }

// disassembly renders the code of u with instructions separated by sep.
// Padding NOPs are omitted.
func disassembly(u *Unit, sep string) string {
	var buf strings.Builder
	for pc := 0; pc < len(u.Code); {
		op, arg, next, err := Decode(u.Code, pc)
		if err != nil {
			fmt.Fprintf(&buf, "%s<error: %v>", sep, err)
			break
		}
		pc = next
		if op == NOP {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(op.String())
		if op < OpcodeArgMin {
			continue
		}
		switch {
		case (op == LOAD || op == STORE) && int(arg) < u.NumSlots:
			fmt.Fprintf(&buf, " %s", localName(u, int(arg)))
		case op == CONST && int(arg) < len(u.Constants):
			fmt.Fprintf(&buf, " %s", constantString(u.Constants[arg]))
		case op == CALL && int(arg) < len(u.Functions):
			fmt.Fprintf(&buf, " %s", u.Functions[arg])
		case op == INVOKEBASIC && int(arg) < len(u.Signatures):
			fmt.Fprintf(&buf, " %s", u.Signatures[arg])
		case (op == CHECKCAST || op == NARROW) && int(arg) < len(u.Types):
			fmt.Fprintf(&buf, " %s", u.Types[arg])
		default:
			fmt.Fprintf(&buf, "<%d>", arg)
		}
	}
	return buf.String()
}

func localName(u *Unit, slot int) string {
	for _, l := range u.Locals {
		if l.Slot == slot {
			return l.Name
		}
	}
	return fmt.Sprintf("slot%d", slot)
}

func constantString(c interface{}) string {
	if p, ok := c.(Placeholder); ok {
		return p.String()
	}
	return form.Literal(c)
}

// Shape returns a string that is equal for two Units if and only if
// they have the same code and tables, ignoring the values of their
// Patches and their debugging information.
func (u *Unit) Shape() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s;%d;%d;%x;", u.Signature, u.NumSlots, u.MaxStack, u.Code)
	for _, c := range u.Constants {
		buf.WriteString(constantString(c))
		buf.WriteByte(',')
	}
	buf.WriteByte(';')
	for _, fn := range u.Functions {
		fmt.Fprintf(&buf, "%s%s,", fn, fn.Type())
	}
	buf.WriteByte(';')
	for _, t := range u.Types {
		fmt.Fprintf(&buf, "%s.%s,", t.PkgPath(), typeName(t))
	}
	buf.WriteByte(';')
	for _, sig := range u.Signatures {
		fmt.Fprintf(&buf, "%s,", sig)
	}
	return buf.String()
}

func typeName(t reflect.Type) string {
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
