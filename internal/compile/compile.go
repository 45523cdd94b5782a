// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compile defines the bytecode into which Forms are lowered,
// and the compiler that performs the lowering.
//
// A Unit is a straight-line routine for a stack machine with an operand
// stack, an array of local slots, and a stack of try handlers. Each
// Name of the Form owns a range of local slots sized by its basic type
// (J and D take two), and the parameters are stored in their slots by
// the caller before execution begins.
//
// Instructions are one opcode byte, followed, for opcodes at or above
// OpcodeArgMin, by an unsigned varint operand. Jump operands are always
// encoded in exactly four bytes, padded with NOPs, so that addresses
// can be computed before the code is emitted.
//
// Constants of primitive or string type are held directly in the
// constant pool. Any other constant is represented in the pool by a
// Placeholder, and its value is listed in the Patches of the Unit to be
// supplied by the loader. Two Forms that differ only in such constants
// therefore compile to Units of the same Shape.
package compile // import "go.callform.net/internal/compile"

import (
	"fmt"
	"log"
	"math"
	"reflect"

	"go.callform.net/basic"
	"go.callform.net/form"
	"go.callform.net/member"
)

const debug = false // enables internal consistency checks

// Disassemble causes the assembly code for each Unit to be logged
// as it is compiled.
var Disassemble = false

// An Opcode is a bytecode operation.
type Opcode uint8

// "x DUP x x" is a "stack picture" that describes the state of the
// stack before and after execution of the instruction.
//
// OP<local> indicates an immediate operand that is an index into the
// local slots of the Unit; similarly <constant>, <function>, <type> and
// <signature> index the corresponding tables of the Unit, and <addr> is
// a code address.
const (
	NOP Opcode = iota // - NOP -

	NULL    // - NULL nil
	ICONST0 // - ICONST0 int32(0)
	LCONST0 // - LCONST0 int64(0)
	FCONST0 // - FCONST0 float32(0)
	DCONST0 // - DCONST0 float64(0)

	POP        //       x POP -
	ENDTRY     //         - ENDTRY -
	CATCHTEST  // err type CATCHTEST x ok
	RETHROW    //     err RETHROW -
	RETURN     //       x RETURN -
	RETURNVOID //         - RETURNVOID -

	// --- opcodes with an argument must go below this line ---

	LOAD        //          - LOAD<local>          x
	STORE       //          x STORE<local>         -
	CONST       //          - CONST<constant>      x
	CALL        //  x1 ... xn CALL<function>       y (nothing if void)
	INVOKEBASIC // h x1 ... xn INVOKEBASIC<signature> y (nothing if void)
	CHECKCAST   //          x CHECKCAST<type>      x
	NARROW      //          x NARROW<type>         x'
	JMP         //          - JMP<addr>            -
	IFFALSE     //       cond IFFALSE<addr>        -
	TRY         //          - TRY<addr>            -

	OpcodeArgMin = LOAD
	OpcodeMax    = TRY
)

var opcodeNames = [...]string{
	NOP:         "nop",
	NULL:        "null",
	ICONST0:     "iconst0",
	LCONST0:     "lconst0",
	FCONST0:     "fconst0",
	DCONST0:     "dconst0",
	POP:         "pop",
	ENDTRY:      "endtry",
	CATCHTEST:   "catchtest",
	RETHROW:     "rethrow",
	RETURN:      "return",
	RETURNVOID:  "returnvoid",
	LOAD:        "load",
	STORE:       "store",
	CONST:       "const",
	CALL:        "call",
	INVOKEBASIC: "invokebasic",
	CHECKCAST:   "checkcast",
	NARROW:      "narrow",
	JMP:         "jmp",
	IFFALSE:     "iffalse",
	TRY:         "try",
}

// stackEffect records the effect on the size of the operand stack of
// each kind of instruction. For CALL and INVOKEBASIC it depends on the
// operand and is computed by the compiler.
var stackEffect = [...]int8{
	NOP:        0,
	NULL:       +1,
	ICONST0:    +1,
	LCONST0:    +1,
	FCONST0:    +1,
	DCONST0:    +1,
	POP:        -1,
	ENDTRY:     0,
	CATCHTEST:  0,
	RETHROW:    -1,
	RETURN:     -1,
	RETURNVOID: 0,
	LOAD:       +1,
	STORE:      -1,
	CONST:      +1,
	CHECKCAST:  0,
	NARROW:     0,
	JMP:        0,
	IFFALSE:    -1,
	TRY:        0,
}

func (op Opcode) String() string {
	if op <= OpcodeMax {
		return opcodeNames[op]
	}
	return fmt.Sprintf("illegal op (%d)", op)
}

func isJump(op Opcode) bool { return op == JMP || op == IFFALSE || op == TRY }

// A Placeholder stands in the constant pool for the value of the same
// index in the Patches of a Unit.
type Placeholder int

func (p Placeholder) String() string { return fmt.Sprintf("?%d", int(p)) }

// A Local describes the local slot of one Name of the compiled Form,
// or a scratch slot used by the compiler.
type Local struct {
	Name string // a0, t3, or x5 for scratch slots
	Type basic.Type
	Slot int // -1 for void Names, which have no slot
}

// A Unit is the compiled form of a Form.
type Unit struct {
	Name       string // logical name, for debugging
	Signature  basic.Signature
	Code       []byte
	Locals     []Local // Names of the Form in order, then scratch slots
	NumSlots   int
	MaxStack   int
	Constants  []interface{} // int32, int64, float32, float64, string or Placeholder
	Functions  []*form.Function
	Types      []reflect.Type
	Signatures []basic.Signature

	// Patches holds the values of the Placeholders. It is not part of
	// the Shape of the Unit.
	Patches []interface{}
}

// Arity returns the number of parameters of u.
func (u *Unit) Arity() int { return len(u.Signature.Params) }

// Compile lowers f to a Unit.
//
// Every Function referenced by f must be resolvable; one that is not is
// an internal error. A Unit that fails verification indicates a
// malformed Form and is reported as an error.
func Compile(f *form.Form) (*Unit, error) {
	fc := newFcomp(f)
	fc.function()
	u := fc.unit
	u.Code = fc.encode()
	if Disassemble {
		log.Printf("%s:\n%s", u.Name, disassembly(u, "\n\t"))
	}
	if err := Verify(u); err != nil {
		return nil, err
	}
	return u, nil
}

// An insn is an instruction before encoding.
// The operand of a jump is a label.
type insn struct {
	op  Opcode
	arg uint32
}

// fcomp holds the compiler state for a Form.
type fcomp struct {
	form   *form.Form
	unit   *Unit
	insns  []insn
	labels []int // label -> index of the insn it precedes
	depth  int   // current operand stack depth

	slots []int          // Name index -> slot, -1 if void
	known []reflect.Type // slot -> static type of its reference value, or nil
	uses  []int          // Name index -> number of uses

	constIndex map[constKey]uint32
	funcIndex  map[*form.Function]uint32
	typeIndex  map[reflect.Type]uint32
	sigIndex   map[string]uint32
}

type constKey struct {
	typ  basic.Type
	bits uint64
	str  string
}

func newFcomp(f *form.Form) *fcomp {
	fc := &fcomp{
		form: f,
		unit: &Unit{
			Name:      f.DebugName(),
			Signature: f.Signature(),
		},
		slots:      make([]int, f.NumNames()),
		uses:       make([]int, f.NumNames()),
		constIndex: make(map[constKey]uint32),
		funcIndex:  make(map[*form.Function]uint32),
		typeIndex:  make(map[reflect.Type]uint32),
		sigIndex:   make(map[string]uint32),
	}
	for i := 0; i < f.NumNames(); i++ {
		n := f.Name(i)
		slot := -1
		if n.Type() != basic.V {
			slot = fc.unit.NumSlots
			fc.unit.NumSlots += n.Type().Slots()
		}
		fc.slots[i] = slot
		name := fmt.Sprintf("t%d", i)
		if n.IsParam() {
			name = fmt.Sprintf("a%d", i)
		}
		fc.unit.Locals = append(fc.unit.Locals, Local{Name: name, Type: n.Type(), Slot: slot})
		for _, arg := range n.Args() {
			if x, ok := arg.(*form.Name); ok {
				fc.uses[x.Index()]++
			}
		}
	}
	if r := f.Result(); r >= 0 {
		fc.uses[r]++
	}
	fc.known = make([]reflect.Type, fc.unit.NumSlots)
	return fc
}

// function generates the code for the whole Form.
func (fc *fcomp) function() {
	f := fc.form
	for i := f.Arity(); i < f.NumNames(); i++ {
		n := f.Name(i)
		switch n.Function().Intrinsic() {
		case form.IdentityIntrinsic:
			fc.arg(n.Arg(0), nil)
			if x, ok := n.Arg(0).(*form.Name); ok && n.Type() == basic.L {
				fc.store(i, fc.known[fc.slots[x.Index()]])
			} else {
				fc.store(i, nil)
			}
		case form.ZeroIntrinsic:
			if n.Type() != basic.V {
				fc.zero(n.Type())
				fc.store(i, nil)
			}
		case form.SelectAlternativeIntrinsic:
			if i+1 < f.NumNames() && fc.uses[i] == 1 && isInvocationOf(f.Name(i+1), n) {
				fc.selectAlternative(n, f.Name(i+1))
				i++
				fc.store(i, nil)
				continue
			}
			fc.call(n)
			fc.store(i, nil)
		case form.GuardWithCatchIntrinsic:
			fc.guardWithCatch(n)
			fc.store(i, nil)
		case form.InvokeBasicIntrinsic:
			fc.invokeBasic(n.Arg(0), n)
			fc.store(i, nil)
		default:
			fc.call(n)
			fc.store(i, n.Function().Type().Result())
		}
	}
	if r := f.Result(); r >= 0 {
		fc.load(r)
		fc.emit(RETURN)
	} else {
		fc.emit(RETURNVOID)
	}
}

// isInvocationOf reports whether n invokes, through invokeBasic, the
// handle computed by sel.
func isInvocationOf(n, sel *form.Name) bool {
	return n.Function().Intrinsic() == form.InvokeBasicIntrinsic && n.Arg(0) == interface{}(sel)
}

// store pops the value of the ith Name, if any, into its slot.
// static is the static type of a reference value, or nil.
func (fc *fcomp) store(i int, static reflect.Type) {
	slot := fc.slots[i]
	if slot < 0 {
		return
	}
	fc.emit1(STORE, uint32(slot))
	if static == basic.AnyType || fc.unit.Locals[i].Type != basic.L {
		static = nil
	}
	fc.known[slot] = static
}

func (fc *fcomp) load(i int) {
	slot := fc.slots[i]
	if slot < 0 {
		internalErrorf("%s: load of void name %d", fc.form.DebugName(), i)
	}
	fc.emit1(LOAD, uint32(slot))
}

// call emits a direct call of the Function of n.
func (fc *fcomp) call(n *form.Name) {
	fn := n.Function()
	if err := fn.Resolve(); err != nil {
		panic(&form.InternalError{Msg: fmt.Sprintf("%s: cannot compile call", fc.form.DebugName()), Cause: err})
	}
	mt := fn.Type()
	for j := 0; j < n.NumArgs(); j++ {
		fc.arg(n.Arg(j), mt.Param(j))
	}
	fc.emit1(CALL, fc.function1(fn))
	fc.depth -= n.NumArgs()
	if fn.ReturnType() != basic.V {
		fc.push()
	}
}

// invokeBasic emits an invocation of handle h with the arguments of n
// that follow the handle.
func (fc *fcomp) invokeBasic(h interface{}, n *form.Name) {
	sig := n.Function().Signature()
	fc.invoke(h, basic.MakeSignature(sig.Result, sig.Params[1:]...), nil, n.Args()[1:])
}

// invoke emits an invocation of handle h with signature sig on the
// optional leading value in slot lead (if non-nil) and args.
func (fc *fcomp) invoke(h interface{}, sig basic.Signature, lead *int, args []interface{}) {
	fc.arg(h, nil)
	if lead != nil {
		fc.emit1(LOAD, uint32(*lead))
	}
	for _, arg := range args {
		fc.arg(arg, nil)
	}
	fc.emit1(INVOKEBASIC, fc.signature(sig))
	fc.depth -= 1 + len(sig.Params)
	if sig.Result != basic.V {
		fc.push()
	}
}

// selectAlternative emits the selection between two handles followed by
// the invocation of the selected one as a branch with an inlined
// invocation on each arm.
//
//	test IFFALSE<else> h1 args INVOKEBASIC JMP<done>
//	else: h2 args INVOKEBASIC
//	done:
func (fc *fcomp) selectAlternative(sel, inv *form.Name) {
	mt := sel.Function().Type()
	fc.arg(sel.Arg(0), mt.Param(0))
	elseLabel, doneLabel := fc.newLabel(), fc.newLabel()
	fc.jump(IFFALSE, elseLabel)
	known := fc.saveKnown()
	depth := fc.depth

	fc.invokeBasic(sel.Arg(1), inv)
	fc.jump(JMP, doneLabel)

	fc.depth = depth
	fc.restoreKnown(known)
	fc.bind(elseLabel)
	fc.invokeBasic(sel.Arg(2), inv)

	fc.bind(doneLabel)
	fc.restoreKnown(known)
}

// guardWithCatch emits a guarded invocation:
//
//	TRY<handler> target args INVOKEBASIC ENDTRY JMP<done>
//	handler: type CATCHTEST IFFALSE<rethrow>
//	    STORE<x> catcher LOAD<x> args INVOKEBASIC JMP<done>
//	rethrow: RETHROW
//	done:
func (fc *fcomp) guardWithCatch(n *form.Name) {
	sig := n.Function().Signature()
	targetSig := basic.MakeSignature(sig.Result, sig.Params[3:]...)
	catcherSig := basic.MakeSignature(sig.Result, append([]basic.Type{basic.L}, sig.Params[3:]...)...)
	args := n.Args()[3:]

	handler, rethrow, done := fc.newLabel(), fc.newLabel(), fc.newLabel()
	known := fc.saveKnown()
	depth := fc.depth

	fc.jump(TRY, handler)
	fc.invoke(n.Arg(0), targetSig, nil, args)
	fc.emit(ENDTRY)
	fc.jump(JMP, done)

	// The handler is entered with the error on the stack.
	fc.restoreKnown(known)
	fc.depth = depth + 1
	fc.bind(handler)
	fc.arg(n.Arg(1), nil)
	fc.emit(CATCHTEST)
	fc.jump(IFFALSE, rethrow)
	x := fc.scratch()
	fc.emit1(STORE, uint32(x))
	fc.invoke(n.Arg(2), catcherSig, &x, args)
	fc.jump(JMP, done)

	fc.depth = depth + 1
	fc.bind(rethrow)
	fc.emit(RETHROW)

	fc.depth = depth
	if sig.Result != basic.V {
		fc.push()
	}
	fc.bind(done)
	fc.restoreKnown(known)
}

// scratch allocates a reference slot not owned by any Name.
func (fc *fcomp) scratch() int {
	slot := fc.unit.NumSlots
	fc.unit.NumSlots++
	fc.known = append(fc.known, nil)
	fc.unit.Locals = append(fc.unit.Locals, Local{Name: fmt.Sprintf("x%d", slot), Type: basic.L, Slot: slot})
	return slot
}

func (fc *fcomp) saveKnown() []reflect.Type { return append([]reflect.Type(nil), fc.known...) }

func (fc *fcomp) restoreKnown(known []reflect.Type) { copy(fc.known, known) }

// arg pushes an argument, a Name or a constant, converting it to the
// parameter type pt if that is non-nil.
//
// A reference is checked against pt unless its static type is known to
// be assignable, and so is a constant of any basic type passed to a
// reference parameter. An I value is narrowed if pt is a subword type.
func (fc *fcomp) arg(arg interface{}, pt reflect.Type) {
	if pt == basic.AnyType {
		pt = nil
	}
	x, isName := arg.(*form.Name)
	if !isName {
		if pt != nil && basic.IsSubword(pt) {
			if i, ok := arg.(int32); ok {
				fc.constant(member.Narrow(pt, i))
				return
			}
		}
		fc.constant(arg)
		if pt != nil && basic.Of(pt) == basic.L {
			if arg == nil || !reflect.TypeOf(arg).AssignableTo(pt) {
				fc.emit1(CHECKCAST, fc.type1(pt))
			}
		}
		return
	}
	fc.load(x.Index())
	if pt == nil {
		return
	}
	switch x.Type() {
	case basic.L:
		slot := fc.slots[x.Index()]
		if t := fc.known[slot]; t == nil || !t.AssignableTo(pt) {
			fc.emit1(CHECKCAST, fc.type1(pt))
			fc.known[slot] = pt
		}
	case basic.I:
		if basic.IsSubword(pt) {
			fc.emit1(NARROW, fc.type1(pt))
		}
	}
}

// constant pushes a constant.
func (fc *fcomp) constant(x interface{}) {
	var key constKey
	switch x := x.(type) {
	case nil:
		fc.emit(NULL)
		return
	case int32:
		if x == 0 {
			fc.emit(ICONST0)
			return
		}
		key = constKey{typ: basic.I, bits: uint64(x)}
	case int64:
		if x == 0 {
			fc.emit(LCONST0)
			return
		}
		key = constKey{typ: basic.J, bits: uint64(x)}
	case float32:
		if math.Float32bits(x) == 0 {
			fc.emit(FCONST0)
			return
		}
		key = constKey{typ: basic.F, bits: uint64(math.Float32bits(x))}
	case float64:
		if math.Float64bits(x) == 0 {
			fc.emit(DCONST0)
			return
		}
		key = constKey{typ: basic.D, bits: math.Float64bits(x)}
	case string:
		key = constKey{typ: basic.L, str: x}
	default:
		// Live constants are never shared, so that the Shape of the
		// Unit does not depend on their identity.
		u := fc.unit
		p := Placeholder(len(u.Patches))
		u.Patches = append(u.Patches, x)
		u.Constants = append(u.Constants, p)
		fc.emit1(CONST, uint32(len(u.Constants)-1))
		return
	}
	i, ok := fc.constIndex[key]
	if !ok {
		i = uint32(len(fc.unit.Constants))
		fc.unit.Constants = append(fc.unit.Constants, x)
		fc.constIndex[key] = i
	}
	fc.emit1(CONST, i)
}

func (fc *fcomp) zero(t basic.Type) {
	switch t {
	case basic.I:
		fc.emit(ICONST0)
	case basic.J:
		fc.emit(LCONST0)
	case basic.F:
		fc.emit(FCONST0)
	case basic.D:
		fc.emit(DCONST0)
	default:
		fc.emit(NULL)
	}
}

func (fc *fcomp) function1(fn *form.Function) uint32 {
	i, ok := fc.funcIndex[fn]
	if !ok {
		i = uint32(len(fc.unit.Functions))
		fc.unit.Functions = append(fc.unit.Functions, fn)
		fc.funcIndex[fn] = i
	}
	return i
}

func (fc *fcomp) type1(t reflect.Type) uint32 {
	i, ok := fc.typeIndex[t]
	if !ok {
		i = uint32(len(fc.unit.Types))
		fc.unit.Types = append(fc.unit.Types, t)
		fc.typeIndex[t] = i
	}
	return i
}

func (fc *fcomp) signature(sig basic.Signature) uint32 {
	key := sig.String()
	i, ok := fc.sigIndex[key]
	if !ok {
		i = uint32(len(fc.unit.Signatures))
		fc.unit.Signatures = append(fc.unit.Signatures, sig)
		fc.sigIndex[key] = i
	}
	return i
}

func (fc *fcomp) push() {
	fc.depth++
	if fc.depth > fc.unit.MaxStack {
		fc.unit.MaxStack = fc.depth
	}
}

func (fc *fcomp) emit(op Opcode) {
	if op >= OpcodeArgMin {
		internalErrorf("emit: %s requires an operand", op)
	}
	fc.insns = append(fc.insns, insn{op: op})
	fc.adjust(op)
}

func (fc *fcomp) emit1(op Opcode, arg uint32) {
	if op < OpcodeArgMin {
		internalErrorf("emit1: %s takes no operand", op)
	}
	fc.insns = append(fc.insns, insn{op: op, arg: arg})
	fc.adjust(op)
}

func (fc *fcomp) adjust(op Opcode) {
	switch op {
	case CALL, INVOKEBASIC:
		// computed by the caller
	default:
		if eff := int(stackEffect[op]); eff > 0 {
			fc.push()
		} else {
			fc.depth += eff
		}
	}
	if debug && fc.depth < 0 {
		internalErrorf("%s: stack underflow after %s", fc.form.DebugName(), op)
	}
}

func (fc *fcomp) newLabel() int {
	fc.labels = append(fc.labels, -1)
	return len(fc.labels) - 1
}

// bind sets label to the address of the next instruction.
func (fc *fcomp) bind(label int) { fc.labels[label] = len(fc.insns) }

func (fc *fcomp) jump(op Opcode, label int) { fc.emit1(op, uint32(label)) }

// encode assigns addresses to the instructions and emits the code.
func (fc *fcomp) encode() []byte {
	pcs := make([]uint32, len(fc.insns)+1)
	for i, in := range fc.insns {
		pcs[i+1] = pcs[i] + uint32(insnLen(in))
	}
	code := make([]byte, 0, pcs[len(fc.insns)])
	for _, in := range fc.insns {
		code = append(code, byte(in.op))
		switch {
		case isJump(in.op):
			target := fc.labels[in.arg]
			if target < 0 {
				internalErrorf("%s: unbound label", fc.form.DebugName())
			}
			code = addUint32(code, pcs[target], 4)
		case in.op >= OpcodeArgMin:
			code = addUint32(code, in.arg, 0)
		}
	}
	return code
}

func insnLen(in insn) int {
	switch {
	case isJump(in.op):
		return 1 + 4
	case in.op >= OpcodeArgMin:
		return 1 + varintLen(in.arg)
	}
	return 1
}

func varintLen(x uint32) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}

// addUint32 encodes x as 7-bit little-endian varint.
// The operand is padded with NOPs to at least min bytes.
func addUint32(code []byte, x uint32, min int) []byte {
	end := len(code) + min
	for x >= 0x80 {
		code = append(code, byte(x)|0x80)
		x >>= 7
	}
	code = append(code, byte(x))
	for len(code) < end {
		code = append(code, byte(NOP))
	}
	return code
}

func internalErrorf(format string, args ...interface{}) {
	panic(&form.InternalError{Msg: fmt.Sprintf(format, args...)})
}
