package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPutNil    Opcode = 0x10 // push nil
	OpPutTrue   Opcode = 0x11 // push true
	OpPutFalse  Opcode = 0x12 // push false
	OpPutSelf   Opcode = 0x13 // push self
	OpPutInt8   Opcode = 0x14 // push 8-bit signed integer
	OpPutObject Opcode = 0x15 // push literal (16-bit index)
)

// Variable Operations
const (
	OpGetLocal   Opcode = 0x20 // push local (8-bit index, 8-bit scope level)
	OpSetLocal   Opcode = 0x21 // pop into local (8-bit index, 8-bit scope level)
	OpGetSpecial Opcode = 0x22 // push $~ / $_ of the method scope (8-bit key)
	OpSetSpecial Opcode = 0x23 // pop into $~ / $_ (8-bit key)
)

// Calls
const (
	OpSend        Opcode = 0x30 // 16-bit selector literal, 8-bit argc, 8-bit flags, 16-bit block child
	OpInvokeBlock Opcode = 0x31 // yield (8-bit argc)
	OpLeave       Opcode = 0x32 // return top of stack to the caller
	OpThrow       Opcode = 0x33 // raise a control signal (8-bit state)
)

// Optimized Sends (fall back to a full send when operands are not small ints)
const (
	OpOptPlus  Opcode = 0x40 // +
	OpOptMinus Opcode = 0x41 // -
	OpOptLT    Opcode = 0x42 // <
	OpOptEQ    Opcode = 0x43 // ==
)

// Control Flow
const (
	OpJump         Opcode = 0x60 // unconditional jump (16-bit offset)
	OpBranchIf     Opcode = 0x61 // pop, jump if truthy (16-bit offset)
	OpBranchUnless Opcode = 0x62 // pop, jump if falsy (16-bit offset)
)

// Object model
const (
	OpNewArray     Opcode = 0x90 // create array from stack (8-bit size)
	OpCheckMatch   Opcode = 0x91 // pop pattern and target, push target.is_a?(pattern)
	OpDefineMethod Opcode = 0x92 // define child iseq as a method (16-bit selector literal, 16-bit child)
)

// Send flags.
const (
	SendFlagBlockArg uint8 = 1 << 0 // a proc (or nil) above the arguments is passed as the block
)

// NoBlock is the block child operand of a send without a block literal.
const NoBlock uint16 = 0xFFFF

// ThrowNoEscape marks loop-level break/next/redo thrown from a rescue frame.
const ThrowNoEscape uint8 = 0x80

// Special variable keys for OpGetSpecial/OpSetSpecial.
const (
	SpecialLastMatch uint8 = 0 // $~
	SpecialLastLine  uint8 = 1 // $_
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (-1 = variable)
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"nop", 0, 0},
	OpPop: {"pop", 0, -1},
	OpDup: {"dup", 0, 1},

	OpPutNil:    {"putnil", 0, 1},
	OpPutTrue:   {"puttrue", 0, 1},
	OpPutFalse:  {"putfalse", 0, 1},
	OpPutSelf:   {"putself", 0, 1},
	OpPutInt8:   {"putint8", 1, 1},
	OpPutObject: {"putobject", 2, 1},

	OpGetLocal:   {"getlocal", 2, 1},
	OpSetLocal:   {"setlocal", 2, -1},
	OpGetSpecial: {"getspecial", 1, 1},
	OpSetSpecial: {"setspecial", 1, -1},

	OpSend:        {"send", 6, -1},
	OpInvokeBlock: {"invokeblock", 1, -1},
	OpLeave:       {"leave", 0, -1},
	OpThrow:       {"throw", 1, -1},

	OpOptPlus:  {"opt_plus", 0, -1},
	OpOptMinus: {"opt_minus", 0, -1},
	OpOptLT:    {"opt_lt", 0, -1},
	OpOptEQ:    {"opt_eq", 0, -1},

	OpJump:         {"jump", 2, 0},
	OpBranchIf:     {"branchif", 2, -1},
	OpBranchUnless: {"branchunless", 2, -1},

	OpNewArray:     {"newarray", 1, -1},
	OpCheckMatch:   {"checkmatch", 0, -1},
	OpDefineMethod: {"definemethod", 4, 1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: raw instruction encoding
// ---------------------------------------------------------------------------

// BytecodeBuilder appends encoded instructions. Operands are little-endian.
type BytecodeBuilder struct {
	bytes  []byte
	ninsns int
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Instructions returns the number of instructions emitted.
func (b *BytecodeBuilder) Instructions() int {
	return b.ninsns
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitBytes2 appends an opcode with two byte operands.
func (b *BytecodeBuilder) EmitBytes2(op Opcode, a, c byte) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(op), a, c)
}

// EmitUint16 appends an opcode with a 16-bit operand.
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitUint16x2 appends an opcode with two 16-bit operands.
func (b *BytecodeBuilder) EmitUint16x2(op Opcode, a, c uint16) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(op), byte(a), byte(a>>8), byte(c), byte(c>>8))
}

// EmitSend appends a send instruction.
func (b *BytecodeBuilder) EmitSend(selector uint16, argc, flags uint8, block uint16) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(OpSend),
		byte(selector), byte(selector>>8), argc, flags, byte(block), byte(block>>8))
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label is a bytecode position that may be referenced before it is marked.
// Jump offsets are relative to the end of the operand.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Position returns the resolved offset. Panics if the label is unmarked.
func (l *Label) Position() int {
	if !l.resolved {
		panic("label not marked")
	}
	return l.position
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.ninsns++
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// BytecodeReader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly and verification.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint16 reads a 16-bit operand.
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand.
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at the reader's position and
// advances past it. Selector and literal operands are printed as indices.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpPutInt8:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, int8(r.ReadByte()))

	case OpPutObject:
		return fmt.Sprintf("%04d  %s #%d", pos, info.Name, r.ReadUint16())

	case OpGetLocal, OpSetLocal:
		idx := r.ReadByte()
		level := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d, %d", pos, info.Name, idx, level)

	case OpGetSpecial, OpSetSpecial, OpNewArray, OpInvokeBlock:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case OpThrow:
		state := r.ReadByte()
		noEscape := ""
		if state&ThrowNoEscape != 0 {
			noEscape = " noescape"
		}
		return fmt.Sprintf("%04d  %s %s%s", pos, info.Name, ThrowState(state&^ThrowNoEscape), noEscape)

	case OpSend:
		sel := r.ReadUint16()
		argc := r.ReadByte()
		flags := r.ReadByte()
		blk := r.ReadUint16()
		s := fmt.Sprintf("%04d  %s #%d argc=%d", pos, info.Name, sel, argc)
		if flags&SendFlagBlockArg != 0 {
			s += " &blockarg"
		}
		if blk != NoBlock {
			s += fmt.Sprintf(" block=%d", blk)
		}
		return s

	case OpDefineMethod:
		sel := r.ReadUint16()
		child := r.ReadUint16()
		return fmt.Sprintf("%04d  %s #%d child=%d", pos, info.Name, sel, child)

	case OpJump, OpBranchIf, OpBranchUnless:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %04d", pos, info.Name, target)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}
