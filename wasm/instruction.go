package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/i64shim/internal/binary"
)

// Instruction represents a WebAssembly instruction to be encoded
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop and if instructions.
type BlockImm struct {
	Type int32 // Block type: -64=void, -1=i32, -2=i64, -3=f32, -4=f64, >=0=type index
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// CallImm holds the function index for call and return_call.
type CallImm struct {
	FuncIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// I32Imm holds the constant value for i32.const instruction.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const instruction.
type I64Imm struct {
	Value int64
}

// F32Imm holds the constant value for f32.const instruction.
type F32Imm struct {
	Value float32
}

// F64Imm holds the constant value for f64.const instruction.
type F64Imm struct {
	Value float64
}

// EncodeInstructionTo writes a single instruction to the provided writer.
func encodeInstructionTo(w *binary.Writer, instr *Instruction) {
	w.Byte(instr.Opcode)

	switch instr.Opcode {
	case OpBlock, OpLoop, OpIf:
		imm := instr.Imm.(BlockImm)
		w.WriteS32(imm.Type)

	case OpBr, OpBrIf:
		imm := instr.Imm.(BranchImm)
		w.WriteU32(imm.LabelIdx)

	case OpCall, OpReturnCall:
		imm := instr.Imm.(CallImm)
		w.WriteU32(imm.FuncIdx)

	case OpLocalGet, OpLocalSet, OpLocalTee:
		imm := instr.Imm.(LocalImm)
		w.WriteU32(imm.LocalIdx)

	case OpGlobalGet, OpGlobalSet:
		imm := instr.Imm.(GlobalImm)
		w.WriteU32(imm.GlobalIdx)

	case OpI32Const:
		imm := instr.Imm.(I32Imm)
		w.WriteS32(imm.Value)

	case OpI64Const:
		imm := instr.Imm.(I64Imm)
		w.WriteS64(imm.Value)

	case OpF32Const:
		imm := instr.Imm.(F32Imm)
		w.WriteF32(imm.Value)

	case OpF64Const:
		imm := instr.Imm.(F64Imm)
		w.WriteF64(imm.Value)
	}
}

// EncodeInstructions encodes instructions to bytes. Only the instruction
// forms listed above carry immediates; every other opcode is written bare.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		encodeInstructionTo(w, &instrs[i])
	}
	return w.Bytes()
}

// ErrUnsupportedOpcode is returned by FindCalls for opcodes it cannot skip.
var ErrUnsupportedOpcode = errors.New("unsupported opcode")

// CallRef is a direct call found in a function body.
type CallRef struct {
	Opcode  byte   // OpCall or OpReturnCall
	FuncIdx uint32 // Call target
	Offset  int    // Offset of the function index immediate within the code
}

// FindCalls walks an instruction sequence and reports every direct call in
// order of appearance. code is the expression part of a function body (locals
// already skipped) and must end exactly at its final end opcode.
func FindCalls(code []byte) ([]CallRef, error) {
	r := binary.NewReader(code)
	var calls []CallRef

	for r.Len() > 0 {
		at := r.Position()
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		if op == OpCall || op == OpReturnCall {
			offset := r.Position()
			idx, err := r.ReadU32()
			if err != nil {
				return nil, r.WrapError("call", err)
			}
			calls = append(calls, CallRef{Opcode: op, FuncIdx: idx, Offset: offset})
			continue
		}

		if err := skipImmediates(r, op); err != nil {
			return nil, &binary.ParseError{Position: at, Section: fmt.Sprintf("opcode 0x%02x", op), Err: err}
		}
	}

	return calls, nil
}

// skipImmediates consumes the immediates of op.
func skipImmediates(r *binary.Reader, op byte) error {
	switch {
	case op >= OpI32Eqz && op <= OpI64Extend32S:
		return nil
	case op >= OpI32Load && op <= OpI64Store32:
		return skipMemArg(r)
	}

	switch op {
	case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect,
		OpRefIsNull, OpRefAsNonNull, OpRefEq, OpCatchAll, OpThrowRef:
		return nil

	case OpBlock, OpLoop, OpIf, OpTry:
		_, err := r.ReadS64()
		return err

	case OpBr, OpBrIf, OpCatch, OpThrow, OpRethrow, OpDelegate,
		OpLocalGet, OpLocalSet, OpLocalTee, OpGlobalGet, OpGlobalSet,
		OpTableGet, OpTableSet, OpCallRef, OpReturnCallRef, OpRefFunc,
		OpBrOnNull, OpBrOnNonNull, OpMemorySize, OpMemoryGrow:
		_, err := r.ReadU32()
		return err

	case OpTryTable:
		if _, err := r.ReadS64(); err != nil {
			return err
		}
		count, err := r.ReadU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			kind, err := r.ReadByte()
			if err != nil {
				return err
			}
			if kind == CatchKindCatch || kind == CatchKindCatchRef {
				if _, err := r.ReadU32(); err != nil {
					return err
				}
			}
			if _, err := r.ReadU32(); err != nil {
				return err
			}
		}
		return nil

	case OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= count; i++ {
			if _, err := r.ReadU32(); err != nil {
				return err
			}
		}
		return nil

	case OpCallIndirect, OpReturnCallIndirect:
		if _, err := r.ReadU32(); err != nil {
			return err
		}
		_, err := r.ReadU32()
		return err

	case OpI32Const, OpI64Const, OpRefNull:
		_, err := r.ReadS64()
		return err

	case OpF32Const:
		return r.Skip(4)

	case OpF64Const:
		return r.Skip(8)

	case OpSelectType:
		count, err := r.ReadU32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			if err := SkipValType(r); err != nil {
				return err
			}
		}
		return nil

	case OpPrefixMisc:
		return skipMisc(r)

	case OpPrefixSIMD:
		return skipSIMD(r)

	case OpPrefixAtomic:
		sub, err := r.ReadU32()
		if err != nil {
			return err
		}
		if sub == AtomicFence {
			return r.Skip(1)
		}
		return skipMemArg(r)

	case OpPrefixGC:
		return fmt.Errorf("%w: gc prefix 0x%02x", ErrUnsupportedOpcode, op)
	}

	return fmt.Errorf("%w: 0x%02x", ErrUnsupportedOpcode, op)
}

func skipMisc(r *binary.Reader) error {
	sub, err := r.ReadU32()
	if err != nil {
		return err
	}
	var operands int
	switch sub {
	case MiscMemoryInit, MiscMemoryCopy, MiscTableInit, MiscTableCopy:
		operands = 2
	case MiscDataDrop, MiscMemoryFill, MiscElemDrop,
		MiscTableGrow, MiscTableSize, MiscTableFill, MiscMemoryDiscard:
		operands = 1
	default:
		if sub > MiscI64TruncSatF64U {
			return fmt.Errorf("%w: 0xfc 0x%02x", ErrUnsupportedOpcode, sub)
		}
	}
	for i := 0; i < operands; i++ {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func skipSIMD(r *binary.Reader) error {
	sub, err := r.ReadU32()
	if err != nil {
		return err
	}
	switch {
	case sub <= SIMDV128Store, sub == SIMDLoad32Zero, sub == SIMDLoad64Zero:
		return skipMemArg(r)
	case sub == SIMDV128Const, sub == SIMDI8x16Shuffle:
		return r.Skip(16)
	case sub >= SIMDExtractLaneMin && sub <= SIMDReplaceLaneMax:
		return r.Skip(1)
	case sub >= SIMDLoadLaneMin && sub <= SIMDStoreLaneMax:
		if err := skipMemArg(r); err != nil {
			return err
		}
		return r.Skip(1)
	}
	return nil
}

func skipMemArg(r *binary.Reader) error {
	align, err := r.ReadU32()
	if err != nil {
		return err
	}
	if align&memArgMultiMemBit != 0 {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	_, err = r.ReadU64()
	return err
}

// SkipValType consumes a value type, including the heap type of typed references.
func SkipValType(r *binary.Reader) error {
	t, err := r.ReadByte()
	if err != nil {
		return err
	}
	if ValType(t) == ValRefNull || ValType(t) == ValRef {
		_, err = r.ReadS64()
	}
	return err
}
