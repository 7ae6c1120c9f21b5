package patch_test

import (
	"testing"

	"github.com/wippyai/i64shim/internal/binary"
	"github.com/wippyai/i64shim/patch"
	"github.com/wippyai/i64shim/wasm"
)

var (
	i64Sig  = wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}, Results: []wasm.ValType{wasm.ValI64}}
	voidSig = wasm.FuncType{}
	i32Sig  = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}}
)

// callSite is a call located in a module: absolute operand position, the
// enclosing body's size field position and the decoded target.
type callSite struct {
	pos    int
	body   int
	target uint32
}

// layout records absolute positions found by walking a module.
type layout struct {
	sections []patch.Section
	imports  []int // entry position per import
	bodies   []int // size field position per body
	calls    []callSite
}

func locate(t *testing.T, data []byte) *layout {
	t.Helper()
	l := &layout{}
	r := binary.NewReader(data)
	if err := r.Seek(8); err != nil {
		t.Fatal(err)
	}

	for r.Len() > 0 {
		start := r.Position()
		id, _ := r.ReadByte()
		size, err := r.ReadU32()
		if err != nil {
			t.Fatalf("section at %d: %v", start, err)
		}
		payload := r.Position()
		end := payload + int(size)
		l.sections = append(l.sections, patch.Section{ID: id, Start: start, End: end})

		switch id {
		case wasm.SectionImport:
			count, _ := r.ReadU32()
			for i := uint32(0); i < count; i++ {
				l.imports = append(l.imports, r.Position())
				if _, err := r.ReadName(); err != nil {
					t.Fatal(err)
				}
				if _, err := r.ReadName(); err != nil {
					t.Fatal(err)
				}
				kind, _ := r.ReadByte()
				if err := wasm.SkipImportDesc(r, kind); err != nil {
					t.Fatal(err)
				}
			}
		case wasm.SectionCode:
			count, _ := r.ReadU32()
			for i := uint32(0); i < count; i++ {
				bodyPos := r.Position()
				bodySize, err := r.ReadU32()
				if err != nil {
					t.Fatal(err)
				}
				bodyEnd := r.Position() + int(bodySize)
				if _, err := wasm.ReadLocals(r); err != nil {
					t.Fatalf("body %d: %v", i, err)
				}
				codeStart := r.Position()
				if bodyEnd > len(data) || codeStart > bodyEnd {
					t.Fatalf("body %d: size %d runs past module", i, bodySize)
				}
				code := data[codeStart:bodyEnd]
				if len(code) == 0 || code[len(code)-1] != wasm.OpEnd {
					t.Fatalf("body %d: declared size %d does not end at end opcode", i, bodySize)
				}
				calls, err := wasm.FindCalls(code)
				if err != nil {
					t.Fatalf("body %d: %v", i, err)
				}
				l.bodies = append(l.bodies, bodyPos)
				for _, c := range calls {
					l.calls = append(l.calls, callSite{pos: codeStart + c.Offset, body: bodyPos, target: c.FuncIdx})
				}
				if err := r.Seek(bodyEnd); err != nil {
					t.Fatal(err)
				}
			}
		}

		if err := r.Seek(end); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func (l *layout) section(id byte) patch.Section {
	for _, s := range l.sections {
		if s.ID == id {
			return s
		}
	}
	return patch.Section{}
}

// fixture describes a module with one i64 import (env.f) called from the
// last declared functions.
type fixture struct {
	fillerTypes int   // (i32) -> () signatures placed before the i64 one
	fillerFuncs int   // empty functions declared before the callers
	calls       []int // number of calls to env.f per caller body
	pad         int   // nops at the start of the first caller
}

func (f fixture) i64SigIdx() uint32 { return uint32(f.fillerTypes) }

func (f fixture) module() *wasm.Module {
	m := &wasm.Module{}
	for i := 0; i < f.fillerTypes; i++ {
		m.Types = append(m.Types, i32Sig)
	}
	m.Types = append(m.Types, i64Sig, voidSig)
	voidIdx := uint32(len(m.Types) - 1)

	m.Imports = []wasm.Import{{Module: "env", Name: "f", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: f.i64SigIdx()}}}

	for i := 0; i < f.fillerFuncs; i++ {
		m.Funcs = append(m.Funcs, voidIdx)
		m.Code = append(m.Code, wasm.FuncBody{Code: []byte{wasm.OpEnd}})
	}
	for i, n := range f.calls {
		pad := 0
		if i == 0 {
			pad = f.pad
		}
		m.Funcs = append(m.Funcs, voidIdx)
		m.Code = append(m.Code, callerBody(n, 0, pad))
	}
	return m
}

func callerBody(n int, target uint32, pad int) wasm.FuncBody {
	var instrs []wasm.Instruction
	for i := 0; i < pad; i++ {
		instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpNop})
	}
	for i := 0; i < n; i++ {
		instrs = append(instrs,
			wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 1}},
			wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: target}},
			wasm.Instruction{Opcode: wasm.OpDrop},
		)
	}
	instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpEnd})
	return wasm.FuncBody{Code: wasm.EncodeInstructions(instrs)}
}

func loweredSig() []byte {
	return wasm.EncodeFuncType(wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32, wasm.ValI32},
	})
}

func trampolineBody() []byte {
	return wasm.EncodeFuncBody(wasm.FuncBody{Code: []byte{wasm.OpI64Const, 0x00, wasm.OpEnd}})
}

// plan builds the plan for a fixture module. Every call to function 0 is
// listed.
func (f fixture) plan(t *testing.T, data []byte) *patch.Plan {
	t.Helper()
	m := f.module()
	l := locate(t, data)

	p := &patch.Plan{
		Sections:       l.sections,
		SignatureCount: uint32(len(m.Types)),
		FunctionCount:  m.NumImportedFuncs() + uint32(len(m.Funcs)),
		Imports:        []patch.ImportEntry{{FunctionIndex: 0, SignatureIndex: f.i64SigIdx(), Position: l.imports[0]}},
		Lowered:        []patch.LoweredSignature{{OriginalSignatureIndex: f.i64SigIdx(), Bytes: loweredSig()}},
		Trampolines:    []patch.TrampolineFunction{{SignatureIndex: f.i64SigIdx(), Bytes: trampolineBody()}},
	}
	for _, c := range l.calls {
		if c.target == 0 {
			p.Calls = append(p.Calls, patch.CallSite{FunctionIndex: 0, Position: c.pos, FunctionBodyPosition: c.body})
		}
	}
	return p
}

func decodeAt(t *testing.T, data []byte, pos int) (uint32, int) {
	t.Helper()
	v, n, err := wasm.DecodeU32(data[pos:])
	if err != nil {
		t.Fatalf("decode at %d: %v", pos, err)
	}
	return v, n
}
