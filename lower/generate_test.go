package lower_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wippyai/i64shim/lower"
	"github.com/wippyai/i64shim/patch"
	"github.com/wippyai/i64shim/scan"
	"github.com/wippyai/i64shim/wasm"
)

var (
	add64Sig = wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI64, wasm.ValI64},
		Results: []wasm.ValType{wasm.ValI64},
	}
	tickSig = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI64}}
	i32Sig  = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
)

func call(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: idx}}
}

func i64c(v int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: v}}
}

func i32c(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

// testModule imports add64 and sub64 (same signature), tick and an i32 only
// function, and calls all of them from one body.
func testModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{add64Sig, tickSig, i32Sig, {}},
		Imports: []wasm.Import{
			{Module: "env", Name: "add64", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "id32", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 2}},
			{Module: "env", Name: "tick", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
			{Module: "env", Name: "sub64", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs:   []uint32{3},
		Exports: []wasm.Export{{Name: "tick", Kind: wasm.KindFunc, Idx: 2}},
		Code: []wasm.FuncBody{{Code: wasm.EncodeInstructions([]wasm.Instruction{
			i64c(1), i64c(2), call(0), i64c(3), call(3), wasm.Instruction{Opcode: wasm.OpDrop},
			i32c(1), call(1), wasm.Instruction{Opcode: wasm.OpDrop},
			i32c(0), i64c(5), call(2),
			{Opcode: wasm.OpEnd},
		})}},
	}
}

func TestLower(t *testing.T) {
	got := lower.Lower(wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI64, wasm.ValF64},
		Results: []wasm.ValType{wasm.ValI64, wasm.ValF32},
	})
	want := wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValF64},
		Results: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValF32},
	}
	if !got.Equal(want) {
		t.Errorf("Lower = %v, want %v", got, want)
	}
}

func TestTrampoline(t *testing.T) {
	tests := []struct {
		name string
		sig  wasm.FuncType
		want []wasm.Instruction
		loc  []wasm.LocalEntry
	}{
		{
			name: "i64 param",
			sig:  wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}},
			want: []wasm.Instruction{
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				{Opcode: wasm.OpI32WrapI64},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				i64c(32),
				{Opcode: wasm.OpI64ShrU},
				{Opcode: wasm.OpI32WrapI64},
				call(7),
				{Opcode: wasm.OpEnd},
			},
		},
		{
			name: "i64 result",
			sig:  wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI64}},
			loc:  []wasm.LocalEntry{{Count: 2, ValType: wasm.ValI32}},
			want: []wasm.Instruction{
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				call(7),
				{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: 2}},
				{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: 1}},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
				{Opcode: wasm.OpI64ExtendI32U},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 2}},
				{Opcode: wasm.OpI64ExtendI32U},
				i64c(32),
				{Opcode: wasm.OpI64Shl},
				{Opcode: wasm.OpI64Or},
				{Opcode: wasm.OpEnd},
			},
		},
		{
			name: "i32 result passes through",
			sig:  wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}, Results: []wasm.ValType{wasm.ValI32}},
			want: []wasm.Instruction{
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				{Opcode: wasm.OpI32WrapI64},
				{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
				i64c(32),
				{Opcode: wasm.OpI64ShrU},
				{Opcode: wasm.OpI32WrapI64},
				call(7),
				{Opcode: wasm.OpEnd},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lower.Trampoline(tt.sig, 7)
			want := wasm.EncodeFuncBody(wasm.FuncBody{Locals: tt.loc, Code: wasm.EncodeInstructions(tt.want)})
			if !bytes.Equal(got, want) {
				t.Errorf("Trampoline = %x, want %x", got, want)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	data := testModule().Encode()
	m, err := scan.Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	res, err := lower.Generate(m, lower.Config{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	p := res.Plan
	if p.SignatureCount != 4 || p.FunctionCount != 5 {
		t.Errorf("counts = %d signatures, %d functions", p.SignatureCount, p.FunctionCount)
	}
	if len(res.Affected) != 3 {
		t.Fatalf("Affected = %+v, want add64, tick, sub64", res.Affected)
	}
	if len(p.Lowered) != 2 || p.Lowered[0].OriginalSignatureIndex != 0 || p.Lowered[1].OriginalSignatureIndex != 1 {
		t.Errorf("Lowered = %+v", p.Lowered)
	}
	// add64 and sub64 share a signature so each gets a dedicated trampoline
	if len(p.Trampolines) != 3 {
		t.Fatalf("Trampolines = %d, want 3", len(p.Trampolines))
	}
	if len(p.Trampolines[0].Imports) != 1 || p.Trampolines[0].Imports[0] != 0 {
		t.Errorf("Trampolines[0].Imports = %v, want [0]", p.Trampolines[0].Imports)
	}
	if len(p.Trampolines[1].Imports) != 1 || p.Trampolines[1].Imports[0] != 3 {
		t.Errorf("Trampolines[1].Imports = %v, want [3]", p.Trampolines[1].Imports)
	}
	if len(p.Trampolines[2].Imports) != 0 || p.Trampolines[2].SignatureIndex != 1 {
		t.Errorf("Trampolines[2] = %+v, want shared trampoline for signature 1", p.Trampolines[2])
	}
	if len(p.Calls) != 3 {
		t.Errorf("Calls = %+v, want 3 (id32 not included)", p.Calls)
	}

	byName := make(map[string]lower.Affected)
	for _, a := range res.Affected {
		byName[a.Name] = a
	}
	if a := byName["add64"]; a.Trampoline != 5 || a.Calls != 1 {
		t.Errorf("add64 = %+v", a)
	}
	if a := byName["sub64"]; a.Trampoline != 6 || a.Calls != 1 {
		t.Errorf("sub64 = %+v", a)
	}
	if a := byName["tick"]; a.Trampoline != 7 || a.Lowered.String() != "(i32, i32, i32) -> ()" {
		t.Errorf("tick = %+v", a)
	}

	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "env.tick") {
		t.Errorf("Warnings = %v, want re-export warning for tick", res.Warnings)
	}

	out, err := patch.Apply(data, &p)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	pm, err := scan.Scan(out)
	if err != nil {
		t.Fatalf("Scan(patched): %v", err)
	}
	for _, imp := range pm.Imports {
		if pm.Types[imp.Desc.TypeIdx].HasI64() {
			t.Errorf("import %s still uses i64: %v", imp.Name, pm.Types[imp.Desc.TypeIdx])
		}
	}
	targets := map[uint32]bool{}
	for _, c := range pm.Calls {
		if c.Caller == 4 {
			targets[c.Target] = true
		}
	}
	for _, want := range []uint32{5, 6, 7, 1} {
		if !targets[want] {
			t.Errorf("caller does not call %d after patching: %v", want, targets)
		}
	}
	// each trampoline calls its import
	for i, want := range []uint32{0, 3, 2} {
		calls := pm.CallsTo(want)
		var fromTrampoline bool
		for _, c := range calls {
			if c.Caller == uint32(5+i) {
				fromTrampoline = true
			}
		}
		if !fromTrampoline {
			t.Errorf("trampoline %d does not call import %d", 5+i, want)
		}
	}
}

func TestGenerateConfig(t *testing.T) {
	m, err := scan.Scan(testModule().Encode())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	only, err := lower.ParseRules("only", []string{"env.*"})
	if err != nil {
		t.Fatal(err)
	}
	skip, err := lower.ParseRules("skip", []string{"sub64", "tick"})
	if err != nil {
		t.Fatal(err)
	}

	res, err := lower.Generate(m, lower.Config{Only: only, Skip: skip})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Affected) != 1 || res.Affected[0].Name != "add64" {
		t.Fatalf("Affected = %+v, want add64 only", res.Affected)
	}
	if res.Affected[0].Rule != "env.*" {
		t.Errorf("Affected[0].Rule = %q, want env.*", res.Affected[0].Rule)
	}
	for _, s := range res.Skipped {
		if s.Name == "sub64" && s.Rule != "sub64" {
			t.Errorf("sub64 skipped by %q, want sub64", s.Rule)
		}
	}
	if len(res.Skipped) != 2 {
		t.Errorf("Skipped = %+v, want tick and sub64", res.Skipped)
	}
	// a single import for the signature uses a shared trampoline
	if len(res.Plan.Trampolines) != 1 || len(res.Plan.Trampolines[0].Imports) != 0 {
		t.Errorf("Trampolines = %+v", res.Plan.Trampolines)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestGenerateNothingToLower(t *testing.T) {
	mod := &wasm.Module{
		Types:   []wasm.FuncType{i32Sig},
		Imports: []wasm.Import{{Module: "env", Name: "id32", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
	}
	m, err := scan.Scan(mod.Encode())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	res, err := lower.Generate(m, lower.Config{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Plan.Empty() || len(res.Affected) != 0 {
		t.Errorf("plan = %+v, want empty", res.Plan)
	}
}

func TestGenerateImportsOnly(t *testing.T) {
	mod := &wasm.Module{
		Types:   []wasm.FuncType{add64Sig},
		Imports: []wasm.Import{{Module: "env", Name: "add64", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
	}
	data := mod.Encode()
	m, err := scan.Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	res, err := lower.Generate(m, lower.Config{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Plan.Trampolines) != 0 || res.Affected[0].HasTrampoline {
		t.Errorf("Trampolines = %+v, want none", res.Plan.Trampolines)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Warnings = %v", res.Warnings)
	}

	out, err := patch.Apply(data, &res.Plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	pm, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	if pm.Imports[0].Desc.TypeIdx != 1 || pm.Types[1].HasI64() {
		t.Errorf("import not lowered: %+v", pm.Imports[0])
	}
}

func TestGenerateNilModule(t *testing.T) {
	if _, err := lower.Generate(nil, lower.Config{}); err == nil {
		t.Error("expected error")
	}
}
