package patch_test

import (
	"bytes"
	stderrors "errors"
	"sort"
	"testing"

	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/patch"
	"github.com/wippyai/i64shim/wasm"
)

func TestApplySingleCall(t *testing.T) {
	// One signature (i64) -> (i64) shared by the import and the caller.
	m := &wasm.Module{
		Types:   []wasm.FuncType{i64Sig},
		Imports: []wasm.Import{{Module: "env", Name: "f", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
		Funcs:   []uint32{0},
		Code: []wasm.FuncBody{{Code: wasm.EncodeInstructions([]wasm.Instruction{
			{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
			{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}},
			{Opcode: wasm.OpEnd},
		})}},
	}
	data := m.Encode()
	l := locate(t, data)

	b1 := loweredSig()
	b2 := trampolineBody()
	plan := &patch.Plan{
		Sections:       l.sections,
		SignatureCount: 1,
		FunctionCount:  2,
		Imports:        []patch.ImportEntry{{FunctionIndex: 0, SignatureIndex: 0, Position: l.imports[0]}},
		Lowered:        []patch.LoweredSignature{{OriginalSignatureIndex: 0, Bytes: b1}},
		Trampolines:    []patch.TrampolineFunction{{SignatureIndex: 0, Bytes: b2}},
		Calls:          []patch.CallSite{{FunctionIndex: 0, Position: l.calls[0].pos, FunctionBodyPosition: l.calls[0].body}},
	}

	origSize, _ := decodeAt(t, data, l.bodies[0])

	out, err := patch.Apply(data, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pm, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatalf("ParseModule(patched): %v", err)
	}
	if len(pm.Types) != 2 {
		t.Errorf("type count = %d, want 2", len(pm.Types))
	}
	if !bytes.Equal(wasm.EncodeFuncType(pm.Types[1]), b1) {
		t.Errorf("types[1] = %v, want lowered signature", pm.Types[1])
	}
	if len(pm.Funcs) != 2 || pm.Funcs[1] != 0 {
		t.Errorf("funcs = %v, want [0 0]", pm.Funcs)
	}
	if pm.Imports[0].Desc.TypeIdx != 1 {
		t.Errorf("import signature = %d, want 1", pm.Imports[0].Desc.TypeIdx)
	}

	pl := locate(t, out)
	if len(pl.calls) != 1 || pl.calls[0].target != 2 {
		t.Errorf("calls = %+v, want one call to 2", pl.calls)
	}
	newSize, _ := decodeAt(t, out, pl.bodies[0])
	if newSize != origSize {
		t.Errorf("caller size = %d, want %d (operand did not grow)", newSize, origSize)
	}
	if !bytes.HasSuffix(out, b2) {
		t.Error("code section does not end with the trampoline body")
	}
}

func TestApplyCountConsistency(t *testing.T) {
	tests := []struct {
		name string
		fx   fixture
	}{
		{"small", fixture{calls: []int{1}}},
		{"type count crosses 127", fixture{fillerTypes: 125, calls: []int{1}}},
		{"lowered index crosses 127", fixture{fillerTypes: 127, calls: []int{1}}},
		{"function count crosses 127", fixture{fillerFuncs: 126, calls: []int{1}}},
		{"trampoline index crosses 127", fixture{fillerFuncs: 127, calls: []int{2, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.fx.module()
			data := m.Encode()
			plan := tt.fx.plan(t, data)

			res, err := patch.ApplyWithResult(data, plan)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if len(res.Output)-len(data) != res.Growth() {
				t.Errorf("growth = %d, want %d", res.Growth(), len(res.Output)-len(data))
			}

			pm, err := wasm.ParseModule(res.Output)
			if err != nil {
				t.Fatalf("ParseModule(patched): %v", err)
			}
			if got, want := len(pm.Types), len(m.Types)+1; got != want {
				t.Errorf("type count = %d, want %d", got, want)
			}
			if got, want := len(pm.Funcs), len(m.Funcs)+1; got != want {
				t.Errorf("function count = %d, want %d", got, want)
			}
			if got, want := len(pm.Code), len(m.Code)+1; got != want {
				t.Errorf("code count = %d, want %d", got, want)
			}
			if got := pm.Imports[0].Desc.TypeIdx; got != plan.SignatureCount {
				t.Errorf("import signature = %d, want %d", got, plan.SignatureCount)
			}
			if got := pm.Funcs[len(pm.Funcs)-1]; got != tt.fx.i64SigIdx() {
				t.Errorf("trampoline signature = %d, want %d", got, tt.fx.i64SigIdx())
			}

			pl := locate(t, res.Output)
			var redirected int
			for _, c := range pl.calls {
				if c.target == 0 {
					t.Errorf("call at %d still targets the import", c.pos)
				}
				if c.target == plan.FunctionCount {
					redirected++
				}
			}
			if redirected != len(plan.Calls) {
				t.Errorf("redirected calls = %d, want %d", redirected, len(plan.Calls))
			}
		})
	}
}

func TestApplyMultipleCallsPerBody(t *testing.T) {
	// 1 import + 126 fillers + 1 caller: the trampoline is function 128, so
	// every rewritten operand grows by one byte. The caller body starts at
	// 126 bytes and its size field grows while the second call is rewritten.
	fx := fixture{fillerFuncs: 126, calls: []int{3}, pad: 109}
	data := fx.module().Encode()
	plan := fx.plan(t, data)
	l := locate(t, data)

	callerPos := l.bodies[len(l.bodies)-1]
	if size, n := decodeAt(t, data, callerPos); size != 126 || n != 1 {
		t.Fatalf("caller size = %d (%d bytes), want 126 (1 byte)", size, n)
	}

	res, err := patch.ApplyWithResult(data, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.CallsRewritten != 3 {
		t.Errorf("CallsRewritten = %d, want 3", res.CallsRewritten)
	}
	// three operands plus one byte of size field growth
	if res.CallDelta != 4 {
		t.Errorf("CallDelta = %d, want 4", res.CallDelta)
	}

	pl := locate(t, res.Output)
	caller := pl.bodies[len(l.bodies)-1]
	if size, n := decodeAt(t, res.Output, caller); size != 129 || n != 2 {
		t.Errorf("caller size = %d (%d bytes), want 129 (2 bytes)", size, n)
	}
	var targets []uint32
	for _, c := range pl.calls {
		if c.body == caller {
			targets = append(targets, c.target)
		}
	}
	if len(targets) != 3 {
		t.Fatalf("caller calls = %v, want 3", targets)
	}
	for i, target := range targets {
		if target != 128 {
			t.Errorf("call %d targets %d, want 128", i, target)
		}
	}
	if _, err := wasm.ParseModule(res.Output); err != nil {
		t.Errorf("ParseModule(patched): %v", err)
	}
}

func TestApplyCallsAcrossBodies(t *testing.T) {
	fx := fixture{fillerFuncs: 127, calls: []int{2, 0, 3, 1}, pad: 120}
	data := fx.module().Encode()
	plan := fx.plan(t, data)

	out, err := patch.Apply(data, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	pm, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatalf("ParseModule(patched): %v", err)
	}
	orig, _ := wasm.ParseModule(data)
	for i := range orig.Code {
		want := len(orig.Code[i].Code)
		if i >= 127 {
			want += fx.calls[i-127] // one byte per redirected call
		}
		if got := len(pm.Code[i].Code); got != want {
			t.Errorf("body %d code length = %d, want %d", i, got, want)
		}
	}

	var n int
	for _, c := range locate(t, out).calls {
		if c.target != plan.FunctionCount {
			t.Errorf("call at %d targets %d, want %d", c.pos, c.target, plan.FunctionCount)
		}
		n++
	}
	if n != 6 {
		t.Errorf("calls = %d, want 6", n)
	}
}

func TestApplyNoop(t *testing.T) {
	data := fixture{calls: []int{1}}.module().Encode()

	for _, plan := range []*patch.Plan{nil, {}} {
		out, err := patch.Apply(data, plan)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Error("output differs from input")
		}
		if len(out) > 0 && &out[0] == &data[0] {
			t.Error("output aliases input")
		}
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	fx := fixture{fillerFuncs: 127, calls: []int{1, 1}}
	data := fx.module().Encode()
	orig := append([]byte(nil), data...)

	plan := fx.plan(t, data)
	if _, err := patch.Apply(data, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(data, orig) {
		t.Error("successful Apply modified its input")
	}

	// The second operand no longer matches the plan; the first call is
	// rewritten before the mismatch is found.
	data[plan.Calls[1].Position] = 0x05
	orig = append(orig[:0], data...)
	out, err := patch.Apply(data, plan)
	if err == nil {
		t.Fatal("expected error")
	}
	if out != nil {
		t.Error("failed Apply returned output")
	}
	if !bytes.Equal(data, orig) {
		t.Error("failed Apply modified its input")
	}
}

func TestApplyDeterministicForSortedCalls(t *testing.T) {
	fx := fixture{fillerFuncs: 127, calls: []int{2, 2}}
	data := fx.module().Encode()
	plan := fx.plan(t, data)

	first, err := patch.Apply(data, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sorted := *plan
	sorted.Calls = append([]patch.CallSite(nil), plan.Calls...)
	sort.Slice(sorted.Calls, func(i, j int) bool { return sorted.Calls[i].Position < sorted.Calls[j].Position })
	second, err := patch.Apply(data, &sorted)
	if err != nil {
		t.Fatalf("Apply(sorted): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("sorting already sorted calls changed the output")
	}

	reversed := *plan
	reversed.Calls = append([]patch.CallSite(nil), plan.Calls...)
	sort.Slice(reversed.Calls, func(i, j int) bool { return reversed.Calls[i].Position > reversed.Calls[j].Position })
	if _, err := patch.Apply(data, &reversed); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("Apply(reversed) error = %v, want invalid_input", err)
	}
}

func TestApplySharedSignatureTrampolines(t *testing.T) {
	// Two imports with the same signature each get a dedicated trampoline.
	m := &wasm.Module{
		Types: []wasm.FuncType{i64Sig, voidSig},
		Imports: []wasm.Import{
			{Module: "env", Name: "a", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "b", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs: []uint32{1},
		Code: []wasm.FuncBody{{Code: wasm.EncodeInstructions([]wasm.Instruction{
			{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 1}},
			{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 1}},
			{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}},
			{Opcode: wasm.OpDrop},
			{Opcode: wasm.OpEnd},
		})}},
	}
	data := m.Encode()
	l := locate(t, data)

	plan := &patch.Plan{
		Sections:       l.sections,
		SignatureCount: 2,
		FunctionCount:  3,
		Imports: []patch.ImportEntry{
			{FunctionIndex: 0, SignatureIndex: 0, Position: l.imports[0]},
			{FunctionIndex: 1, SignatureIndex: 0, Position: l.imports[1]},
		},
		Lowered: []patch.LoweredSignature{{OriginalSignatureIndex: 0, Bytes: loweredSig()}},
		Trampolines: []patch.TrampolineFunction{
			{SignatureIndex: 0, Bytes: trampolineBody(), Imports: []uint32{0}},
			{SignatureIndex: 0, Bytes: trampolineBody(), Imports: []uint32{1}},
		},
	}
	for _, c := range l.calls {
		plan.Calls = append(plan.Calls, patch.CallSite{FunctionIndex: c.target, Position: c.pos, FunctionBodyPosition: c.body})
	}

	out, err := patch.Apply(data, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	pm, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatalf("ParseModule(patched): %v", err)
	}
	if len(pm.Types) != 3 || pm.Imports[0].Desc.TypeIdx != 2 || pm.Imports[1].Desc.TypeIdx != 2 {
		t.Errorf("imports not redirected to the shared lowered signature: %+v", pm.Imports)
	}
	calls := locate(t, out).calls
	// call 1 -> trampoline for b (4), call 0 -> trampoline for a (3)
	if len(calls) != 2 || calls[0].target != 4 || calls[1].target != 3 {
		t.Errorf("calls = %+v, want targets [4 3]", calls)
	}
}

func TestApplySkipsUnaffectedCalls(t *testing.T) {
	fx := fixture{calls: []int{1}}
	data := fx.module().Encode()
	plan := fx.plan(t, data)
	l := locate(t, data)

	// Point an extra entry at a call to function 5; it is not an affected
	// import so it stays as is.
	plan.Calls = append(plan.Calls, patch.CallSite{FunctionIndex: 5, Position: len(data) - 1, FunctionBodyPosition: l.bodies[0]})

	res, err := patch.ApplyWithResult(data, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.CallsRewritten != 1 {
		t.Errorf("CallsRewritten = %d, want 1", res.CallsRewritten)
	}
}

func TestApplyErrors(t *testing.T) {
	fx := fixture{fillerFuncs: 2, calls: []int{1, 1}}
	data := fx.module().Encode()

	tests := []struct {
		name   string
		mutate func(p *patch.Plan)
		kind   errors.Kind
	}{
		{
			name:   "no lowered signature",
			mutate: func(p *patch.Plan) { p.Lowered[0].OriginalSignatureIndex = 1 },
			kind:   errors.KindUnresolvedMapping,
		},
		{
			name: "duplicate lowered signature",
			mutate: func(p *patch.Plan) {
				p.Lowered = append(p.Lowered, p.Lowered[0])
			},
			kind: errors.KindUnresolvedMapping,
		},
		{
			name:   "no trampoline",
			mutate: func(p *patch.Plan) { p.Trampolines[0].SignatureIndex = 1 },
			kind:   errors.KindUnresolvedMapping,
		},
		{
			name: "ambiguous trampoline",
			mutate: func(p *patch.Plan) {
				p.Trampolines = append(p.Trampolines, p.Trampolines[0])
			},
			kind: errors.KindUnresolvedMapping,
		},
		{
			name:   "call out of bounds",
			mutate: func(p *patch.Plan) { p.Calls[1].Position = len(data) + 10 },
			kind:   errors.KindOutOfBounds,
		},
		{
			name:   "import out of bounds",
			mutate: func(p *patch.Plan) { p.Imports[0].Position = -1 },
			kind:   errors.KindOutOfBounds,
		},
		{
			name:   "section out of bounds",
			mutate: func(p *patch.Plan) { p.Sections[0].End = len(data) + 1 },
			kind:   errors.KindOutOfBounds,
		},
		{
			name: "unordered calls",
			mutate: func(p *patch.Plan) {
				p.Calls[0], p.Calls[1] = p.Calls[1], p.Calls[0]
			},
			kind: errors.KindInvalidInput,
		},
		{
			name:   "body after call",
			mutate: func(p *patch.Plan) { p.Calls[0].FunctionBodyPosition = p.Calls[0].Position },
			kind:   errors.KindInvalidInput,
		},
		{
			name: "stale import signature",
			mutate: func(p *patch.Plan) {
				p.Imports[0].SignatureIndex = 1
				p.Lowered[0].OriginalSignatureIndex = 1
				p.Trampolines[0].SignatureIndex = 1
			},
			kind: errors.KindInvalidInput,
		},
		{
			name:   "stale call target",
			mutate: func(p *patch.Plan) { p.Calls[0].Position-- },
			kind:   errors.KindInvalidInput,
		},
		{
			name: "shifted type section",
			mutate: func(p *patch.Plan) {
				for i := range p.Sections {
					if p.Sections[i].ID == wasm.SectionType {
						p.Sections[i].Start++
					}
				}
			},
			kind: errors.KindMissingSectionField,
		},
		{
			name: "truncated code section",
			mutate: func(p *patch.Plan) {
				for i := range p.Sections {
					if p.Sections[i].ID == wasm.SectionCode {
						p.Sections[i].End--
					}
				}
			},
			kind: errors.KindMissingSectionField,
		},
		{
			name: "missing function section",
			mutate: func(p *patch.Plan) {
				var kept []patch.Section
				for _, s := range p.Sections {
					if s.ID != wasm.SectionFunction {
						kept = append(kept, s)
					}
				}
				p.Sections = kept
			},
			kind: errors.KindMissingSectionField,
		},
		{
			name: "missing import section",
			mutate: func(p *patch.Plan) {
				var kept []patch.Section
				for _, s := range p.Sections {
					if s.ID != wasm.SectionImport {
						kept = append(kept, s)
					}
				}
				p.Sections = kept
			},
			kind: errors.KindMissingSectionField,
		},
		{
			name:   "import is not a function",
			mutate: func(p *patch.Plan) { p.Imports[0].Position = p.Sections[0].Start },
			kind:   errors.KindMissingSectionField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := fx.plan(t, data)
			tt.mutate(plan)

			out, err := patch.Apply(data, plan)
			if err == nil {
				t.Fatal("expected error")
			}
			if out != nil {
				t.Error("output returned on error")
			}
			if !errors.IsKind(err, tt.kind) {
				t.Errorf("error = %v, want kind %s", err, tt.kind)
			}
			var perr *errors.Error
			if !stderrors.As(err, &perr) || perr.Phase != errors.PhasePatch {
				t.Errorf("error = %v, want patch phase", err)
			}
		})
	}
}

func TestApplyMalformedOperand(t *testing.T) {
	// call with an overlong encoding of 0
	m := &wasm.Module{
		Types:   []wasm.FuncType{i64Sig, voidSig},
		Imports: []wasm.Import{{Module: "env", Name: "f", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
		Funcs:   []uint32{1},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpI64Const, 0x00, wasm.OpCall, 0x80, 0x00, wasm.OpDrop, wasm.OpEnd,
		}}},
	}
	fx := fixture{calls: []int{1}}
	data := m.Encode()
	plan := fx.plan(t, data)

	_, err := patch.Apply(data, plan)
	if !errors.IsKind(err, errors.KindMalformedVarint) {
		t.Errorf("error = %v, want malformed_varint", err)
	}
	var perr *errors.Error
	if stderrors.As(err, &perr) && (len(perr.Path) == 0 || perr.Path[0] != "calls[0]") {
		t.Errorf("path = %v, want calls[0]", perr.Path)
	}
}
