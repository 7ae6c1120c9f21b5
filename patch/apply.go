package patch

import (
	"math"

	"go.uber.org/zap"

	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/wasm"
)

// Apply patches module according to plan and returns the patched copy.
// module is never modified. A plan without affected imports yields an
// identical copy.
func Apply(module []byte, plan *Plan) ([]byte, error) {
	res, err := ApplyWithResult(module, plan)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// ApplyWithResult is Apply with per-phase statistics.
func ApplyWithResult(module []byte, plan *Plan) (*Result, error) {
	log := Logger()

	if plan.Empty() {
		log.Debug("no affected imports, module unchanged", zap.Int("size", len(module)))
		return &Result{Output: newBuffer(module).data}, nil
	}

	rp, err := resolve(module, plan)
	if err != nil {
		return nil, err
	}

	buf := newBuffer(module)
	res := &Result{}
	offset := 0

	// Phase 1: lowered signatures
	if len(rp.types) > 0 {
		d, err := appendEntries(buf, rp.typeSec, offset, 0, rp.types)
		if err != nil {
			return nil, err
		}
		res.TypeDelta = d
		res.SignaturesAdded = len(rp.types)
		offset += d
	}
	log.Debug("phase complete", zap.String("phase", "types"),
		zap.Int("added", res.SignaturesAdded), zap.Int("delta", res.TypeDelta))

	// Phase 2: import signature indices, then the import section length
	d, err := rewriteImports(buf, plan.Imports, offset, rp.sigIdx)
	if err != nil {
		return nil, err
	}
	hd, err := appendEntries(buf, rp.importSec, offset, d, nil)
	if err != nil {
		return nil, err
	}
	d += hd
	res.ImportDelta = d
	res.ImportsRewritten = len(plan.Imports)
	offset += d
	log.Debug("phase complete", zap.String("phase", "imports"),
		zap.Int("rewritten", res.ImportsRewritten), zap.Int("delta", d))

	// Phase 3: function section entries
	if len(rp.funcs) > 0 {
		d, err := appendEntries(buf, rp.funcSec, offset, 0, rp.funcs)
		if err != nil {
			return nil, err
		}
		res.FunctionDelta = d
		res.FunctionsAdded = len(rp.funcs)
		offset += d
	}
	log.Debug("phase complete", zap.String("phase", "functions"),
		zap.Int("added", res.FunctionsAdded), zap.Int("delta", res.FunctionDelta))

	// Phase 4: call operands, tracked apart from offset until the code
	// section length is rewritten
	callDelta, rewritten, err := rewriteCalls(buf, plan.Calls, offset, rp.funcIdx)
	if err != nil {
		return nil, err
	}
	res.CallDelta = callDelta
	res.CallsRewritten = rewritten
	log.Debug("phase complete", zap.String("phase", "calls"),
		zap.Int("rewritten", rewritten), zap.Int("delta", callDelta))

	// Phase 5: trampoline bodies
	if len(rp.bodies) > 0 || callDelta != 0 {
		d, err := appendEntries(buf, rp.codeSec, offset, callDelta, rp.bodies)
		if err != nil {
			return nil, err
		}
		res.CodeDelta = d
	}
	log.Debug("phase complete", zap.String("phase", "code"),
		zap.Int("added", len(rp.bodies)), zap.Int("delta", res.CodeDelta))

	res.Output = buf.data
	log.Info("module patched",
		zap.Int("imports", res.ImportsRewritten),
		zap.Int("calls", res.CallsRewritten),
		zap.Int("trampolines", res.FunctionsAdded),
		zap.Int("size", len(res.Output)),
		zap.Int("growth", res.Growth()))
	return res, nil
}

// resolvedPlan is a validated plan with every index mapping computed.
type resolvedPlan struct {
	funcIdx   map[int]uint32 // call index -> trampoline function index
	sigIdx    []uint32       // import index -> lowered signature index
	types     [][]byte
	funcs     [][]byte
	bodies    [][]byte
	typeSec   Section
	importSec Section
	funcSec   Section
	codeSec   Section
}

// resolve validates plan against module before any byte is touched.
func resolve(module []byte, plan *Plan) (*resolvedPlan, error) {
	rp := &resolvedPlan{funcIdx: make(map[int]uint32)}
	size := len(module)

	seen := make(map[byte]bool)
	for i, s := range plan.Sections {
		path := errors.Entry("sections", i)
		if s.Start < 0 || s.End > size || s.Start >= s.End {
			return nil, errors.New(errors.PhasePatch, errors.KindOutOfBounds).
				Path(path).
				Detail("section [%d, %d) outside module of length %d", s.Start, s.End, size).
				Value(s.Start).
				Build()
		}
		if s.ID != wasm.SectionCustom && seen[s.ID] {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "duplicate "+wasm.SectionName(s.ID)+" section")
		}
		seen[s.ID] = true
	}

	if uint64(plan.SignatureCount)+uint64(len(plan.Lowered)) > math.MaxUint32+1 {
		return nil, errors.Overflow(errors.PhasePatch, []string{"lowered"}, len(plan.Lowered), "signature index")
	}
	if uint64(plan.FunctionCount)+uint64(len(plan.Trampolines)) > math.MaxUint32+1 {
		return nil, errors.Overflow(errors.PhasePatch, []string{"trampolines"}, len(plan.Trampolines), "function index")
	}

	lowered := make(map[uint32]uint32, len(plan.Lowered))
	for i, l := range plan.Lowered {
		path := errors.Entry("lowered", i)
		if len(l.Bytes) == 0 {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "empty signature encoding")
		}
		if l.OriginalSignatureIndex >= plan.SignatureCount {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "original signature index out of range")
		}
		if _, dup := lowered[l.OriginalSignatureIndex]; dup {
			return nil, errors.New(errors.PhasePatch, errors.KindUnresolvedMapping).
				Path(path).
				Detail("multiple lowered signatures for signature %d", l.OriginalSignatureIndex).
				Value(l.OriginalSignatureIndex).
				Build()
		}
		lowered[l.OriginalSignatureIndex] = plan.SignatureCount + uint32(i)
		rp.types = append(rp.types, l.Bytes)
	}

	for i, t := range plan.Trampolines {
		path := errors.Entry("trampolines", i)
		if len(t.Bytes) == 0 {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "empty function body")
		}
		if t.SignatureIndex >= plan.SignatureCount {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "signature index out of range")
		}
		rp.funcs = append(rp.funcs, wasm.EncodeU32(t.SignatureIndex))
		rp.bodies = append(rp.bodies, t.Bytes)
	}

	// function index -> trampoline function index, for imports that have one
	trampolines := make(map[uint32]uint32, len(plan.Imports))
	affected := make(map[uint32]bool, len(plan.Imports))
	rp.sigIdx = make([]uint32, len(plan.Imports))

	for i, imp := range plan.Imports {
		path := errors.Entry("imports", i)
		if imp.Position < 0 || imp.Position >= size {
			return nil, errors.OutOfBounds(errors.PhasePatch, []string{path}, imp.Position, size)
		}
		if i > 0 && imp.Position <= plan.Imports[i-1].Position {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "imports must be in ascending position order")
		}
		if affected[imp.FunctionIndex] {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "duplicate import function index")
		}
		affected[imp.FunctionIndex] = true

		idx, ok := lowered[imp.SignatureIndex]
		if !ok {
			return nil, errors.UnresolvedMapping(errors.PhasePatch, []string{path}, "lowered signature", imp.SignatureIndex)
		}
		rp.sigIdx[i] = idx

		t, err := trampolineFor(plan, imp, path)
		if err != nil {
			return nil, err
		}
		if t >= 0 {
			trampolines[imp.FunctionIndex] = plan.FunctionCount + uint32(t)
		}
	}

	for i, c := range plan.Calls {
		path := errors.Entry("calls", i)
		if c.Position < 0 || c.Position >= size {
			return nil, errors.OutOfBounds(errors.PhasePatch, []string{path}, c.Position, size)
		}
		if c.FunctionBodyPosition < 0 || c.FunctionBodyPosition >= c.Position {
			return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "body size field must precede the call")
		}
		if i > 0 {
			prev := plan.Calls[i-1]
			if c.Position <= prev.Position || c.FunctionBodyPosition < prev.FunctionBodyPosition {
				return nil, errors.InvalidInput(errors.PhasePatch, []string{path}, "calls must be in ascending position order")
			}
		}
		if !affected[c.FunctionIndex] {
			continue
		}
		idx, ok := trampolines[c.FunctionIndex]
		if !ok {
			return nil, errors.UnresolvedMapping(errors.PhasePatch, []string{path}, "trampoline", c.FunctionIndex)
		}
		rp.funcIdx[i] = idx
	}

	var ok bool
	if rp.importSec, ok = plan.Section(wasm.SectionImport); !ok {
		return nil, errors.MissingSectionField(errors.PhasePatch, []string{"sections"}, "import section", -1, nil)
	}
	if len(rp.types) > 0 {
		if rp.typeSec, ok = plan.Section(wasm.SectionType); !ok {
			return nil, errors.MissingSectionField(errors.PhasePatch, []string{"sections"}, "type section", -1, nil)
		}
	}
	if len(rp.funcs) > 0 {
		if rp.funcSec, ok = plan.Section(wasm.SectionFunction); !ok {
			return nil, errors.MissingSectionField(errors.PhasePatch, []string{"sections"}, "function section", -1, nil)
		}
		if rp.codeSec, ok = plan.Section(wasm.SectionCode); !ok {
			return nil, errors.MissingSectionField(errors.PhasePatch, []string{"sections"}, "code section", -1, nil)
		}
	}

	return rp, nil
}

// trampolineFor returns the ordinal of the trampoline serving imp, or -1 when
// the plan has none. A trampoline listing the import wins over one shared by
// signature.
func trampolineFor(plan *Plan, imp ImportEntry, path string) (int, error) {
	for j := range plan.Trampolines {
		t := &plan.Trampolines[j]
		if !t.serves(imp.FunctionIndex) {
			continue
		}
		if t.SignatureIndex != imp.SignatureIndex {
			return 0, errors.New(errors.PhasePatch, errors.KindInvalidInput).
				Path(path).
				Detail("trampoline %d has signature %d, import has %d", j, t.SignatureIndex, imp.SignatureIndex).
				Value(t.SignatureIndex).
				Build()
		}
		return j, nil
	}

	shared := -1
	for j, t := range plan.Trampolines {
		if len(t.Imports) != 0 || t.SignatureIndex != imp.SignatureIndex {
			continue
		}
		if shared >= 0 {
			return 0, errors.New(errors.PhasePatch, errors.KindUnresolvedMapping).
				Path(path).
				Detail("multiple trampolines for signature %d", imp.SignatureIndex).
				Value(imp.SignatureIndex).
				Build()
		}
		shared = j
	}
	return shared, nil
}
