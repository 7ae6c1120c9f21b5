// Package lower decides which imports of a scanned module need their i64
// signatures lowered and produces the patch plan that does it: one lowered
// signature per affected original signature, trampolines that keep the
// original signatures for internal callers, and the call sites to redirect.
package lower

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/patch"
	"github.com/wippyai/i64shim/scan"
	"github.com/wippyai/i64shim/wasm"
)

// Affected describes one lowered import.
type Affected struct {
	Module     string
	Name       string
	Signature  wasm.FuncType // As declared in the input
	Lowered    wasm.FuncType // As declared in the output
	FuncIdx    uint32
	Trampoline uint32 // Function index of the trampoline, valid if HasTrampoline
	Calls      int    // Direct calls redirected to the trampoline
	Rule       string // Only pattern that selected the import, if any

	HasTrampoline bool
}

// Skipped is an i64 import left alone by the configuration.
type Skipped struct {
	Module    string
	Name      string
	Signature wasm.FuncType
	Rule      string // Skip pattern that excluded it; empty when no Only pattern matched
}

// Result is the output of Generate.
type Result struct {
	Plan     patch.Plan
	Affected []Affected
	Skipped  []Skipped
	Warnings []string
}

// Generate builds the lowering plan for m.
func Generate(m *scan.Module, cfg Config) (*Result, error) {
	if m == nil {
		return nil, errors.InvalidInput(errors.PhaseGenerate, nil, "nil module")
	}
	log := Logger()

	res := &Result{
		Plan: patch.Plan{
			SignatureCount: uint32(len(m.Types)),
			FunctionCount:  m.FunctionCount(),
		},
	}
	for _, s := range m.Sections {
		res.Plan.Sections = append(res.Plan.Sections, patch.Section{ID: s.ID, Start: s.Start, End: s.End})
	}

	// Affected imports grouped by signature, in first-seen order
	var sigOrder []uint32
	bySig := make(map[uint32][]int)
	affected := make(map[uint32]int) // function index -> res.Affected index

	for i, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		if int(imp.Desc.TypeIdx) >= len(m.Types) {
			return nil, errors.OutOfBounds(errors.PhaseGenerate, []string{errors.Entry("imports", i)}, int(imp.Desc.TypeIdx), len(m.Types))
		}
		ft := m.Types[imp.Desc.TypeIdx]
		if !ft.HasI64() {
			continue
		}
		sel := cfg.selects(imp)
		if !sel.selected {
			res.Skipped = append(res.Skipped, Skipped{
				Module:    imp.Module,
				Name:      imp.Name,
				Signature: ft,
				Rule:      sel.rule,
			})
			log.Debug("import skipped by configuration",
				zap.String("module", imp.Module),
				zap.String("name", imp.Name),
				zap.String("rule", sel.rule))
			continue
		}

		if _, ok := bySig[imp.Desc.TypeIdx]; !ok {
			sigOrder = append(sigOrder, imp.Desc.TypeIdx)
		}
		bySig[imp.Desc.TypeIdx] = append(bySig[imp.Desc.TypeIdx], len(res.Affected))
		affected[imp.FuncIdx] = len(res.Affected)

		res.Affected = append(res.Affected, Affected{
			Module:    imp.Module,
			Name:      imp.Name,
			Signature: ft,
			Lowered:   Lower(ft),
			FuncIdx:   imp.FuncIdx,
			Rule:      sel.rule,
		})
		res.Plan.Imports = append(res.Plan.Imports, patch.ImportEntry{
			FunctionIndex:  imp.FuncIdx,
			SignatureIndex: imp.Desc.TypeIdx,
			Position:       imp.Position,
		})
	}

	if len(res.Affected) == 0 {
		log.Debug("no imports need lowering")
		return res, nil
	}

	for _, sig := range sigOrder {
		res.Plan.Lowered = append(res.Plan.Lowered, patch.LoweredSignature{
			OriginalSignatureIndex: sig,
			Bytes:                  wasm.EncodeFuncType(Lower(m.Types[sig])),
		})
	}

	_, hasFuncs := m.Section(wasm.SectionFunction)
	_, hasCode := m.Section(wasm.SectionCode)
	if hasFuncs && hasCode {
		addTrampolines(res, m, sigOrder, bySig)
	} else {
		// Without a code section there are no direct calls to redirect
		res.Warnings = append(res.Warnings, "module declares no functions; no trampolines added")
	}

	for _, c := range m.Calls {
		ai, ok := affected[c.Target]
		if !ok {
			continue
		}
		res.Plan.Calls = append(res.Plan.Calls, patch.CallSite{
			FunctionIndex:        c.Target,
			Position:             c.Position,
			FunctionBodyPosition: c.BodyPosition,
		})
		res.Affected[ai].Calls++
	}

	for _, exp := range m.Exports {
		if exp.Kind != wasm.KindFunc {
			continue
		}
		if ai, ok := affected[exp.Idx]; ok {
			a := res.Affected[ai]
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"import %s.%s is re-exported as %q and will expose the lowered signature %s",
				a.Module, a.Name, exp.Name, a.Lowered))
		}
	}

	for _, a := range res.Affected {
		log.Debug("import lowered",
			zap.String("module", a.Module),
			zap.String("name", a.Name),
			zap.Stringer("signature", a.Signature),
			zap.Stringer("lowered", a.Lowered),
			zap.Int("calls", a.Calls))
	}
	for _, w := range res.Warnings {
		log.Warn(w)
	}
	log.Info("lowering plan generated",
		zap.Int("imports", len(res.Plan.Imports)),
		zap.Int("signatures", len(res.Plan.Lowered)),
		zap.Int("trampolines", len(res.Plan.Trampolines)),
		zap.Int("calls", len(res.Plan.Calls)))

	return res, nil
}

// addTrampolines adds one trampoline per affected signature. A trampoline
// calls a single import, so imports sharing a signature get one each.
func addTrampolines(res *Result, m *scan.Module, sigOrder []uint32, bySig map[uint32][]int) {
	for _, sig := range sigOrder {
		group := bySig[sig]
		for _, ai := range group {
			a := &res.Affected[ai]
			t := patch.TrampolineFunction{
				SignatureIndex: sig,
				Bytes:          Trampoline(m.Types[sig], a.FuncIdx),
			}
			if len(group) > 1 {
				t.Imports = []uint32{a.FuncIdx}
			}
			a.Trampoline = res.Plan.FunctionCount + uint32(len(res.Plan.Trampolines))
			a.HasTrampoline = true
			res.Plan.Trampolines = append(res.Plan.Trampolines, t)
		}
	}
}
