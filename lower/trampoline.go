package lower

import (
	"github.com/wippyai/i64shim/wasm"
)

// Lower returns ft with every i64 parameter and result split into two i32
// values, low word first.
func Lower(ft wasm.FuncType) wasm.FuncType {
	return wasm.FuncType{
		Params:  lowerTypes(ft.Params),
		Results: lowerTypes(ft.Results),
	}
}

func lowerTypes(types []wasm.ValType) []wasm.ValType {
	out := make([]wasm.ValType, 0, len(types))
	for _, t := range types {
		if t == wasm.ValI64 {
			out = append(out, wasm.ValI32, wasm.ValI32)
		} else {
			out = append(out, t)
		}
	}
	return out
}

func hasI64(types []wasm.ValType) bool {
	for _, t := range types {
		if t == wasm.ValI64 {
			return true
		}
	}
	return false
}

// Trampoline builds the code section entry of a function with signature ft
// that forwards to the lowered import importIdx.
//
// Each i64 argument is passed as (i32.wrap_i64 x, i32.wrap_i64 (x >> 32)).
// When a result is i64 the lowered results are stored in locals declared
// after the parameters and recombined as lo | hi << 32.
func Trampoline(ft wasm.FuncType, importIdx uint32) []byte {
	var body wasm.FuncBody
	var code []wasm.Instruction

	for i, t := range ft.Params {
		get := wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: uint32(i)}}
		code = append(code, get)
		if t != wasm.ValI64 {
			continue
		}
		code = append(code,
			wasm.Instruction{Opcode: wasm.OpI32WrapI64},
			get,
			wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 32}},
			wasm.Instruction{Opcode: wasm.OpI64ShrU},
			wasm.Instruction{Opcode: wasm.OpI32WrapI64},
		)
	}

	code = append(code, wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: importIdx}})

	if hasI64(ft.Results) {
		lowered := lowerTypes(ft.Results)
		base := uint32(len(ft.Params))
		body.Locals = localGroups(lowered)

		// Results are on the stack last-first
		for k := len(lowered) - 1; k >= 0; k-- {
			code = append(code, wasm.Instruction{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: base + uint32(k)}})
		}

		k := base
		for _, t := range ft.Results {
			if t != wasm.ValI64 {
				code = append(code, wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: k}})
				k++
				continue
			}
			code = append(code,
				wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: k}},
				wasm.Instruction{Opcode: wasm.OpI64ExtendI32U},
				wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: k + 1}},
				wasm.Instruction{Opcode: wasm.OpI64ExtendI32U},
				wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 32}},
				wasm.Instruction{Opcode: wasm.OpI64Shl},
				wasm.Instruction{Opcode: wasm.OpI64Or},
			)
			k += 2
		}
	}

	code = append(code, wasm.Instruction{Opcode: wasm.OpEnd})
	body.Code = wasm.EncodeInstructions(code)
	return wasm.EncodeFuncBody(body)
}

// localGroups run-length encodes a list of local types.
func localGroups(types []wasm.ValType) []wasm.LocalEntry {
	var groups []wasm.LocalEntry
	for _, t := range types {
		if n := len(groups); n > 0 && groups[n-1].ValType == t {
			groups[n-1].Count++
			continue
		}
		groups = append(groups, wasm.LocalEntry{Count: 1, ValType: t})
	}
	return groups
}
