package wasm

import "strings"

// Module represents the parts of a WebAssembly module this library reads and
// writes. Sections it does not model are skipped by ParseModule and omitted
// by Encode.
type Module struct {
	Types          []FuncType
	Imports        []Import
	Funcs          []uint32 // Type indices for declared functions
	Exports        []Export
	Code           []FuncBody
	CustomSections []CustomSection
}

// NumImportedFuncs returns the number of function imports, which is also the
// index of the first declared function.
func (m *Module) NumImportedFuncs() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			n++
		}
	}
	return n
}

// FuncType represents a WebAssembly function signature with parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// HasI64 reports whether any parameter or result is i64.
func (ft FuncType) HasI64() bool {
	for _, t := range ft.Params {
		if t == ValI64 {
			return true
		}
	}
	for _, t := range ft.Results {
		if t == ValI64 {
			return true
		}
	}
	return false
}

// Equal reports whether two signatures have identical params and results.
func (ft FuncType) Equal(other FuncType) bool {
	return valTypesEqual(ft.Params, other.Params) && valTypesEqual(ft.Results, other.Results)
}

// String renders the signature as "(i32, i64) -> (i64)".
func (ft FuncType) String() string {
	return "(" + joinValTypes(ft.Params) + ") -> (" + joinValTypes(ft.Results) + ")"
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinValTypes(types []ValType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}

// ValType represents a WebAssembly value type.
// See constants.go for ValI32, ValI64, ValF32, ValF64, etc.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	case ValRefNull:
		return "ref null"
	case ValRef:
		return "ref"
	default:
		return "unknown"
	}
}

// Import represents an imported function, table, memory, global, or tag.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item. Only function imports carry a
// decoded descriptor (TypeIdx); other kinds keep their raw descriptor bytes.
type ImportDesc struct {
	Raw     []byte
	TypeIdx uint32
	Kind    byte
}

// Export represents an exported definition.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// FuncBody represents a function's local declarations and bytecode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // Raw code bytes including end opcode
}

// LocalEntry represents a group of local variables with the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// CustomSection represents a custom section.
type CustomSection struct {
	Name string
	Data []byte
}
