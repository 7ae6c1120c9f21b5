package wasm

import (
	"github.com/wippyai/i64shim/internal/binary"
)

// Encode encodes the module to WebAssembly binary format
func (m *Module) Encode() []byte {
	w := binary.NewWriter()

	// Magic number and version
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	// Type section
	if len(m.Types) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			writeFuncType(sec, ft)
		}
		w.Section(SectionType, sec.Bytes())
	}

	// Import section
	if len(m.Imports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			sec.WriteName(imp.Module)
			sec.WriteName(imp.Name)
			sec.Byte(imp.Desc.Kind)
			if imp.Desc.Kind == KindFunc {
				sec.WriteU32(imp.Desc.TypeIdx)
			} else {
				sec.WriteBytes(imp.Desc.Raw)
			}
		}
		w.Section(SectionImport, sec.Bytes())
	}

	// Function section
	if len(m.Funcs) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			sec.WriteU32(typeIdx)
		}
		w.Section(SectionFunction, sec.Bytes())
	}

	// Export section
	if len(m.Exports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			sec.WriteName(exp.Name)
			sec.Byte(exp.Kind)
			sec.WriteU32(exp.Idx)
		}
		w.Section(SectionExport, sec.Bytes())
	}

	// Code section
	if len(m.Code) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			writeFuncBody(sec, body)
		}
		w.Section(SectionCode, sec.Bytes())
	}

	// Custom sections go last
	for _, cs := range m.CustomSections {
		sec := binary.NewWriter()
		sec.WriteName(cs.Name)
		sec.WriteBytes(cs.Data)
		w.Section(SectionCustom, sec.Bytes())
	}

	return w.Bytes()
}

// EncodeFuncType encodes a single type section entry (form byte included).
func EncodeFuncType(ft FuncType) []byte {
	w := binary.NewWriter()
	writeFuncType(w, ft)
	return w.Bytes()
}

// EncodeFuncBody encodes a single code section entry, size prefix included.
func EncodeFuncBody(body FuncBody) []byte {
	w := binary.NewWriter()
	writeFuncBody(w, body)
	return w.Bytes()
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeFuncType(w *binary.Writer, ft FuncType) {
	w.Byte(FuncTypeByte)
	writeValTypes(w, ft.Params)
	writeValTypes(w, ft.Results)
}

func writeFuncBody(w *binary.Writer, body FuncBody) {
	b := binary.NewWriter()
	b.WriteU32(uint32(len(body.Locals)))
	for _, l := range body.Locals {
		b.WriteU32(l.Count)
		b.Byte(byte(l.ValType))
	}
	b.WriteBytes(body.Code)
	w.Sized(b.Bytes())
}
