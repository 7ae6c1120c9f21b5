package wasm

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/i64shim/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
	ErrTypedRef       = errors.New("typed reference types are not supported")
)

// ParseModule parses the type, import, function, export, code and custom
// sections of a WebAssembly binary module. Other sections are validated for
// order and skipped.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for r.Len() > 0 {
		sectionID, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}

		// Custom sections can appear anywhere
		if sectionID != SectionCustom {
			order := SectionOrder(sectionID)
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}

		sectionData, err := r.ReadBytes(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		sr := binary.NewReader(sectionData)

		switch sectionID {
		case SectionCustom:
			err = parseCustomSection(sr, m)
		case SectionType:
			err = parseTypeSection(sr, m)
		case SectionImport:
			err = parseImportSection(sr, m)
		case SectionFunction:
			err = parseFunctionSection(sr, m)
		case SectionExport:
			err = parseExportSection(sr, m)
		case SectionCode:
			err = parseCodeSection(sr, m)
		}
		if err != nil {
			return nil, fmt.Errorf("%s section: %w", SectionName(sectionID), err)
		}
		if modeled(sectionID) && sr.Len() != 0 {
			return nil, fmt.Errorf("%s section: %d trailing bytes", SectionName(sectionID), sr.Len())
		}
	}

	return m, nil
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes(r.Len())
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: data})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("read type form at index %d: %w", i, err)
		}
		if form != FuncTypeByte {
			return fmt.Errorf("unsupported type form 0x%02x at index %d", form, i)
		}
		ft, err := ReadFuncType(r)
		if err != nil {
			return err
		}
		m.Types[i] = ft
	}
	return nil
}

// ReadFuncType reads the params and results of a function type. The 0x60 form
// byte must already be consumed.
func ReadFuncType(r *binary.Reader) (FuncType, error) {
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(count) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	types := make([]ValType, count)
	for i := range types {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		t := ValType(b)
		if t == ValRefNull || t == ValRef {
			return nil, ErrTypedRef
		}
		types[i] = t
	}
	return types, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, count)
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}
		if kind == KindFunc {
			imp.Desc.TypeIdx, err = r.ReadU32()
			if err != nil {
				return err
			}
		} else {
			start := r.Position()
			if err := SkipImportDesc(r, kind); err != nil {
				return err
			}
			end := r.Position()
			if err := r.Seek(start); err != nil {
				return err
			}
			if imp.Desc.Raw, err = r.ReadBytes(end - start); err != nil {
				return err
			}
		}

		m.Imports[i] = imp
	}
	return nil
}

// modeled reports whether ParseModule decodes the section into Module.
func modeled(id byte) bool {
	switch id {
	case SectionType, SectionImport, SectionFunction, SectionExport, SectionCode:
		return true
	}
	return false
}

// SkipImportDesc consumes a non-function import descriptor of the given kind.
func SkipImportDesc(r *binary.Reader, kind byte) error {
	switch kind {
	case KindFunc:
		_, err := r.ReadU32()
		return err
	case KindTable:
		if err := SkipValType(r); err != nil {
			return err
		}
		return skipLimits(r)
	case KindMemory:
		return skipLimits(r)
	case KindGlobal:
		if err := SkipValType(r); err != nil {
			return err
		}
		return r.Skip(1)
	case KindTag:
		if err := r.Skip(1); err != nil {
			return err
		}
		_, err := r.ReadU32()
		return err
	}
	return fmt.Errorf("unknown import kind: %d", kind)
}

// skipLimits consumes table or memory limits. Bit 0 of the flags marks a
// maximum, bit 2 marks 64-bit limits.
func skipLimits(r *binary.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	n := 1
	if flags&0x01 != 0 {
		n = 2
	}
	for i := 0; i < n; i++ {
		if flags&0x04 != 0 {
			_, err = r.ReadU64()
		} else {
			_, err = r.ReadU32()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return io.ErrUnexpectedEOF
	}
	m.Funcs = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		m.Funcs[i], err = r.ReadU32()
		if err != nil {
			return err
		}
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		bodyData, err := r.ReadBytes(int(bodySize))
		if err != nil {
			return err
		}

		br := binary.NewReader(bodyData)
		locals, err := ReadLocals(br)
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		code, err := br.ReadBytes(br.Len())
		if err != nil {
			return err
		}

		m.Code = append(m.Code, FuncBody{Locals: locals, Code: code})
	}
	return nil
}

// ReadLocals reads the local declarations at the start of a function body.
func ReadLocals(r *binary.Reader) ([]LocalEntry, error) {
	localCount, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	var locals []LocalEntry
	for j := uint32(0); j < localCount; j++ {
		n, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		t, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if ValType(t) == ValRefNull || ValType(t) == ValRef {
			return nil, ErrTypedRef
		}
		locals = append(locals, LocalEntry{Count: n, ValType: ValType(t)})
	}
	return locals, nil
}
