// Package scan locates everything the i64 lowering needs in a WebAssembly
// module: section boundaries, function signatures, import entries and every
// direct call, all as absolute offsets into the scanned bytes.
package scan

import (
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/internal/binary"
	"github.com/wippyai/i64shim/wasm"
)

// Section is the extent of one top-level section.
type Section struct {
	ID    byte
	Start int // Offset of the section id byte
	End   int // One past the last payload byte
}

// Import is an import entry and where it starts.
type Import struct {
	wasm.Import
	Position int
	FuncIdx  uint32 // Function index, for function imports
}

// Body is a function body in the code section.
type Body struct {
	Locals    []wasm.LocalEntry
	FuncIdx   uint32
	Position  int // Offset of the size field
	CodeStart int // Offset of the first instruction
	End       int // One past the final end opcode
}

// Call is a direct call instruction.
type Call struct {
	Opcode       byte   // wasm.OpCall or wasm.OpReturnCall
	Target       uint32 // Called function index
	Caller       uint32 // Function index of the enclosing body
	Position     int    // Offset of the target operand
	BodyPosition int    // Offset of the enclosing body's size field
}

// Module is the result of a scan.
type Module struct {
	Sections         []Section
	Types            []wasm.FuncType
	Imports          []Import
	Funcs            []uint32 // Type indices of declared functions
	Exports          []wasm.Export
	Bodies           []Body
	Calls            []Call // Ascending by Position
	NumImportedFuncs uint32
}

// Section returns the extent of the section with the given id.
func (m *Module) Section(id byte) (Section, bool) {
	for _, s := range m.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// FunctionCount returns the size of the function index space.
func (m *Module) FunctionCount() uint32 {
	return m.NumImportedFuncs + uint32(len(m.Funcs))
}

// FuncType returns the signature of a function by index.
func (m *Module) FuncType(funcIdx uint32) (wasm.FuncType, bool) {
	var typeIdx uint32
	if funcIdx < m.NumImportedFuncs {
		for _, imp := range m.Imports {
			if imp.Desc.Kind == wasm.KindFunc && imp.FuncIdx == funcIdx {
				typeIdx = imp.Desc.TypeIdx
				break
			}
		}
	} else {
		i := funcIdx - m.NumImportedFuncs
		if int(i) >= len(m.Funcs) {
			return wasm.FuncType{}, false
		}
		typeIdx = m.Funcs[i]
	}
	if int(typeIdx) >= len(m.Types) {
		return wasm.FuncType{}, false
	}
	return m.Types[typeIdx], true
}

// CallsTo returns the calls targeting funcIdx.
func (m *Module) CallsTo(funcIdx uint32) []Call {
	var out []Call
	for _, c := range m.Calls {
		if c.Target == funcIdx {
			out = append(out, c)
		}
	}
	return out
}

// Scan walks data and records the layout of a WebAssembly module.
func Scan(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil || magic != wasm.Magic {
		return nil, errors.New(errors.PhaseScan, errors.KindInvalidData).
			Path("header").Detail("not a wasm module").Cause(wasm.ErrInvalidMagic).Build()
	}
	version, err := r.ReadU32LE()
	if err != nil || version != wasm.Version {
		return nil, errors.New(errors.PhaseScan, errors.KindInvalidData).
			Path("header").Detail("unsupported binary version").Cause(wasm.ErrInvalidVersion).Build()
	}

	s := &scanner{r: r, m: &Module{}}
	if err := s.sections(); err != nil {
		return nil, err
	}

	m := s.m
	if len(m.Funcs) != len(m.Bodies) {
		return nil, errors.InvalidData(errors.PhaseScan, []string{"code"},
			fmt.Sprintf("%d declared functions but %d bodies", len(m.Funcs), len(m.Bodies)))
	}
	Logger().Debug("module scanned",
		zap.Int("size", len(data)),
		zap.Int("types", len(m.Types)),
		zap.Int("imports", len(m.Imports)),
		zap.Int("functions", len(m.Funcs)),
		zap.Int("calls", len(m.Calls)))
	return m, nil
}

type scanner struct {
	r *binary.Reader
	m *Module
}

func (s *scanner) sections() error {
	var lastOrder int
	for s.r.Len() > 0 {
		start := s.r.Position()
		id, _ := s.r.ReadByte()
		name := wasm.SectionName(id)

		if id != wasm.SectionCustom {
			if id > wasm.SectionTag {
				return errors.New(errors.PhaseScan, errors.KindInvalidData).
					Path(fmt.Sprintf("section@%d", start)).Detail("unknown section id %d", id).Value(id).Build()
			}
			order := wasm.SectionOrder(id)
			if order <= lastOrder {
				return errors.InvalidData(errors.PhaseScan, []string{name}, "section out of order")
			}
			lastOrder = order
		}

		size, err := s.u32(name)
		if err != nil {
			return err
		}
		total := s.r.Position() + s.r.Len()
		end := s.r.Position() + int(size)
		if end > total {
			return errors.OutOfBounds(errors.PhaseScan, []string{name}, end, total)
		}
		s.m.Sections = append(s.m.Sections, Section{ID: id, Start: start, End: end})

		switch id {
		case wasm.SectionType:
			err = s.types()
		case wasm.SectionImport:
			err = s.imports()
		case wasm.SectionFunction:
			err = s.functions()
		case wasm.SectionExport:
			err = s.exports()
		case wasm.SectionCode:
			err = s.code()
		}
		if err != nil {
			return err
		}

		if modeled(id) && s.r.Position() != end {
			return errors.InvalidData(errors.PhaseScan, []string{name},
				fmt.Sprintf("entries end at %d, section ends at %d", s.r.Position(), end))
		}
		if err := s.r.Seek(end); err != nil {
			return errors.OutOfBounds(errors.PhaseScan, []string{name}, end, total)
		}
	}
	return nil
}

// modeled reports whether the scanner decodes the section's entries.
func modeled(id byte) bool {
	switch id {
	case wasm.SectionType, wasm.SectionImport, wasm.SectionFunction, wasm.SectionExport, wasm.SectionCode:
		return true
	}
	return false
}

// u32 reads a varint, reporting failures against path.
func (s *scanner) u32(path ...string) (uint32, error) {
	pos := s.r.Position()
	v, err := s.r.ReadU32()
	if err != nil {
		return 0, errors.MalformedVarint(errors.PhaseScan, path, pos, err)
	}
	return v, nil
}

func (s *scanner) truncated(err error, path ...string) error {
	return errors.New(errors.PhaseScan, errors.KindInvalidData).
		Path(path...).Detail("truncated at offset %d", s.r.Position()).Cause(err).Build()
}

func (s *scanner) types() error {
	count, err := s.u32("type", "count")
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		path := errors.Entry("types", int(i))
		form, err := s.r.ReadByte()
		if err != nil {
			return s.truncated(err, path)
		}
		if form != wasm.FuncTypeByte {
			return errors.Unsupported(errors.PhaseScan, []string{path}, fmt.Sprintf("type form 0x%02x", form), nil)
		}
		ft, err := wasm.ReadFuncType(s.r)
		if err != nil {
			if stderrors.Is(err, wasm.ErrTypedRef) {
				return errors.Unsupported(errors.PhaseScan, []string{path}, "typed reference in signature", err)
			}
			return s.truncated(err, path)
		}
		s.m.Types = append(s.m.Types, ft)
	}
	return nil
}

func (s *scanner) imports() error {
	count, err := s.u32("import", "count")
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		path := errors.Entry("imports", int(i))
		imp := Import{Position: s.r.Position()}

		if imp.Module, err = s.r.ReadName(); err != nil {
			return s.truncated(err, path, "module")
		}
		if imp.Name, err = s.r.ReadName(); err != nil {
			return s.truncated(err, path, "name")
		}
		if imp.Desc.Kind, err = s.r.ReadByte(); err != nil {
			return s.truncated(err, path, "kind")
		}

		if imp.Desc.Kind == wasm.KindFunc {
			if imp.Desc.TypeIdx, err = s.u32(path, "type"); err != nil {
				return err
			}
			if int(imp.Desc.TypeIdx) >= len(s.m.Types) {
				return errors.OutOfBounds(errors.PhaseScan, []string{path, "type"}, int(imp.Desc.TypeIdx), len(s.m.Types))
			}
			imp.FuncIdx = s.m.NumImportedFuncs
			s.m.NumImportedFuncs++
		} else {
			descStart := s.r.Position()
			if err := wasm.SkipImportDesc(s.r, imp.Desc.Kind); err != nil {
				return errors.New(errors.PhaseScan, errors.KindInvalidData).
					Path(path).Detail("import kind %d", imp.Desc.Kind).Cause(err).Build()
			}
			descEnd := s.r.Position()
			_ = s.r.Seek(descStart)
			imp.Desc.Raw, _ = s.r.ReadBytes(descEnd - descStart)
		}

		s.m.Imports = append(s.m.Imports, imp)
	}
	return nil
}

func (s *scanner) functions() error {
	count, err := s.u32("function", "count")
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		path := errors.Entry("funcs", int(i))
		idx, err := s.u32(path)
		if err != nil {
			return err
		}
		if int(idx) >= len(s.m.Types) {
			return errors.OutOfBounds(errors.PhaseScan, []string{path}, int(idx), len(s.m.Types))
		}
		s.m.Funcs = append(s.m.Funcs, idx)
	}
	return nil
}

func (s *scanner) exports() error {
	count, err := s.u32("export", "count")
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		path := errors.Entry("exports", int(i))
		var exp wasm.Export
		if exp.Name, err = s.r.ReadName(); err != nil {
			return s.truncated(err, path)
		}
		if exp.Kind, err = s.r.ReadByte(); err != nil {
			return s.truncated(err, path)
		}
		if exp.Idx, err = s.u32(path); err != nil {
			return err
		}
		s.m.Exports = append(s.m.Exports, exp)
	}
	return nil
}

func (s *scanner) code() error {
	count, err := s.u32("code", "count")
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		path := errors.Entry("bodies", int(i))
		body := Body{Position: s.r.Position(), FuncIdx: s.m.NumImportedFuncs + i}

		size, err := s.u32(path, "size")
		if err != nil {
			return err
		}
		body.End = s.r.Position() + int(size)
		if size == 0 || body.End > s.r.Position()+s.r.Len() {
			return errors.OutOfBounds(errors.PhaseScan, []string{path}, body.End, s.r.Position()+s.r.Len())
		}

		if body.Locals, err = wasm.ReadLocals(s.r); err != nil {
			if stderrors.Is(err, wasm.ErrTypedRef) {
				return errors.Unsupported(errors.PhaseScan, []string{path, "locals"}, "typed reference local", err)
			}
			return s.truncated(err, path, "locals")
		}
		body.CodeStart = s.r.Position()
		if body.CodeStart >= body.End {
			return errors.InvalidData(errors.PhaseScan, []string{path}, "locals run past body end")
		}

		code, _ := s.r.ReadBytes(body.End - body.CodeStart)
		if code[len(code)-1] != wasm.OpEnd {
			return errors.InvalidData(errors.PhaseScan, []string{path}, "body does not end with end opcode")
		}
		calls, err := wasm.FindCalls(code)
		if err != nil {
			if stderrors.Is(err, wasm.ErrUnsupportedOpcode) {
				return errors.Unsupported(errors.PhaseScan, []string{path}, "instruction", err)
			}
			return errors.Wrap(errors.PhaseScan, errors.KindInvalidData, []string{path}, err, "walking instructions")
		}
		for _, c := range calls {
			s.m.Calls = append(s.m.Calls, Call{
				Opcode:       c.Opcode,
				Target:       c.FuncIdx,
				Caller:       body.FuncIdx,
				Position:     body.CodeStart + c.Offset,
				BodyPosition: body.Position,
			})
		}

		s.m.Bodies = append(s.m.Bodies, body)
	}
	return nil
}
