package patch

// Section locates one top-level section in the original module.
type Section struct {
	ID    byte
	Start int // Offset of the section id byte
	End   int // One past the last payload byte
}

// LoweredSignature is an encoded function type (0x60 form) that replaces the
// signature OriginalSignatureIndex for affected imports.
type LoweredSignature struct {
	Bytes                  []byte
	OriginalSignatureIndex uint32
}

// ImportEntry is an affected function import.
type ImportEntry struct {
	FunctionIndex  uint32
	SignatureIndex uint32
	Position       int // Offset of the entry's module name length
}

// TrampolineFunction is a function with an original signature that bridges
// callers to a lowered import.
type TrampolineFunction struct {
	Bytes          []byte // Complete code section entry, size prefix included
	Imports        []uint32
	SignatureIndex uint32
}

// serves reports whether the trampoline is dedicated to the import.
func (t *TrampolineFunction) serves(funcIdx uint32) bool {
	for _, idx := range t.Imports {
		if idx == funcIdx {
			return true
		}
	}
	return false
}

// CallSite is a direct call to an affected import.
type CallSite struct {
	FunctionIndex        uint32
	Position             int // Offset of the function index operand
	FunctionBodyPosition int // Offset of the enclosing body's size field
}

// Plan is the full set of edits to apply to one module.
type Plan struct {
	Sections       []Section
	Imports        []ImportEntry
	Lowered        []LoweredSignature
	Trampolines    []TrampolineFunction
	Calls          []CallSite
	SignatureCount uint32 // Entries in the original type section
	FunctionCount  uint32 // Imported plus declared functions
}

// Section returns the descriptor for the given section id.
func (p *Plan) Section(id byte) (Section, bool) {
	for _, s := range p.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// Empty reports whether the plan has no affected imports.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Imports) == 0
}

// Result reports what Apply did.
type Result struct {
	Output []byte

	// Byte deltas contributed by each phase
	TypeDelta     int
	ImportDelta   int
	FunctionDelta int
	CallDelta     int
	CodeDelta     int

	SignaturesAdded  int
	ImportsRewritten int
	FunctionsAdded   int
	CallsRewritten   int
}

// Growth returns the total size difference between input and output.
func (r *Result) Growth() int {
	return r.TypeDelta + r.ImportDelta + r.FunctionDelta + r.CallDelta + r.CodeDelta
}
