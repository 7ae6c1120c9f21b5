package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // reading module bytes
	PhaseScan     Phase = "scan"     // locating sections, imports and calls
	PhaseGenerate Phase = "generate" // building lowered signatures and trampolines
	PhasePatch    Phase = "patch"    // applying the plan to the buffer
	PhaseVerify   Phase = "verify"   // compiling the patched module
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedVarint     Kind = "malformed_varint"
	KindMissingSectionField Kind = "missing_section_field"
	KindUnresolvedMapping   Kind = "unresolved_signature_mapping"
	KindOutOfBounds         Kind = "out_of_bounds"
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidData         Kind = "invalid_data"
	KindUnsupported         Kind = "unsupported"
	KindOverflow            Kind = "overflow"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the entry path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Entry formats a plan entry path element such as "calls[3]".
func Entry(list string, i int) string {
	return fmt.Sprintf("%s[%d]", list, i)
}

// Convenience constructors for common error patterns

// MalformedVarint creates an error for a truncated or non-canonical LEB128 at pos.
func MalformedVarint(phase Phase, path []string, pos int, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMalformedVarint,
		Path:   path,
		Detail: fmt.Sprintf("malformed varint at offset %d", pos),
		Value:  pos,
		Cause:  cause,
	}
}

// MissingSectionField creates an error for a section header field that is not
// where the section descriptor says it is.
func MissingSectionField(phase Phase, path []string, field string, pos int, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMissingSectionField,
		Path:   path,
		Detail: fmt.Sprintf("%s not found at offset %d", field, pos),
		Value:  pos,
		Cause:  cause,
	}
}

// UnresolvedMapping creates an error for an import or call site whose lowered
// signature or trampoline cannot be resolved.
func UnresolvedMapping(phase Phase, path []string, what string, key uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnresolvedMapping,
		Path:   path,
		Detail: fmt.Sprintf("no %s for signature %d", what, key),
		Value:  key,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("offset %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, target string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Detail: fmt.Sprintf("value %v overflows %s", value, target),
		Value:  value,
	}
}

// Unsupported creates an error for a construct the tool does not handle,
// such as GC types or typed function references.
func Unsupported(phase Phase, path []string, what string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Path:   path,
		Detail: what,
		Cause:  cause,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an error from a lower layer (the instruction walker, the
// runtime) with phase, kind and path.
func Wrap(phase Phase, kind Kind, path []string, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Path:   path,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates an error for a module that could not be read
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// RemainingImport names an import that still exposes i64 after patching.
type RemainingImport struct {
	Module    string
	Name      string
	Signature string
}

// LoweringRemainsError is returned by strict verification when imported
// functions still use i64 in their signature.
type LoweringRemainsError struct {
	Imports []RemainingImport
}

func (e *LoweringRemainsError) Error() string {
	if len(e.Imports) == 0 {
		return "[verify] lowering_remains: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d imported function(s) still use i64:\n", len(e.Imports))

	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Name+" "+imp.Signature)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, fn := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *LoweringRemainsError) Is(target error) bool {
	_, ok := target.(*LoweringRemainsError)
	return ok
}
