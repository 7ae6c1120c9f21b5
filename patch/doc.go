// Package patch applies a precomputed i64 lowering plan to the raw bytes of a
// WebAssembly module.
//
// The plan is produced by the lower package from a scan of the original
// module. It lists the lowered signatures to append to the type section, the
// import entries to redirect to them, the trampoline functions to append to
// the function and code sections, and the call sites to redirect to those
// trampolines. Every position in the plan is an offset into the original,
// unmodified module.
//
// # Phases
//
// Apply edits the module in five phases, in the order sections appear in the
// binary:
//
//  1. Append lowered signatures to the type section.
//  2. Rewrite the signature index of each affected import, then the import
//     section length.
//  3. Append one function section entry per trampoline.
//  4. Redirect call operands to trampolines, fixing enclosing body sizes.
//  5. Append trampoline bodies to the code section.
//
// Sizes, counts and indices are unsigned LEB128, so any rewritten field can
// change length. Each phase receives the cumulative delta of the phases before
// it and returns its own contribution. Phases 2 and 4 keep a separate delta
// for edits inside their section, which is then folded into that section's
// length.
//
// # Transactions
//
// Apply never mutates its input. It patches a private copy and returns it only
// when every phase succeeded; on error the result is nil.
//
// # Usage
//
//	out, err := patch.Apply(module, &plan)
//	if err != nil {
//	    var perr *errors.Error
//	    if stderrors.As(err, &perr) {
//	        log.Printf("%s at %v", perr.Kind, perr.Path)
//	    }
//	}
package patch
