// Package i64shim rewrites WebAssembly modules so that imported functions no
// longer use i64 in their signatures.
//
// Some hosts cannot pass 64-bit integers across the import boundary. For each
// such import the module is patched to declare a lowered signature, where
// every i64 parameter and result becomes two i32 values (low word first), and
// every direct call to the import is redirected to a trampoline function that
// keeps the original signature and splits or joins the values around a call to
// the lowered import. Code that called the import needs no changes.
//
// # Architecture Overview
//
//	i64shim/             Root package: Transform ties the stages together
//	├── wasm/            Binary constants, LEB128 codec, encoder, instruction walker
//	├── scan/            Locates sections, imports, bodies and call sites
//	├── lower/           Chooses imports to lower, builds signatures and trampolines
//	├── patch/           Applies the plan to the raw bytes, fixing sizes and counts
//	├── verify/          Compiles the result with wazero and lists i64 imports
//	├── errors/          Structured error types for debugging
//	└── cmd/i64shim/     Command line tool
//
// # Quick Start
//
//	res, err := i64shim.Transform(ctx, wasmBytes, i64shim.Config{Verify: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, a := range res.Affected {
//	    fmt.Printf("%s.%s %s -> %s\n", a.Module, a.Name, a.Signature, a.Lowered)
//	}
//	os.WriteFile("out.wasm", res.Output, 0o644)
//
// # Host Side
//
// A host implements the lowered import and reassembles values itself:
//
//	// env.add64: (i32, i32, i32, i32) -> (i32, i32)
//	a := uint64(stack[0]&0xffffffff) | uint64(stack[1])<<32
//	b := uint64(stack[2]&0xffffffff) | uint64(stack[3])<<32
//	sum := a + b
//	stack[0], stack[1] = uint64(uint32(sum)), uint64(uint32(sum>>32))
//
// # Limitations
//
// Only direct calls are redirected. Affected imports referenced through
// ref.func, element segments or exports keep pointing at the lowered import;
// Transform reports re-exports as warnings.
//
// # Logging
//
// Every package logs through go.uber.org/zap and is silent by default. Use
// SetLogger to route all of them to one logger.
package i64shim
