package patch

import (
	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/wasm"
)

// rewriteImports points every affected import at its lowered signature.
// Imports are processed in ascending position order; each rewrite shifts the
// imports after it by its growth. Returns the total growth.
func rewriteImports(buf *buffer, imports []ImportEntry, offset int, sigIdx []uint32) (int, error) {
	var delta int
	for i, imp := range imports {
		path := errors.Entry("imports", i)
		pos := imp.Position + offset + delta

		// module name, field name
		for _, field := range [...]string{"module name", "field name"} {
			n, size, err := buf.readU32(pos)
			if err != nil {
				return 0, at(err, path)
			}
			pos += size + int(n)
			if pos > len(buf.data) {
				return 0, errors.New(errors.PhasePatch, errors.KindOutOfBounds).
					Path(path).
					Detail("%s of length %d runs past end of module", field, n).
					Value(pos).
					Build()
			}
		}

		kind, err := buf.byteAt(pos)
		if err != nil {
			return 0, at(err, path)
		}
		if kind != wasm.KindFunc {
			return 0, errors.MissingSectionField(errors.PhasePatch, []string{path}, "function import kind", pos, nil)
		}
		pos++

		current, _, err := buf.readU32(pos)
		if err != nil {
			return 0, at(err, path)
		}
		if current != imp.SignatureIndex {
			return 0, errors.New(errors.PhasePatch, errors.KindInvalidInput).
				Path(path).
				Detail("import references signature %d, plan expects %d", current, imp.SignatureIndex).
				Value(current).
				Build()
		}

		d, err := buf.replaceU32(pos, sigIdx[i])
		if err != nil {
			return 0, at(err, path)
		}
		delta += d
	}
	return delta, nil
}
