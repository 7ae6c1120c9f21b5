package patch

import (
	"math"

	"github.com/wippyai/i64shim/errors"
)

// rewriteCalls redirects call operands to trampolines. funcIdx maps a call
// index to its new target; calls absent from it are left alone.
//
// Two deltas are tracked. callDelta counts every byte added so far in this
// phase. bodyDelta is the value callDelta had when the current body was
// entered: the size field precedes all calls in its body, so edits inside the
// body never move it. When an operand grows the body size grows by the same
// amount, and the size field's own growth shifts the remaining calls.
func rewriteCalls(buf *buffer, calls []CallSite, offset int, funcIdx map[int]uint32) (int, int, error) {
	var callDelta, bodyDelta, rewritten int
	lastBody := -1

	for i, c := range calls {
		target, ok := funcIdx[i]
		if !ok {
			continue
		}
		path := errors.Entry("calls", i)

		if c.FunctionBodyPosition != lastBody {
			lastBody = c.FunctionBodyPosition
			bodyDelta = callDelta
		}

		pos := c.Position + offset + callDelta
		current, _, err := buf.readU32(pos)
		if err != nil {
			return 0, 0, at(err, path)
		}
		if current != c.FunctionIndex {
			return 0, 0, errors.New(errors.PhasePatch, errors.KindInvalidInput).
				Path(path).
				Detail("call targets function %d, plan expects %d", current, c.FunctionIndex).
				Value(current).
				Build()
		}

		d, err := buf.replaceU32(pos, target)
		if err != nil {
			return 0, 0, at(err, path)
		}
		callDelta += d
		rewritten++
		if d == 0 {
			continue
		}

		sizePos := c.FunctionBodyPosition + offset + bodyDelta
		size, _, err := buf.readU32(sizePos)
		if err != nil {
			return 0, 0, at(err, path, "body size")
		}
		newSize := int64(size) + int64(d)
		if newSize > math.MaxUint32 {
			return 0, 0, errors.Overflow(errors.PhasePatch, []string{path, "body size"}, newSize, "u32")
		}
		sd, err := buf.replaceU32(sizePos, uint32(newSize))
		if err != nil {
			return 0, 0, at(err, path, "body size")
		}
		callDelta += sd
	}

	return callDelta, rewritten, nil
}
