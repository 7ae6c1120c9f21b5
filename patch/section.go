package patch

import (
	"math"

	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/wasm"
)

// appendEntries appends entries to the end of sec and rewrites the section's
// length and count fields.
//
// startingOffset is the delta of every edit before the section. insertionOffset
// is the number of bytes already added inside the section whose length field
// does not account for them yet. The returned delta covers the header growth
// and the appended bytes; insertionOffset is not included.
func appendEntries(buf *buffer, sec Section, startingOffset, insertionOffset int, entries [][]byte) (int, error) {
	if len(entries) == 0 && insertionOffset == 0 {
		return 0, nil
	}

	name := wasm.SectionName(sec.ID)
	start := sec.Start + startingOffset

	id, err := buf.byteAt(start)
	if err != nil {
		return 0, err
	}
	if id != sec.ID {
		return 0, errors.New(errors.PhasePatch, errors.KindMissingSectionField).
			Path(name).
			Detail("expected section id %d at offset %d, found %d", sec.ID, start, id).
			Value(start).
			Build()
	}

	lengthPos := start + 1
	length, lengthSize, err := buf.readU32(lengthPos)
	if err != nil {
		return 0, errors.MissingSectionField(errors.PhasePatch, []string{name}, "section length", lengthPos, err)
	}
	if lengthPos+lengthSize+int(length) != sec.End+startingOffset {
		return 0, errors.New(errors.PhasePatch, errors.KindMissingSectionField).
			Path(name).
			Detail("declared length %d does not end at recorded offset %d", length, sec.End).
			Value(length).
			Build()
	}

	countPos := lengthPos + lengthSize
	count, countSize, err := buf.readU32(countPos)
	if err != nil {
		return 0, errors.MissingSectionField(errors.PhasePatch, []string{name}, "entry count", countPos, err)
	}

	var appended int
	for _, e := range entries {
		appended += len(e)
	}

	newCount := uint64(count) + uint64(len(entries))
	if newCount > math.MaxUint32 {
		return 0, errors.Overflow(errors.PhasePatch, []string{name}, newCount, "entry count")
	}
	countGrowth := wasm.SizeU32(uint32(newCount)) - countSize

	newLength := int64(length) + int64(insertionOffset) + int64(appended) + int64(countGrowth)
	if newLength < 0 || newLength > math.MaxUint32 {
		return 0, errors.Overflow(errors.PhasePatch, []string{name}, newLength, "section length")
	}

	lengthDelta, err := buf.replaceU32(lengthPos, uint32(newLength))
	if err != nil {
		return 0, at(err, name)
	}
	countDelta, err := buf.replaceU32(countPos+lengthDelta, uint32(newCount))
	if err != nil {
		return 0, at(err, name)
	}

	if appended > 0 {
		blob := make([]byte, 0, appended)
		for _, e := range entries {
			blob = append(blob, e...)
		}
		end := sec.End + startingOffset + insertionOffset + lengthDelta + countDelta
		if err := buf.insert(end, blob); err != nil {
			return 0, at(err, name)
		}
	}

	return lengthDelta + countDelta + appended, nil
}
