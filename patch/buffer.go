package patch

import (
	"github.com/wippyai/i64shim/errors"
	"github.com/wippyai/i64shim/wasm"
)

// buffer is the working copy of the module. insert and remove are its only
// mutators; every field rewrite is a remove followed by an insert.
type buffer struct {
	data []byte
}

func newBuffer(module []byte) *buffer {
	data := make([]byte, len(module))
	copy(data, module)
	return &buffer{data: data}
}

// insert places data at pos, shifting the tail later.
func (b *buffer) insert(pos int, data []byte) error {
	if pos < 0 || pos > len(b.data) {
		return errors.OutOfBounds(errors.PhasePatch, nil, pos, len(b.data))
	}
	if len(data) == 0 {
		return nil
	}
	b.data = append(b.data, data...)
	copy(b.data[pos+len(data):], b.data[pos:len(b.data)-len(data)])
	copy(b.data[pos:], data)
	return nil
}

// remove deletes n bytes at pos, shifting the tail earlier.
func (b *buffer) remove(pos, n int) error {
	if pos < 0 || n < 0 || pos+n > len(b.data) {
		return errors.OutOfBounds(errors.PhasePatch, nil, pos+n, len(b.data))
	}
	b.data = append(b.data[:pos], b.data[pos+n:]...)
	return nil
}

// byteAt returns the byte at pos.
func (b *buffer) byteAt(pos int) (byte, error) {
	if pos < 0 || pos >= len(b.data) {
		return 0, errors.OutOfBounds(errors.PhasePatch, nil, pos, len(b.data))
	}
	return b.data[pos], nil
}

// readU32 decodes the varint at pos and returns it with its encoded length.
func (b *buffer) readU32(pos int) (uint32, int, error) {
	if pos < 0 || pos >= len(b.data) {
		return 0, 0, errors.OutOfBounds(errors.PhasePatch, nil, pos, len(b.data))
	}
	v, n, err := wasm.DecodeU32(b.data[pos:])
	if err != nil {
		return 0, 0, errors.MalformedVarint(errors.PhasePatch, nil, pos, err)
	}
	return v, n, nil
}

// replaceU32 rewrites the varint at pos with v and returns the change in
// encoded length.
func (b *buffer) replaceU32(pos int, v uint32) (int, error) {
	_, n, err := b.readU32(pos)
	if err != nil {
		return 0, err
	}
	if err := b.remove(pos, n); err != nil {
		return 0, err
	}
	enc := wasm.EncodeU32(v)
	if err := b.insert(pos, enc); err != nil {
		return 0, err
	}
	return len(enc) - n, nil
}

// at attaches a plan path to an error raised by a primitive.
func at(err error, path ...string) error {
	if e, ok := err.(*errors.Error); ok && len(e.Path) == 0 {
		e.Path = path
	}
	return err
}
