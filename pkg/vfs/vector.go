package vfs

import "io"

// VectorFile is an in-memory writable file.
type VectorFile struct {
	name string
	data []byte
}

var _ WritableFile = (*VectorFile)(nil)

func NewVectorFile(name string, data []byte) *VectorFile {
	return &VectorFile{name: name, data: data}
}

func (f *VectorFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *VectorFile) WriteAt(p []byte, off int64) (int, error) {
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

func (f *VectorFile) Resize(size int64) error {
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data)
	f.data = grown
	return nil
}

func (f *VectorFile) Size() int64 { return int64(len(f.data)) }

func (f *VectorFile) Name() string { return f.name }

// Bytes returns the backing slice without copying.
func (f *VectorFile) Bytes() []byte { return f.data }
