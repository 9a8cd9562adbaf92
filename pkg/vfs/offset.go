package vfs

import "io"

// OffsetFile is a windowed read-only view into another file.
type OffsetFile struct {
	base   File
	offset int64
	size   int64
	name   string
}

var _ File = (*OffsetFile)(nil)

func NewOffsetFile(base File, offset, size int64, name string) *OffsetFile {
	return &OffsetFile{base: base, offset: offset, size: size, name: name}
}

func (f *OffsetFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= f.size {
		return 0, io.EOF
	}
	if max := f.size - off; int64(len(p)) > max {
		n, err := f.base.ReadAt(p[:max], f.offset+off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return f.base.ReadAt(p, f.offset+off)
}

func (f *OffsetFile) Size() int64 { return f.size }

func (f *OffsetFile) Name() string { return f.name }
