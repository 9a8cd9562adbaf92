package vfs

import "io"

// ConcatFile logically concatenates an ordered list of files into one
// read-only view. Reads spanning child boundaries are split, with each part
// resolved in its owning child; reads outside the concatenated range return
// no bytes.
type ConcatFile struct {
	name     string
	children []File
	size     int64
}

var _ File = (*ConcatFile)(nil)

func NewConcatFile(name string, children ...File) *ConcatFile {
	f := &ConcatFile{name: name, children: children}
	for _, c := range children {
		f.size += c.Size()
	}
	return f
}

func (f *ConcatFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= f.size {
		return 0, io.EOF
	}

	total := 0
	childStart := int64(0)
	for _, child := range f.children {
		childEnd := childStart + child.Size()
		if off+int64(total) < childEnd && total < len(p) {
			want := len(p) - total
			if max := childEnd - (off + int64(total)); int64(want) > max {
				want = int(max)
			}
			n, err := child.ReadAt(p[total:total+want], off+int64(total)-childStart)
			total += n
			if err != nil && err != io.EOF {
				return total, err
			}
			if n < want {
				break
			}
		}
		childStart = childEnd
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

func (f *ConcatFile) Size() int64 { return f.size }

func (f *ConcatFile) Name() string { return f.name }
