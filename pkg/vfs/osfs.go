package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
)

// OSDir exposes a directory on the host filesystem as a Dir. Lookups hit the
// filesystem on every call; nothing is cached.
type OSDir struct {
	path string
}

var _ Dir = (*OSDir)(nil)

func NewOSDir(path string) *OSDir {
	return &OSDir{path: path}
}

func (d *OSDir) Name() string { return filepath.Base(d.path) }

// Path returns the absolute host path of the directory.
func (d *OSDir) Path() string { return d.path }

func (d *OSDir) Files() []File {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil
	}

	var out []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if f := d.GetFile(entry.Name()); f != nil {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (d *OSDir) Dirs() []Dir {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil
	}

	var out []Dir
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, NewOSDir(filepath.Join(d.path, entry.Name())))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (d *OSDir) GetFile(name string) File {
	path := filepath.Join(d.path, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	return &osFile{path: path, size: info.Size()}
}

func (d *OSDir) GetDir(name string) Dir {
	path := filepath.Join(d.path, name)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil
	}
	return NewOSDir(path)
}

func (d *OSDir) CreateFile(name string) (WritableFile, error) {
	path := filepath.Join(d.path, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &osFile{path: path}, nil
}

func (d *OSDir) CreateDir(name string) (Dir, error) {
	path := filepath.Join(d.path, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return NewOSDir(path), nil
}

func (d *OSDir) DeleteFile(name string) bool {
	return os.Remove(filepath.Join(d.path, name)) == nil
}

// osFile reopens its backing file per operation, so handles are never held
// across calls and deletion of the underlying path stays possible.
type osFile struct {
	path string
	size int64
}

var _ WritableFile = (*osFile)(nil)

func (f *osFile) ReadAt(p []byte, off int64) (int, error) {
	h, err := os.Open(f.path)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	n, err := h.ReadAt(p, off)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (f *osFile) WriteAt(p []byte, off int64) (int, error) {
	h, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	return h.WriteAt(p, off)
}

func (f *osFile) Resize(size int64) error {
	return os.Truncate(f.path, size)
}

func (f *osFile) Size() int64 {
	info, err := os.Stat(f.path)
	if err != nil {
		return f.size
	}
	return info.Size()
}

func (f *osFile) Name() string { return filepath.Base(f.path) }
