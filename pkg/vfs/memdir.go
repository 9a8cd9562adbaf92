package vfs

import (
	"fmt"
	"sort"
)

// MemDir is an in-memory directory tree, used for tests and for staging
// synthetic content before it is written out.
type MemDir struct {
	name  string
	files map[string]*VectorFile
	dirs  map[string]*MemDir
}

var _ Dir = (*MemDir)(nil)

func NewMemDir(name string) *MemDir {
	return &MemDir{
		name:  name,
		files: make(map[string]*VectorFile),
		dirs:  make(map[string]*MemDir),
	}
}

func (d *MemDir) Name() string { return d.name }

func (d *MemDir) Files() []File {
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]File, 0, len(names))
	for _, name := range names {
		out = append(out, d.files[name])
	}
	return out
}

func (d *MemDir) Dirs() []Dir {
	names := make([]string, 0, len(d.dirs))
	for name := range d.dirs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Dir, 0, len(names))
	for _, name := range names {
		out = append(out, d.dirs[name])
	}
	return out
}

func (d *MemDir) GetFile(name string) File {
	if f, ok := d.files[name]; ok {
		return f
	}
	return nil
}

func (d *MemDir) GetDir(name string) Dir {
	if sub, ok := d.dirs[name]; ok {
		return sub
	}
	return nil
}

func (d *MemDir) CreateFile(name string) (WritableFile, error) {
	if _, ok := d.dirs[name]; ok {
		return nil, fmt.Errorf("%q already exists as a directory", name)
	}
	f := NewVectorFile(name, nil)
	d.files[name] = f
	return f, nil
}

func (d *MemDir) CreateDir(name string) (Dir, error) {
	if _, ok := d.files[name]; ok {
		return nil, fmt.Errorf("%q already exists as a file", name)
	}
	if sub, ok := d.dirs[name]; ok {
		return sub, nil
	}
	sub := NewMemDir(name)
	d.dirs[name] = sub
	return sub, nil
}

func (d *MemDir) DeleteFile(name string) bool {
	if _, ok := d.files[name]; !ok {
		return false
	}
	delete(d.files, name)
	return true
}

// AddFile inserts an existing in-memory file, replacing any previous entry.
func (d *MemDir) AddFile(f *VectorFile) {
	d.files[f.Name()] = f
}
