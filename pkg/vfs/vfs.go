// Package vfs provides named random-access byte sources and directory trees,
// plus read-only decryption views layered on top of them.
package vfs

import (
	"io"
	"strings"
)

// File is a named random-access byte source. ReadAt follows the io.ReaderAt
// contract: a read truncated by the end of the file returns the available
// bytes together with io.EOF.
type File interface {
	io.ReaderAt
	Size() int64
	Name() string
}

// WritableFile is a File that also accepts writes and resizing.
type WritableFile interface {
	File
	io.WriterAt
	Resize(size int64) error
}

// Dir is a named collection of files and subdirectories.
type Dir interface {
	Name() string
	Files() []File
	Dirs() []Dir

	// GetFile and GetDir return nil when the entry is absent.
	GetFile(name string) File
	GetDir(name string) Dir

	CreateFile(name string) (WritableFile, error)
	CreateDir(name string) (Dir, error)
	DeleteFile(name string) bool
}

// GetFileRelaxed looks up a well-known filename, retrying with lowercase and
// uppercase forms, each with and without a ".bin" suffix.
func GetFileRelaxed(d Dir, name string) File {
	if d == nil {
		return nil
	}
	for _, candidate := range []string{name, strings.ToLower(name), strings.ToUpper(name)} {
		if f := d.GetFile(candidate); f != nil {
			return f
		}
		if f := d.GetFile(candidate + ".bin"); f != nil {
			return f
		}
	}
	return nil
}

// ReadAll reads the entire contents of f.
func ReadAll(f File) ([]byte, error) {
	buf := make([]byte, f.Size())
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// ReadBytes reads length bytes at offset, short only at EOF.
func ReadBytes(f File, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
