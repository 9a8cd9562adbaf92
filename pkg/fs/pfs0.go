package fs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falk/nxcontent/pkg/vfs"
)

const (
	pfs0MagicSize  = 4
	pfs0HeaderSize = 0x10
	pfs0EntrySize  = 0x18
)

// ErrBadPFS0 indicates the container header is not a PFS0.
var ErrBadPFS0 = errors.New("fs: bad PFS0 magic")

// PFS0 is a parsed partition filesystem: a flat list of named files backed
// by windows into the container.
type PFS0 struct {
	name  string
	files []vfs.File
}

// OpenPFS0 parses the container header of file and exposes its entries as
// offset views.
func OpenPFS0(file vfs.File) (*PFS0, error) {
	header, err := vfs.ReadBytes(file, 0, pfs0HeaderSize)
	if err != nil || len(header) != pfs0HeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrBadPFS0)
	}
	if string(header[:pfs0MagicSize]) != "PFS0" {
		return nil, fmt.Errorf("%w: %q", ErrBadPFS0, header[:pfs0MagicSize])
	}

	numFiles := int(binary.LittleEndian.Uint32(header[4:]))
	stringTableSize := int(binary.LittleEndian.Uint32(header[8:]))

	entries, err := vfs.ReadBytes(file, pfs0HeaderSize, numFiles*pfs0EntrySize)
	if err != nil || len(entries) != numFiles*pfs0EntrySize {
		return nil, fmt.Errorf("%w: truncated entry table", ErrBadPFS0)
	}
	stringTable, err := vfs.ReadBytes(file, int64(pfs0HeaderSize+numFiles*pfs0EntrySize), stringTableSize)
	if err != nil || len(stringTable) != stringTableSize {
		return nil, fmt.Errorf("%w: truncated string table", ErrBadPFS0)
	}

	dataStart := int64(pfs0HeaderSize + numFiles*pfs0EntrySize + stringTableSize)

	p := &PFS0{name: file.Name()}
	for i := 0; i < numFiles; i++ {
		raw := entries[i*pfs0EntrySize:]
		dataOffset := int64(binary.LittleEndian.Uint64(raw))
		dataSize := int64(binary.LittleEndian.Uint64(raw[8:]))
		nameOffset := binary.LittleEndian.Uint32(raw[0x10:])

		name, err := tableString(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}
		p.files = append(p.files, vfs.NewOffsetFile(file, dataStart+dataOffset, dataSize, name))
	}
	return p, nil
}

// Name returns the container's name.
func (p *PFS0) Name() string { return p.name }

// Files lists the contained files in table order.
func (p *PFS0) Files() []vfs.File { return p.files }

// GetFile returns the named file, or nil.
func (p *PFS0) GetFile(name string) vfs.File {
	for _, f := range p.files {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

func tableString(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("%w: name offset %#x out of bounds", ErrBadPFS0, offset)
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}
