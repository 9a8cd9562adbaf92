// Package cnmt reads and writes content-metadata records, the index
// structures that bind a title to the content archives composing it.
package cnmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated indicates the buffer ends before the fixed header does.
var ErrTruncated = errors.New("cnmt: truncated header")

// TitleType classifies what a metadata record describes.
type TitleType uint8

const (
	TitleTypeSystemProgram     TitleType = 0x01
	TitleTypeSystemDataArchive TitleType = 0x02
	TitleTypeSystemUpdate      TitleType = 0x03
	TitleTypeFirmwarePackageA  TitleType = 0x04
	TitleTypeFirmwarePackageB  TitleType = 0x05
	TitleTypeApplication       TitleType = 0x80
	TitleTypeUpdate            TitleType = 0x81
	TitleTypeAOC               TitleType = 0x82
	TitleTypeDeltaTitle        TitleType = 0x83
)

func (t TitleType) String() string {
	switch t {
	case TitleTypeSystemProgram:
		return "SystemProgram"
	case TitleTypeSystemDataArchive:
		return "SystemDataArchive"
	case TitleTypeSystemUpdate:
		return "SystemUpdate"
	case TitleTypeFirmwarePackageA:
		return "FirmwarePackageA"
	case TitleTypeFirmwarePackageB:
		return "FirmwarePackageB"
	case TitleTypeApplication:
		return "Application"
	case TitleTypeUpdate:
		return "Update"
	case TitleTypeAOC:
		return "AddOnContent"
	case TitleTypeDeltaTitle:
		return "DeltaTitle"
	}
	return fmt.Sprintf("TitleType(%#x)", uint8(t))
}

// ContentType classifies a single content archive within a title.
type ContentType uint8

const (
	ContentMeta ContentType = iota
	ContentProgram
	ContentData
	ContentControl
	ContentHtmlDocument
	ContentLegalInformation
	ContentDeltaFragment
)

func (t ContentType) String() string {
	switch t {
	case ContentMeta:
		return "Meta"
	case ContentProgram:
		return "Program"
	case ContentData:
		return "Data"
	case ContentControl:
		return "Control"
	case ContentHtmlDocument:
		return "HtmlDocument"
	case ContentLegalInformation:
		return "LegalInformation"
	case ContentDeltaFragment:
		return "DeltaFragment"
	}
	return fmt.Sprintf("ContentType(%#x)", uint8(t))
}

// HeaderSize is the fixed leading header; record tables start at
// HeaderSize + TableOffset.
const HeaderSize = 0x20

// OptionalHeaderSize is the extension present for application-family types.
const OptionalHeaderSize = 0x10

// ContentRecordSize and MetaRecordSize are the on-disk table strides.
const (
	ContentRecordSize = 0x38
	MetaRecordSize    = 0x10
)

// Header is the fixed 0x20-byte metadata header.
type Header struct {
	TitleID                       uint64
	TitleVersion                  uint32
	Type                          TitleType
	Reserved1                     uint8
	TableOffset                   uint16
	ContentCount                  uint16
	MetaCount                     uint16
	Attributes                    uint8
	Reserved2                     [2]byte
	IsCommitted                   uint8
	RequiredDownloadSystemVersion uint32
	Reserved3                     [4]byte
}

// HasOptionalHeader reports whether the type carries the 0x10-byte
// extension between the header and the record tables.
func (h *Header) HasOptionalHeader() bool {
	return h.Type >= TitleTypeApplication && h.Type <= TitleTypeAOC
}

// OptionalHeader extends application, update, and add-on-content metadata.
type OptionalHeader struct {
	TitleID        uint64
	MinimumVersion uint64
}

// ContentRecord names one content archive belonging to a title.
type ContentRecord struct {
	Hash [0x20]byte
	ID   [0x10]byte
	Size [6]byte
	Type ContentType
	Pad  uint8
}

// MetaRecord references another title's metadata.
type MetaRecord struct {
	TitleID      uint64
	TitleVersion uint32
	Type         TitleType
	InstallByte  uint8
	Pad          [2]byte
}

// CNMT is a parsed content-metadata structure. The raw gap between the
// fixed header and the record tables is retained so serialization
// reproduces the input byte for byte.
type CNMT struct {
	Header         Header
	Optional       OptionalHeader
	ContentRecords []ContentRecord
	MetaRecords    []MetaRecord

	gap []byte
}

// TitleID returns the owning title.
func (c *CNMT) TitleID() uint64 { return c.Header.TitleID }

// TitleVersion returns the title version.
func (c *CNMT) TitleVersion() uint32 { return c.Header.TitleVersion }

// Type returns the title type.
func (c *CNMT) Type() TitleType { return c.Header.Type }

// RecordByType returns the first content record of the given type.
func (c *CNMT) RecordByType(t ContentType) (ContentRecord, bool) {
	for _, rec := range c.ContentRecords {
		if rec.Type == t {
			return rec, true
		}
	}
	return ContentRecord{}, false
}

// Parse reads a metadata structure from data. Record tables that run past
// the end of the buffer are truncated rather than rejected.
func Parse(data []byte) (*CNMT, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}

	c := &CNMT{}
	reader := bytes.NewReader(data[:HeaderSize])
	if err := binary.Read(reader, binary.LittleEndian, &c.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	gapEnd := HeaderSize + int(c.Header.TableOffset)
	if gapEnd > len(data) {
		gapEnd = len(data)
	}
	c.gap = append([]byte(nil), data[HeaderSize:gapEnd]...)

	if c.Header.HasOptionalHeader() && len(c.gap) >= OptionalHeaderSize {
		binary.Read(bytes.NewReader(c.gap[:OptionalHeaderSize]), binary.LittleEndian, &c.Optional)
	}

	offset := HeaderSize + int(c.Header.TableOffset)
	for i := 0; i < int(c.Header.ContentCount); i++ {
		if offset+ContentRecordSize > len(data) {
			break
		}
		var rec ContentRecord
		binary.Read(bytes.NewReader(data[offset:offset+ContentRecordSize]), binary.LittleEndian, &rec)
		c.ContentRecords = append(c.ContentRecords, rec)
		offset += ContentRecordSize
	}
	for i := 0; i < int(c.Header.MetaCount); i++ {
		if offset+MetaRecordSize > len(data) {
			break
		}
		var rec MetaRecord
		binary.Read(bytes.NewReader(data[offset:offset+MetaRecordSize]), binary.LittleEndian, &rec)
		c.MetaRecords = append(c.MetaRecords, rec)
		offset += MetaRecordSize
	}
	return c, nil
}

// Serialize lays the structure back out with the tables at
// HeaderSize + TableOffset and the original gap bytes in between.
func (c *CNMT) Serialize() []byte {
	size := HeaderSize + int(c.Header.TableOffset) +
		len(c.ContentRecords)*ContentRecordSize + len(c.MetaRecords)*MetaRecordSize
	out := bytes.NewBuffer(make([]byte, 0, size))

	binary.Write(out, binary.LittleEndian, &c.Header)

	gap := make([]byte, int(c.Header.TableOffset))
	copy(gap, c.gap)
	if c.Header.HasOptionalHeader() && len(gap) >= OptionalHeaderSize {
		var opt bytes.Buffer
		binary.Write(&opt, binary.LittleEndian, &c.Optional)
		copy(gap, opt.Bytes())
	}
	out.Write(gap)

	for _, rec := range c.ContentRecords {
		binary.Write(out, binary.LittleEndian, &rec)
	}
	for _, rec := range c.MetaRecords {
		binary.Write(out, binary.LittleEndian, &rec)
	}
	return out.Bytes()
}

// UnionRecords appends every record of other that is not already present,
// keyed by (nca id, type) for content records and (title id, version, type)
// for meta records, updating the header counters. It reports whether
// anything was added.
func (c *CNMT) UnionRecords(other *CNMT) bool {
	changed := false

	type contentKey struct {
		id [0x10]byte
		t  ContentType
	}
	seen := make(map[contentKey]bool, len(c.ContentRecords))
	for _, rec := range c.ContentRecords {
		seen[contentKey{rec.ID, rec.Type}] = true
	}
	for _, rec := range other.ContentRecords {
		key := contentKey{rec.ID, rec.Type}
		if seen[key] {
			continue
		}
		seen[key] = true
		c.ContentRecords = append(c.ContentRecords, rec)
		c.Header.ContentCount++
		changed = true
	}

	type metaKey struct {
		id      uint64
		version uint32
		t       TitleType
	}
	seenMeta := make(map[metaKey]bool, len(c.MetaRecords))
	for _, rec := range c.MetaRecords {
		seenMeta[metaKey{rec.TitleID, rec.TitleVersion, rec.Type}] = true
	}
	for _, rec := range other.MetaRecords {
		key := metaKey{rec.TitleID, rec.TitleVersion, rec.Type}
		if seenMeta[key] {
			continue
		}
		seenMeta[key] = true
		c.MetaRecords = append(c.MetaRecords, rec)
		c.Header.MetaCount++
		changed = true
	}
	return changed
}
