// Package fs parses the content-archive container formats: NCA headers and
// their encrypted sections, and PFS0 packages.
package fs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/vfs"
)

const (
	// HeaderSize covers the signed fixed header plus the four section
	// filesystem headers, all XTS-encrypted in 0x200-byte sectors.
	HeaderSize       = 0xC00
	headerSectorSize = 0x200

	// MediaSize converts section-table media units to byte offsets.
	MediaSize = 0x200

	MagicNCA3 = "NCA3"
)

var (
	ErrBadMagic   = errors.New("fs: bad NCA magic")
	ErrMissingKey = errors.New("fs: missing decryption key")
	ErrTruncated  = errors.New("fs: truncated archive")
)

// ContentType is the archive-level content classification.
type ContentType uint8

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

func (t ContentType) String() string {
	switch t {
	case ContentProgram:
		return "Program"
	case ContentMeta:
		return "Meta"
	case ContentControl:
		return "Control"
	case ContentManual:
		return "Manual"
	case ContentData:
		return "Data"
	case ContentPublicData:
		return "PublicData"
	}
	return fmt.Sprintf("ContentType(%#x)", uint8(t))
}

// Section crypto schemes from the filesystem headers.
const (
	SectionCryptoNone = 1
	SectionCryptoXTS  = 2
	SectionCryptoCTR  = 3
	SectionCryptoBKTR = 4
)

// SectionTableEntry locates one section in media units.
type SectionTableEntry struct {
	MediaStartOffset uint32
	MediaEndOffset   uint32
	Unknown1         uint32
	Unknown2         uint32
}

// StartOffset returns the section start in bytes.
func (e *SectionTableEntry) StartOffset() int64 {
	return int64(e.MediaStartOffset) * MediaSize
}

// EndOffset returns the section end in bytes.
func (e *SectionTableEntry) EndOffset() int64 {
	return int64(e.MediaEndOffset) * MediaSize
}

// FSHeader describes one section's filesystem and crypto scheme. Only the
// fields the reader consumes are broken out; PFS0Offset and PFS0Size are
// valid when HashType is the hierarchical SHA-256 scheme.
type FSHeader struct {
	Version    uint16
	FSType     uint8
	HashType   uint8
	CryptoType uint8
	PFS0Offset uint64
	PFS0Size   uint64
	Counter    [8]byte
}

const hashTypeHierarchicalSHA256 = 2

// Header is the decrypted 0x400-byte fixed header plus the four section
// filesystem headers that follow it.
type Header struct {
	FixedKeySignature [0x100]byte
	NPDMSignature     [0x100]byte
	Magic             [4]byte
	IsSystem          uint8
	ContentType       ContentType
	CryptoType        uint8
	KeyIndex          uint8
	Size              uint64
	TitleID           uint64
	ContentIndex      uint32
	SDKVersion        uint32
	CryptoType2       uint8
	RightsID          [0x10]byte
	SectionTables     [4]SectionTableEntry
	HashTables        [4][0x20]byte
	KeyArea           [0x40]byte
	FSHeaders         [4]FSHeader
}

// KeyRevision returns the effective crypto revision: the larger of the two
// generation fields, less one, floored at zero.
func (h *Header) KeyRevision() int {
	rev := int(h.CryptoType)
	if int(h.CryptoType2) > rev {
		rev = int(h.CryptoType2)
	}
	if rev > 0 {
		rev--
	}
	return rev
}

// HasRightsID reports whether section keys come from a ticket rather than
// the key area.
func (h *Header) HasRightsID() bool {
	return h.RightsID != ([0x10]byte{})
}

// parseHeader decrypts and parses the leading HeaderSize bytes of file.
func parseHeader(file vfs.File, store *keys.Store) (*Header, error) {
	if !store.Has256(keys.KindHeader) {
		return nil, fmt.Errorf("%w: header key", ErrMissingKey)
	}
	headerKey := store.Get256(keys.KindHeader)

	encrypted, err := vfs.ReadBytes(file, 0, HeaderSize)
	if err != nil || len(encrypted) != HeaderSize {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, file.Name())
	}

	c, err := crypto.NewAESCipher(headerKey[:], crypto.ModeXTS)
	if err != nil {
		return nil, err
	}
	decrypted := make([]byte, HeaderSize)
	if err := c.XTSTranscode(decrypted, encrypted, 0, headerSectorSize, crypto.OpDecrypt); err != nil {
		return nil, err
	}

	header := &Header{}
	copy(header.FixedKeySignature[:], decrypted[:0x100])
	copy(header.NPDMSignature[:], decrypted[0x100:0x200])

	copy(header.Magic[:], decrypted[0x200:0x204])
	if string(header.Magic[:]) != MagicNCA3 {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, header.Magic)
	}

	header.IsSystem = decrypted[0x204]
	header.ContentType = ContentType(decrypted[0x205])
	header.CryptoType = decrypted[0x206]
	header.KeyIndex = decrypted[0x207]
	header.Size = binary.LittleEndian.Uint64(decrypted[0x208:])
	header.TitleID = binary.LittleEndian.Uint64(decrypted[0x210:])
	header.ContentIndex = binary.LittleEndian.Uint32(decrypted[0x218:])
	header.SDKVersion = binary.LittleEndian.Uint32(decrypted[0x21C:])
	header.CryptoType2 = decrypted[0x220]
	copy(header.RightsID[:], decrypted[0x230:0x240])

	if err := binary.Read(bytes.NewReader(decrypted[0x240:0x280]), binary.LittleEndian, &header.SectionTables); err != nil {
		return nil, err
	}
	for i := range header.HashTables {
		copy(header.HashTables[i][:], decrypted[0x280+i*0x20:0x2A0+i*0x20])
	}
	copy(header.KeyArea[:], decrypted[0x300:0x340])

	for i := range header.FSHeaders {
		raw := decrypted[0x400+i*0x200 : 0x600+i*0x200]
		h := &header.FSHeaders[i]
		h.Version = binary.LittleEndian.Uint16(raw[0x0:])
		h.FSType = raw[0x2]
		h.HashType = raw[0x3]
		h.CryptoType = raw[0x4]
		if h.HashType == hashTypeHierarchicalSHA256 {
			h.PFS0Offset = binary.LittleEndian.Uint64(raw[0x40:])
			h.PFS0Size = binary.LittleEndian.Uint64(raw[0x48:])
		}
		copy(h.Counter[:], raw[0x140:0x148])
	}
	return header, nil
}
