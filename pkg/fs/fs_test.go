package fs

import (
	"encoding/binary"
	"testing"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key128(b byte) keys.Key128 {
	var k keys.Key128
	for i := range k {
		k[i] = b
	}
	return k
}

func testStore(t *testing.T) *keys.Store {
	t.Helper()
	s := keys.NewStore("")

	var headerKey keys.Key256
	for i := range headerKey {
		headerKey[i] = byte(i + 1)
	}
	s.Set256(keys.KindHeader, headerKey)
	s.Set128(keys.KindKeyArea, key128(0x41), 0, uint64(keys.KeyAreaApplication))
	s.Set128(keys.KindTitlekek, key128(0x42), 0)
	return s
}

type ncaParams struct {
	contentType ContentType
	rightsID    [0x10]byte
	titleID     uint64
	sectionKey  keys.Key128
	plain       []byte
	pfs0Offset  uint64
	pfs0Size    uint64
}

// buildNCA encrypts a single-section archive the parser should accept:
// XTS header under the store's header key, CTR section under sectionKey
// wrapped into the key area (or left to the ticket path when rightsID is
// set).
func buildNCA(t *testing.T, s *keys.Store, p ncaParams) []byte {
	t.Helper()

	sectionStart := HeaderSize
	sectionSize := (len(p.plain) + MediaSize - 1) / MediaSize * MediaSize

	header := make([]byte, HeaderSize)
	copy(header[0x200:], MagicNCA3)
	header[0x205] = byte(p.contentType)
	header[0x206] = 1 // key generation, revision 0
	header[0x207] = byte(keys.KeyAreaApplication)
	binary.LittleEndian.PutUint64(header[0x208:], uint64(sectionStart+sectionSize))
	binary.LittleEndian.PutUint64(header[0x210:], p.titleID)
	copy(header[0x230:], p.rightsID[:])

	// Section table entry 0.
	binary.LittleEndian.PutUint32(header[0x240:], uint32(sectionStart/MediaSize))
	binary.LittleEndian.PutUint32(header[0x244:], uint32((sectionStart+sectionSize)/MediaSize))

	if p.rightsID == ([0x10]byte{}) {
		kak := s.Get128(keys.KindKeyArea, 0, uint64(keys.KeyAreaApplication))
		wrapped, err := crypto.ECBEncrypt(p.sectionKey[:], kak[:])
		require.NoError(t, err)
		copy(header[0x320:], wrapped)
	}

	// FS header 0: CTR crypto, hierarchical SHA-256 hash layout.
	fsBase := 0x400
	header[fsBase+0x2] = 3 // partition fs
	header[fsBase+0x3] = hashTypeHierarchicalSHA256
	header[fsBase+0x4] = SectionCryptoCTR
	binary.LittleEndian.PutUint64(header[fsBase+0x40:], p.pfs0Offset)
	binary.LittleEndian.PutUint64(header[fsBase+0x48:], p.pfs0Size)
	counter := [8]byte{8, 7, 6, 5, 4, 3, 2, 1}
	copy(header[fsBase+0x140:], counter[:])

	// Encrypt the section.
	section := make([]byte, sectionSize)
	copy(section, p.plain)
	c, err := crypto.NewAESCipher(p.sectionKey[:], crypto.ModeCTR)
	require.NoError(t, err)
	var iv [16]byte
	copy(iv[:8], sectionIVSeed(counter))
	binary.BigEndian.PutUint64(iv[8:], uint64(sectionStart)>>4)
	c.SetIV(iv[:])
	c.Transcode(section, section, crypto.OpEncrypt)

	// Encrypt the header.
	headerKey := s.Get256(keys.KindHeader)
	hc, err := crypto.NewAESCipher(headerKey[:], crypto.ModeXTS)
	require.NoError(t, err)
	encHeader := make([]byte, HeaderSize)
	require.NoError(t, hc.XTSTranscode(encHeader, header, 0, headerSectorSize, crypto.OpEncrypt))

	return append(encHeader, section...)
}

func buildPFS0(t *testing.T, names []string, datas [][]byte) []byte {
	t.Helper()
	require.Equal(t, len(names), len(datas))

	var stringTable []byte
	nameOffsets := make([]uint32, len(names))
	for i, name := range names {
		nameOffsets[i] = uint32(len(stringTable))
		stringTable = append(stringTable, name...)
		stringTable = append(stringTable, 0)
	}

	out := make([]byte, pfs0HeaderSize)
	copy(out, "PFS0")
	binary.LittleEndian.PutUint32(out[4:], uint32(len(names)))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(stringTable)))

	var dataOffset uint64
	for i, data := range datas {
		entry := make([]byte, pfs0EntrySize)
		binary.LittleEndian.PutUint64(entry, dataOffset)
		binary.LittleEndian.PutUint64(entry[8:], uint64(len(data)))
		binary.LittleEndian.PutUint32(entry[0x10:], nameOffsets[i])
		out = append(out, entry...)
		dataOffset += uint64(len(data))
	}
	out = append(out, stringTable...)
	for _, data := range datas {
		out = append(out, data...)
	}
	return out
}

func TestOpenPFS0(t *testing.T) {
	blob := buildPFS0(t,
		[]string{"first.bin", "second.cnmt"},
		[][]byte{[]byte("hello"), []byte("content metadata")})

	p, err := OpenPFS0(vfs.NewVectorFile("pack.nsp", blob))
	require.NoError(t, err)
	require.Len(t, p.Files(), 2)

	f := p.GetFile("second.cnmt")
	require.NotNil(t, f)
	got, err := vfs.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("content metadata"), got)

	assert.Nil(t, p.GetFile("missing"))

	_, err = OpenPFS0(vfs.NewVectorFile("junk", []byte("NOPE0000000000000")))
	assert.ErrorIs(t, err, ErrBadPFS0)
}

func TestOpenNCAKeyArea(t *testing.T) {
	s := testStore(t)
	plain := []byte("section plaintext payload")
	blob := buildNCA(t, s, ncaParams{
		contentType: ContentProgram,
		titleID:     0x0100000000002000,
		sectionKey:  key128(0x77),
		plain:       plain,
	})

	n, err := Open(vfs.NewVectorFile("test.nca", blob), s)
	require.NoError(t, err)

	assert.Equal(t, ContentProgram, n.Header.ContentType)
	assert.Equal(t, uint64(0x0100000000002000), n.Header.TitleID)
	assert.Equal(t, 0, n.Header.KeyRevision())
	require.True(t, n.HasSectionKey())

	section, err := n.Section(0)
	require.NoError(t, err)
	got, err := vfs.ReadBytes(section, 0, len(plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenNCARightsID(t *testing.T) {
	s := testStore(t)

	var rightsID [0x10]byte
	rightsID[0] = 0x99
	sectionKey := key128(0x5C)

	// The store carries the wrapped title key; resolution decrypts it under
	// the revision's titlekek.
	titlekek := s.Get128(keys.KindTitlekek, 0)
	wrapped, err := crypto.ECBEncrypt(sectionKey[:], titlekek[:])
	require.NoError(t, err)
	var titleKey keys.Key128
	copy(titleKey[:], wrapped)
	s.SetTitleKey(rightsID, titleKey)

	plain := []byte("rights id section")
	blob := buildNCA(t, s, ncaParams{
		contentType: ContentData,
		rightsID:    rightsID,
		sectionKey:  sectionKey,
		plain:       plain,
	})

	n, err := Open(vfs.NewVectorFile("rights.nca", blob), s)
	require.NoError(t, err)
	require.True(t, n.HasSectionKey())

	section, err := n.Section(0)
	require.NoError(t, err)
	got, err := vfs.ReadBytes(section, 0, len(plain))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenNCAMissingSectionKey(t *testing.T) {
	s := testStore(t)
	blob := buildNCA(t, s, ncaParams{sectionKey: key128(0x77), plain: []byte("x")})

	// A store that only knows the header key parses the header but cannot
	// open sections.
	bare := keys.NewStore("")
	bare.Set256(keys.KindHeader, s.Get256(keys.KindHeader))

	n, err := Open(vfs.NewVectorFile("locked.nca", blob), bare)
	require.NoError(t, err)
	assert.False(t, n.HasSectionKey())

	_, err = n.Section(0)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestOpenNCABadMagic(t *testing.T) {
	s := testStore(t)
	blob := make([]byte, HeaderSize)

	_, err := Open(vfs.NewVectorFile("garbage.nca", blob), s)
	assert.ErrorIs(t, err, ErrBadMagic)

	noKeys := keys.NewStore("")
	_, err = Open(vfs.NewVectorFile("garbage.nca", blob), noKeys)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestMetaFilesystem(t *testing.T) {
	s := testStore(t)

	inner := buildPFS0(t, []string{"title.cnmt"}, [][]byte{[]byte("cnmt payload")})

	// Bury the PFS0 behind a hash-layer prefix to exercise the superblock
	// offsets.
	const skip = 0x80
	sectionPlain := append(make([]byte, skip), inner...)

	blob := buildNCA(t, s, ncaParams{
		contentType: ContentMeta,
		sectionKey:  key128(0x2F),
		plain:       sectionPlain,
		pfs0Offset:  skip,
		pfs0Size:    uint64(len(inner)),
	})

	n, err := Open(vfs.NewVectorFile("meta.cnmt.nca", blob), s)
	require.NoError(t, err)

	p, err := n.MetaFilesystem()
	require.NoError(t, err)
	require.Len(t, p.Files(), 1)
	assert.Equal(t, "title.cnmt", p.Files()[0].Name())

	got, err := vfs.ReadAll(p.Files()[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("cnmt payload"), got)

	// Non-meta archives refuse.
	prog, err := Open(vfs.NewVectorFile("prog.nca", buildNCA(t, s, ncaParams{
		contentType: ContentProgram,
		sectionKey:  key128(0x2F),
		plain:       []byte("x"),
	})), s)
	require.NoError(t, err)
	_, err = prog.MetaFilesystem()
	assert.Error(t, err)
}
