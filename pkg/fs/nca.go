package fs

import (
	"fmt"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/vfs"
)

// NCA is an opened content archive: the decrypted header plus lazily built
// decrypted section views.
type NCA struct {
	file   vfs.File
	store  *keys.Store
	Header *Header

	sectionKey    keys.Key128
	hasSectionKey bool
}

// Open decrypts the archive header and resolves the section key. A missing
// section key is not fatal here; Section reports it when a view actually
// needs one.
func Open(file vfs.File, store *keys.Store) (*NCA, error) {
	header, err := parseHeader(file, store)
	if err != nil {
		return nil, err
	}

	n := &NCA{file: file, store: store, Header: header}
	n.resolveSectionKey()
	return n, nil
}

// Name returns the underlying file name.
func (n *NCA) Name() string { return n.file.Name() }

// resolveSectionKey unwraps the section key either from the key area (key
// store key-area key for this archive's revision and index) or, for
// rights-id archives, from the ticket-provided title key under the
// revision's titlekek.
func (n *NCA) resolveSectionKey() {
	rev := uint64(n.Header.KeyRevision())

	if !n.Header.HasRightsID() {
		kak := n.store.Get128(keys.KindKeyArea, rev, uint64(n.Header.KeyIndex))
		if kak.IsZero() {
			return
		}
		out, err := crypto.ECBDecrypt(n.Header.KeyArea[0x20:0x30], kak[:])
		if err != nil {
			return
		}
		copy(n.sectionKey[:], out)
		n.hasSectionKey = true
		return
	}

	titleKey := n.store.GetTitleKey(n.Header.RightsID)
	titlekek := n.store.Get128(keys.KindTitlekek, rev)
	if titleKey.IsZero() || titlekek.IsZero() {
		return
	}
	out, err := crypto.ECBDecrypt(titleKey[:], titlekek[:])
	if err != nil {
		return
	}
	copy(n.sectionKey[:], out)
	n.hasSectionKey = true
}

// HasSectionKey reports whether encrypted sections can be opened.
func (n *NCA) HasSectionKey() bool { return n.hasSectionKey }

// Section returns a decrypted view of section i, or ErrMissingKey when the
// section is encrypted and no key could be resolved.
func (n *NCA) Section(i int) (vfs.File, error) {
	if i < 0 || i >= len(n.Header.SectionTables) {
		return nil, fmt.Errorf("fs: section %d out of range", i)
	}
	entry := &n.Header.SectionTables[i]
	if entry.MediaStartOffset == 0 && entry.MediaEndOffset == 0 {
		return nil, fmt.Errorf("fs: section %d is empty", i)
	}

	start := entry.StartOffset()
	size := entry.EndOffset() - start
	name := fmt.Sprintf("%s/section%d", n.file.Name(), i)
	raw := vfs.NewOffsetFile(n.file, start, size, name)

	fsHeader := &n.Header.FSHeaders[i]
	switch fsHeader.CryptoType {
	case SectionCryptoNone:
		return raw, nil
	case SectionCryptoCTR, SectionCryptoBKTR:
		if !n.hasSectionKey {
			return nil, fmt.Errorf("%w: section key for %s", ErrMissingKey, n.file.Name())
		}
		return vfs.NewCTRFile(raw, n.sectionKey[:], sectionIVSeed(fsHeader.Counter), start)
	default:
		return nil, fmt.Errorf("fs: unsupported section crypto %d", fsHeader.CryptoType)
	}
}

// sectionIVSeed byte-reverses the header counter into the 8-byte IV seed.
func sectionIVSeed(counter [8]byte) []byte {
	seed := make([]byte, 8)
	for i := range seed {
		seed[i] = counter[7-i]
	}
	return seed
}

// MetaFilesystem opens the PFS0 carried by a Meta archive's first
// non-empty section.
func (n *NCA) MetaFilesystem() (*PFS0, error) {
	if n.Header.ContentType != ContentMeta {
		return nil, fmt.Errorf("fs: %s is not a meta archive", n.file.Name())
	}

	for i, entry := range n.Header.SectionTables {
		if entry.MediaStartOffset == 0 && entry.MediaEndOffset == 0 {
			continue
		}
		section, err := n.Section(i)
		if err != nil {
			return nil, err
		}

		fsHeader := &n.Header.FSHeaders[i]
		if fsHeader.PFS0Size != 0 {
			section = vfs.NewOffsetFile(section, int64(fsHeader.PFS0Offset), int64(fsHeader.PFS0Size), section.Name())
		}
		return OpenPFS0(section)
	}
	return nil, fmt.Errorf("fs: meta archive %s has no sections", n.file.Name())
}
