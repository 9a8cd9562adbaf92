// Package content indexes directory trees of content archives, resolving
// (title id, content kind) to archives via their metadata, and implements
// install, overwrite, and removal of titles.
package content

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/falk/nxcontent/pkg/cnmt"
	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/fs"
	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/ncz"
	"github.com/falk/nxcontent/pkg/vfs"
)

// NcaID names a content archive.
type NcaID = [16]byte

// InstallResult is the outcome of an install operation.
type InstallResult int

const (
	InstallSuccess InstallResult = iota
	InstallOverwriteExisting
	InstallErrorAlreadyExists
	InstallErrorCopyFailed
	InstallErrorMetaFailed
	InstallErrorBaseInstall
)

func (r InstallResult) String() string {
	switch r {
	case InstallSuccess:
		return "success"
	case InstallOverwriteExisting:
		return "overwrote existing"
	case InstallErrorAlreadyExists:
		return "already exists"
	case InstallErrorCopyFailed:
		return "copy failed"
	case InstallErrorMetaFailed:
		return "meta archive failed"
	case InstallErrorBaseInstall:
		return "base title install rejected"
	}
	return fmt.Sprintf("install result %d", int(r))
}

// OK reports whether the install left a usable entry behind.
func (r InstallResult) OK() bool {
	return r == InstallSuccess || r == InstallOverwriteExisting
}

// ParserFunc decorates an archive before it is opened, typically applying
// per-entry decryption. The identity parser returns file unchanged.
type ParserFunc func(file vfs.File, id NcaID) vfs.File

// CopyFunc moves src into dst in blocks, reporting success.
type CopyFunc func(src vfs.File, dst vfs.WritableFile, blockSize int64) bool

// installBlockSize is the copy granularity during installs.
const installBlockSize = 0x400000

// idHashSpan bounds how much of an archive feeds the id hash. Archives
// shorter than this hash their full contents, unpadded.
const idHashSpan = 0x100000

const yuzuMetaDirName = "yuzu_meta"

// baseTitleMask strips the update/AOC bits from a title id.
const baseTitleMask = 0xFFFFFFFFFFFFF000

// RegisteredCache indexes one directory of installed archives. It is not
// reentrant: Refresh and the install operations mutate the index and must
// be serialized by the caller.
type RegisteredCache struct {
	dir    vfs.Dir
	store  *keys.Store
	parser ParserFunc

	meta     map[uint64]*cnmt.CNMT
	metaID   map[uint64]NcaID
	sideband map[uint64]*cnmt.CNMT
}

// NewRegisteredCache builds a cache over dir and scans it. A nil parser
// means archives are opened as they are stored.
func NewRegisteredCache(dir vfs.Dir, store *keys.Store, parser ParserFunc) *RegisteredCache {
	if parser == nil {
		parser = func(file vfs.File, id NcaID) vfs.File { return file }
	}
	c := &RegisteredCache{dir: dir, store: store, parser: parser}
	c.Refresh()
	return c
}

// pathVariant is one accepted (subdir, filename) location for an archive.
type pathVariant struct {
	subdir string
	name   string
}

// pathVariants lists the accepted locations in lookup order.
func pathVariants(id NcaID) []pathVariant {
	lower := hex.EncodeToString(id[:])
	upper := strings.ToUpper(lower)
	twoDigit := fmt.Sprintf("000000%02X", crypto.SHA256(id[:])[0])

	return []pathVariant{
		{twoDigit, upper + ".nca"},
		{"", upper + ".nca"},
		{twoDigit, lower + ".nca"},
		{"", lower + ".nca"},
		{"", lower + ".cnmt.nca"},
	}
}

// GetFileAtID returns the stored archive for id, trying every accepted
// path. An archive stored as a directory of numbered pieces is returned as
// their concatenation.
func (c *RegisteredCache) GetFileAtID(id NcaID) vfs.File {
	for _, v := range pathVariants(id) {
		dir := c.dir
		if v.subdir != "" {
			if dir = c.dir.GetDir(v.subdir); dir == nil {
				continue
			}
		}
		if f := dir.GetFile(v.name); f != nil {
			return f
		}
		if sub := dir.GetDir(v.name); sub != nil {
			return vfs.NewConcatFile(v.name, sub.Files()...)
		}
	}
	return nil
}

// deleteFileAtID removes the stored archive for id, whichever accepted
// path holds it.
func (c *RegisteredCache) deleteFileAtID(id NcaID) bool {
	for _, v := range pathVariants(id) {
		dir := c.dir
		if v.subdir != "" {
			if dir = c.dir.GetDir(v.subdir); dir == nil {
				continue
			}
		}
		if dir.DeleteFile(v.name) {
			return true
		}
	}
	return false
}

// followsNcaIDFormat accepts names of the form <32 hex>.nca or
// <32 hex>.cnmt.nca.
func followsNcaIDFormat(name string) (NcaID, bool) {
	base := strings.TrimSuffix(name, ".cnmt.nca")
	if base == name {
		base = strings.TrimSuffix(name, ".nca")
	}
	if len(base) != 32 || base == name {
		return NcaID{}, false
	}
	raw, err := hex.DecodeString(strings.ToLower(base))
	if err != nil {
		return NcaID{}, false
	}
	var id NcaID
	copy(id[:], raw)
	return id, true
}

// followsTwoDigitDirFormat accepts the 000000XX bucket directories.
func followsTwoDigitDirFormat(name string) bool {
	if len(name) != 8 || !strings.HasPrefix(name, "000000") {
		return false
	}
	_, err := hex.DecodeString(name[6:])
	return err == nil
}

// Refresh rescans the directory and rebuilds all three indices.
func (c *RegisteredCache) Refresh() {
	c.meta = make(map[uint64]*cnmt.CNMT)
	c.metaID = make(map[uint64]NcaID)
	c.sideband = make(map[uint64]*cnmt.CNMT)

	seen := make(map[NcaID]bool)
	var ids []NcaID
	collect := func(name string) {
		if id, ok := followsNcaIDFormat(name); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, f := range c.dir.Files() {
		collect(f.Name())
	}
	for _, sub := range c.dir.Dirs() {
		if followsTwoDigitDirFormat(sub.Name()) {
			for _, f := range sub.Files() {
				collect(f.Name())
			}
			for _, d := range sub.Dirs() {
				collect(d.Name())
			}
			continue
		}
		collect(sub.Name())
	}

	for _, id := range ids {
		c.indexMeta(id)
	}
	c.refreshSideband()
}

// indexMeta opens the archive for id and, when it is a meta archive,
// parses the contained metadata into the primary maps.
func (c *RegisteredCache) indexMeta(id NcaID) {
	file := c.GetFileAtID(id)
	if file == nil {
		return
	}

	n, err := fs.Open(c.parser(file, id), c.store)
	if err != nil || n.Header.ContentType != fs.ContentMeta {
		return
	}
	p, err := n.MetaFilesystem()
	if err != nil {
		return
	}
	for _, f := range p.Files() {
		if !strings.HasSuffix(f.Name(), ".cnmt") {
			continue
		}
		raw, err := vfs.ReadAll(f)
		if err != nil {
			continue
		}
		meta, err := cnmt.Parse(raw)
		if err != nil {
			continue
		}
		c.meta[meta.TitleID()] = meta
		c.metaID[meta.TitleID()] = id
		return
	}
}

// refreshSideband loads the synthetic metadata written for raw installs.
func (c *RegisteredCache) refreshSideband() {
	dir := c.dir.GetDir(yuzuMetaDirName)
	if dir == nil {
		return
	}
	for _, f := range dir.Files() {
		if !strings.HasSuffix(f.Name(), ".cnmt") {
			continue
		}
		raw, err := vfs.ReadAll(f)
		if err != nil {
			continue
		}
		meta, err := cnmt.Parse(raw)
		if err != nil {
			continue
		}
		c.sideband[meta.TitleID()] = meta
	}
}

// resolveID maps (title id, kind) to an archive id: the meta-id index wins
// for meta lookups, then the sideband metadata, then the primary metadata.
func (c *RegisteredCache) resolveID(titleID uint64, kind cnmt.ContentType) (NcaID, bool) {
	if kind == cnmt.ContentMeta {
		if id, ok := c.metaID[titleID]; ok {
			return id, true
		}
	}
	if meta, ok := c.sideband[titleID]; ok {
		if rec, ok := meta.RecordByType(kind); ok {
			return rec.ID, true
		}
	}
	if meta, ok := c.meta[titleID]; ok {
		if rec, ok := meta.RecordByType(kind); ok {
			return rec.ID, true
		}
	}
	return NcaID{}, false
}

// Has reports whether the cache holds an archive for the key.
func (c *RegisteredCache) Has(titleID uint64, kind cnmt.ContentType) bool {
	_, ok := c.resolveID(titleID, kind)
	return ok
}

// Version returns the title's version from whichever metadata map owns it.
func (c *RegisteredCache) Version(titleID uint64) (uint32, bool) {
	if meta, ok := c.meta[titleID]; ok {
		return meta.TitleVersion(), true
	}
	if meta, ok := c.sideband[titleID]; ok {
		return meta.TitleVersion(), true
	}
	return 0, false
}

// GetEntryUnparsed returns the stored archive without the parser applied.
func (c *RegisteredCache) GetEntryUnparsed(titleID uint64, kind cnmt.ContentType) vfs.File {
	if id, ok := c.resolveID(titleID, kind); ok {
		return c.GetFileAtID(id)
	}
	return nil
}

// GetEntryRaw returns the stored archive with the parser applied.
func (c *RegisteredCache) GetEntryRaw(titleID uint64, kind cnmt.ContentType) vfs.File {
	id, ok := c.resolveID(titleID, kind)
	if !ok {
		return nil
	}
	file := c.GetFileAtID(id)
	if file == nil {
		return nil
	}
	return c.parser(file, id)
}

// GetEntry opens the archive for the key.
func (c *RegisteredCache) GetEntry(titleID uint64, kind cnmt.ContentType) (*fs.NCA, error) {
	file := c.GetEntryRaw(titleID, kind)
	if file == nil {
		return nil, fmt.Errorf("content: no entry for %016x kind %d", titleID, kind)
	}
	return fs.Open(file, c.store)
}

// Entry is one (title, record) pair held by a provider.
type Entry struct {
	TitleID   uint64
	TitleType cnmt.TitleType
	Type      cnmt.ContentType
	ID        NcaID
}

// Filter restricts List output; nil fields match everything.
type Filter struct {
	TitleType  *cnmt.TitleType
	RecordType *cnmt.ContentType
	TitleID    *uint64
}

func (f Filter) matches(e Entry) bool {
	if f.TitleType != nil && e.TitleType != *f.TitleType {
		return false
	}
	if f.RecordType != nil && e.Type != *f.RecordType {
		return false
	}
	if f.TitleID != nil && e.TitleID != *f.TitleID {
		return false
	}
	return true
}

// List enumerates the indexed records matching filter.
func (c *RegisteredCache) List(filter Filter) []Entry {
	var out []Entry
	emit := func(meta *cnmt.CNMT) {
		for _, rec := range meta.ContentRecords {
			e := Entry{
				TitleID:   meta.TitleID(),
				TitleType: meta.Type(),
				Type:      rec.Type,
				ID:        rec.ID,
			}
			if filter.matches(e) {
				out = append(out, e)
			}
		}
	}
	for _, meta := range c.meta {
		emit(meta)
	}
	for titleID, meta := range c.sideband {
		if _, ok := c.meta[titleID]; !ok {
			emit(meta)
		}
	}
	return out
}

func defaultCopy(src vfs.File, dst vfs.WritableFile, blockSize int64) bool {
	buf := make([]byte, blockSize)
	size := src.Size()
	for off := int64(0); off < size; {
		want := blockSize
		if remaining := size - off; want > remaining {
			want = remaining
		}
		n, err := src.ReadAt(buf[:want], off)
		if n == 0 || (err != nil && err != io.EOF) {
			return false
		}
		if _, err := dst.WriteAt(buf[:n], off); err != nil {
			return false
		}
		off += int64(n)
	}
	return true
}

// computeIDHash hashes the leading idHashSpan bytes of the archive (or the
// whole archive when shorter).
func computeIDHash(file vfs.File) ([32]byte, error) {
	span := file.Size()
	if span > idHashSpan {
		span = idHashSpan
	}
	raw, err := vfs.ReadBytes(file, 0, int(span))
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.SHA256(raw), nil
}

// RawInstallNCA copies one archive into the cache under its id-derived
// path. With a nil overrideID the id is the hash prefix of the archive's
// leading bytes. A nil copyFn uses the default block copier.
func (c *RegisteredCache) RawInstallNCA(file vfs.File, copyFn CopyFunc, overwrite bool, overrideID *NcaID) InstallResult {
	var id NcaID
	if overrideID != nil {
		id = *overrideID
	} else {
		hash, err := computeIDHash(file)
		if err != nil {
			return InstallErrorCopyFailed
		}
		copy(id[:], hash[:16])
	}

	if existing := c.GetFileAtID(id); existing != nil {
		if !overwrite {
			return InstallErrorAlreadyExists
		}
		c.deleteFileAtID(id)
	}

	v := pathVariants(id)[0]
	dir, err := c.dir.CreateDir(v.subdir)
	if err != nil {
		return InstallErrorCopyFailed
	}
	dst, err := dir.CreateFile(v.name)
	if err != nil {
		return InstallErrorCopyFailed
	}

	if copyFn == nil {
		copyFn = defaultCopy
	}
	if !copyFn(file, dst, installBlockSize) {
		return InstallErrorCopyFailed
	}
	return InstallSuccess
}

// packageContent finds a record's archive inside an install package,
// inflating compressed variants on the fly.
func packageContent(pkg *fs.PFS0, id NcaID) vfs.File {
	name := hex.EncodeToString(id[:])
	if f := pkg.GetFile(name + ".nca"); f != nil {
		return f
	}
	if f := pkg.GetFile(name + ".ncz"); f != nil {
		out, err := ncz.Decompress(f)
		if err != nil {
			return nil
		}
		return out
	}
	return nil
}

// InstallEntry installs a packaged title: its single meta archive first,
// then every referenced component except delta fragments.
func (c *RegisteredCache) InstallEntry(pkg *fs.PFS0, overwrite bool) InstallResult {
	var metaFile vfs.File
	var metaNCA *fs.NCA
	metaCount := 0
	for _, f := range pkg.Files() {
		if !strings.HasSuffix(f.Name(), ".nca") {
			continue
		}
		n, err := fs.Open(f, c.store)
		if err != nil || n.Header.ContentType != fs.ContentMeta {
			continue
		}
		metaFile, metaNCA = f, n
		metaCount++
	}
	if metaCount != 1 {
		return InstallErrorMetaFailed
	}

	metaID, ok := followsNcaIDFormat(metaFile.Name())
	if !ok {
		return InstallErrorMetaFailed
	}

	meta, err := readMeta(metaNCA)
	if err != nil {
		return InstallErrorMetaFailed
	}

	titleID := meta.TitleID()
	if titleID == titleID&baseTitleMask && meta.TitleVersion() == 0 {
		return InstallErrorBaseInstall
	}

	overwrote := false
	if _, exists := c.Version(titleID); exists {
		if !overwrite {
			return InstallErrorAlreadyExists
		}
		c.RemoveExistingEntry(titleID)
		overwrote = true
	}

	// Meta first, components after.
	if res := c.RawInstallNCA(metaFile, nil, true, &metaID); res != InstallSuccess {
		return res
	}
	for _, rec := range meta.ContentRecords {
		if rec.Type == cnmt.ContentDeltaFragment {
			continue
		}
		f := packageContent(pkg, rec.ID)
		if f == nil {
			return InstallErrorCopyFailed
		}
		id := rec.ID
		if res := c.RawInstallNCA(f, nil, true, &id); res != InstallSuccess {
			return InstallErrorCopyFailed
		}
	}

	c.Refresh()
	if overwrote {
		return InstallOverwriteExisting
	}
	return InstallSuccess
}

// readMeta extracts and parses the .cnmt carried by a meta archive.
func readMeta(n *fs.NCA) (*cnmt.CNMT, error) {
	p, err := n.MetaFilesystem()
	if err != nil {
		return nil, err
	}
	for _, f := range p.Files() {
		if strings.HasSuffix(f.Name(), ".cnmt") {
			raw, err := vfs.ReadAll(f)
			if err != nil {
				return nil, err
			}
			return cnmt.Parse(raw)
		}
	}
	return nil, fmt.Errorf("content: meta archive %s has no cnmt", n.Name())
}

// InstallNCA installs a bare archive without an authored meta archive,
// fabricating minimal sideband metadata for it.
func (c *RegisteredCache) InstallNCA(file vfs.File, titleType cnmt.TitleType, overwrite bool) InstallResult {
	n, err := fs.Open(file, c.store)
	if err != nil {
		return InstallErrorMetaFailed
	}

	hash, err := computeIDHash(file)
	if err != nil {
		return InstallErrorCopyFailed
	}
	var id NcaID
	copy(id[:], hash[:16])

	rec := cnmt.ContentRecord{
		Hash: hash,
		ID:   id,
		Type: recordTypeFor(n.Header.ContentType),
	}
	putSize48(rec.Size[:], uint64(file.Size()))

	meta := &cnmt.CNMT{
		Header: cnmt.Header{
			TitleID:      n.Header.TitleID,
			Type:         titleType,
			TableOffset:  0x10,
			ContentCount: 1,
		},
		ContentRecords: []cnmt.ContentRecord{rec},
	}
	if !c.installSideband(meta) {
		return InstallErrorMetaFailed
	}
	return c.RawInstallNCA(file, nil, overwrite, &id)
}

// installSideband writes (or merges into) the synthetic metadata file for
// the title.
func (c *RegisteredCache) installSideband(meta *cnmt.CNMT) bool {
	dir, err := c.dir.CreateDir(yuzuMetaDirName)
	if err != nil {
		return false
	}
	name := fmt.Sprintf("%016x.cnmt", meta.TitleID())

	if existing := dir.GetFile(name); existing != nil {
		raw, err := vfs.ReadAll(existing)
		if err == nil {
			if old, err := cnmt.Parse(raw); err == nil {
				old.UnionRecords(meta)
				meta = old
			}
		}
	}

	out, err := dir.CreateFile(name)
	if err != nil {
		return false
	}
	raw := meta.Serialize()
	if _, err := out.WriteAt(raw, 0); err != nil {
		return false
	}
	c.sideband[meta.TitleID()] = meta
	return true
}

// recordTypeFor maps archive content classifications onto record types.
func recordTypeFor(t fs.ContentType) cnmt.ContentType {
	switch t {
	case fs.ContentProgram:
		return cnmt.ContentProgram
	case fs.ContentMeta:
		return cnmt.ContentMeta
	case fs.ContentControl:
		return cnmt.ContentControl
	case fs.ContentManual:
		return cnmt.ContentHtmlDocument
	default:
		return cnmt.ContentData
	}
}

func putSize48(dst []byte, size uint64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], size)
	copy(dst, raw[:6])
}

// removableRecordTypes are the record kinds RemoveExistingEntry deletes.
var removableRecordTypes = []cnmt.ContentType{
	cnmt.ContentMeta,
	cnmt.ContentProgram,
	cnmt.ContentData,
	cnmt.ContentControl,
	cnmt.ContentHtmlDocument,
	cnmt.ContentLegalInformation,
}

// RemoveExistingEntry deletes the title's meta archive and every archive
// its metadata references. Missing archives are not an error; the return
// value reports whether the meta archive itself was removed.
func (c *RegisteredCache) RemoveExistingEntry(titleID uint64) bool {
	removedMeta := false
	if id, ok := c.metaID[titleID]; ok {
		removedMeta = c.deleteFileAtID(id)
		delete(c.metaID, titleID)
	}

	for _, meta := range []*cnmt.CNMT{c.meta[titleID], c.sideband[titleID]} {
		if meta == nil {
			continue
		}
		for _, kind := range removableRecordTypes {
			if rec, ok := meta.RecordByType(kind); ok {
				c.deleteFileAtID(rec.ID)
			}
		}
	}
	delete(c.meta, titleID)
	delete(c.sideband, titleID)

	if dir := c.dir.GetDir(yuzuMetaDirName); dir != nil {
		dir.DeleteFile(fmt.Sprintf("%016x.cnmt", titleID))
	}
	return removedMeta
}
