// Package keys holds the typed key store and the derivation engine that
// populates it from key files, flash partitions and firmware binaries.
package keys

import (
	"encoding/hex"
	"sync"
)

// Key128 is a 128-bit key. The zero value means "absent".
type Key128 [16]byte

// Key256 is a 256-bit key. The zero value means "absent".
type Key256 [32]byte

func (k Key128) IsZero() bool { return k == Key128{} }

func (k Key256) IsZero() bool { return k == Key256{} }

// KeyBlob is a decrypted 0x90-byte console-bound key bundle.
type KeyBlob [0x90]byte

// EncryptedKeyBlob is the NAND form of a KeyBlob: a 0x10-byte CMAC, a
// 0x10-byte IV and the ciphertext.
type EncryptedKeyBlob [0xB0]byte

// Kind enumerates the key families stored in a Store. Kinds up to and
// including KindRSAKek are 128-bit; the rest are 256-bit.
type Kind int

const (
	KindMaster Kind = iota
	KindPackage1
	KindPackage2
	KindTitlekek
	KindETicketRSAKek
	KindKeyArea
	KindSDSeed
	KindTitlekey
	KindSource
	KindKeyblob
	KindKeyblobMAC
	KindTSEC
	KindSecureBoot
	KindBIS
	KindHeaderKek
	KindSDKek
	KindRSAKek

	KindSDKey
	KindHeader
	KindSDKeySource
	KindHeaderSource
)

// SourceKind is Field1 of KindSource entries.
type SourceKind uint64

const (
	SourceSDKek SourceKind = iota
	SourceAESKekGeneration
	SourceAESKeyGeneration
	SourceRSAOaepKekGeneration
	SourceMaster
	SourceKeyblob // Field2 = crypto revision
	SourceKeyblobMAC
	SourcePackage2
	SourceHeaderKek
	SourceETicketKek
	SourceETicketKekek
	SourceKeyAreaKey // Field2 = KeyAreaKeyType
	SourceTitlekek
)

// KeyAreaKeyType is the key-area sub-family selector.
type KeyAreaKeyType uint64

const (
	KeyAreaApplication KeyAreaKeyType = iota
	KeyAreaOcean
	KeyAreaSystem
)

// SDKeyType selects between the two SD card 256-bit keys.
type SDKeyType uint64

const (
	SDKeySave SDKeyType = iota
	SDKeyNCA
)

// BISKeyPart is Field2 of KindBIS entries; Field1 is the partition id.
type BISKeyPart uint64

const (
	BISCrypt BISKeyPart = iota
	BISTweak
)

// RSAKekIndex is Field1 of KindRSAKek entries.
type RSAKekIndex uint64

const (
	RSAKekMask0 RSAKekIndex = iota
	RSAKekSeed3
)

// KeyIndex addresses a single key: the kind plus two kind-dependent
// sub-indices (crypto revision, partition id, rights-id halves, sub-kinds).
type KeyIndex struct {
	Kind   Kind
	Field1 uint64
	Field2 uint64
}

// RSAKeyPair is a 2048-bit RSA key recovered from console data; component
// widths are fixed at 0x100 bytes with a 4-byte public exponent.
type RSAKeyPair struct {
	D [0x100]byte
	N [0x100]byte
	E [4]byte
}

// Store is the process key store. Keys are inserted once (first insertion
// wins, zero keys are rejected) and never individually removed; readers
// after derivation has quiesced need no synchronization, but the internal
// mutex keeps lookups safe alongside late inserts.
type Store struct {
	mu sync.RWMutex

	dir string // autogenerated key file directory; empty disables persistence
	dev bool   // write dev.keys_autogenerated instead of prod

	s128 map[KeyIndex]Key128
	s256 map[KeyIndex]Key256

	keyblobs    map[int]KeyBlob
	encKeyblobs map[int]EncryptedKeyBlob

	extendedKek    [0x240]byte
	hasExtendedKek bool

	eticketRSA *RSAKeyPair
}

// NewStore creates an empty store. dir is where autogenerated key files are
// appended; pass "" to keep the store memory-only.
func NewStore(dir string) *Store {
	return &Store{
		dir:         dir,
		s128:        make(map[KeyIndex]Key128),
		s256:        make(map[KeyIndex]Key256),
		keyblobs:    make(map[int]KeyBlob),
		encKeyblobs: make(map[int]EncryptedKeyBlob),
	}
}

// SetDev switches autogenerated output to the dev key file.
func (s *Store) SetDev(dev bool) { s.dev = dev }

// Reset drops every key. Tests rebuild stores between cases through this.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s128 = make(map[KeyIndex]Key128)
	s.s256 = make(map[KeyIndex]Key256)
	s.keyblobs = make(map[int]KeyBlob)
	s.encKeyblobs = make(map[int]EncryptedKeyBlob)
	s.hasExtendedKek = false
	s.extendedKek = [0x240]byte{}
	s.eticketRSA = nil
}

// Has128 reports whether a non-zero 128-bit key is present at the index.
func (s *Store) Has128(kind Kind, fields ...uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.s128[makeIndex(kind, fields)]
	return ok
}

// Get128 returns the 128-bit key at the index, or the zero key if absent.
func (s *Store) Get128(kind Kind, fields ...uint64) Key128 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s128[makeIndex(kind, fields)]
}

// Set128 inserts a 128-bit key. Zero keys and repeat insertions are no-ops.
func (s *Store) Set128(kind Kind, key Key128, fields ...uint64) {
	if key.IsZero() {
		return
	}
	idx := makeIndex(kind, fields)

	s.mu.Lock()
	if _, ok := s.s128[idx]; ok {
		s.mu.Unlock()
		return
	}
	s.s128[idx] = key
	s.mu.Unlock()

	s.persistKey(idx, key[:])
}

// Has256 reports whether a non-zero 256-bit key is present at the index.
func (s *Store) Has256(kind Kind, fields ...uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.s256[makeIndex(kind, fields)]
	return ok
}

// Get256 returns the 256-bit key at the index, or the zero key if absent.
func (s *Store) Get256(kind Kind, fields ...uint64) Key256 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s256[makeIndex(kind, fields)]
}

// Set256 inserts a 256-bit key. Zero keys and repeat insertions are no-ops.
func (s *Store) Set256(kind Kind, key Key256, fields ...uint64) {
	if key.IsZero() {
		return
	}
	idx := makeIndex(kind, fields)

	s.mu.Lock()
	if _, ok := s.s256[idx]; ok {
		s.mu.Unlock()
		return
	}
	s.s256[idx] = key
	s.mu.Unlock()

	s.persistKey(idx, key[:])
}

// SetTitleKey stores a title key under its 128-bit rights id.
func (s *Store) SetTitleKey(rightsID [16]byte, key Key128) {
	hi, lo := splitRightsID(rightsID)
	s.Set128(KindTitlekey, key, hi, lo)
}

// GetTitleKey looks up a title key by rights id.
func (s *Store) GetTitleKey(rightsID [16]byte) Key128 {
	hi, lo := splitRightsID(rightsID)
	return s.Get128(KindTitlekey, hi, lo)
}

// KeyBlobAt returns the decrypted keyblob for a crypto revision.
func (s *Store) KeyBlobAt(revision int) (KeyBlob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.keyblobs[revision]
	return b, ok
}

// SetKeyBlob stores a decrypted keyblob; first insertion wins.
func (s *Store) SetKeyBlob(revision int, blob KeyBlob) {
	s.mu.Lock()
	if _, ok := s.keyblobs[revision]; ok {
		s.mu.Unlock()
		return
	}
	s.keyblobs[revision] = blob
	s.mu.Unlock()

	s.persistBlob(keyblobName(revision), categoryConsole, blob[:])
}

// EncryptedKeyBlobAt returns the raw NAND keyblob for a crypto revision.
func (s *Store) EncryptedKeyBlobAt(revision int) (EncryptedKeyBlob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.encKeyblobs[revision]
	return b, ok
}

// SetEncryptedKeyBlob stores a raw NAND keyblob; first insertion wins.
func (s *Store) SetEncryptedKeyBlob(revision int, blob EncryptedKeyBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.encKeyblobs[revision]; ok {
		return
	}
	s.encKeyblobs[revision] = blob
}

// SetETicketExtendedKek stores the 0x240-byte wrapped RSA key material
// extracted from PRODINFO.
func (s *Store) SetETicketExtendedKek(blob [0x240]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasExtendedKek {
		return
	}
	s.extendedKek = blob
	s.hasExtendedKek = true
}

// ETicketExtendedKek returns the wrapped RSA key material, if present.
func (s *Store) ETicketExtendedKek() ([0x240]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extendedKek, s.hasExtendedKek
}

// ETicketRSAKey returns the personalization RSA-2048 key pair, if derived.
func (s *Store) ETicketRSAKey() (*RSAKeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eticketRSA == nil {
		return nil, false
	}
	pair := *s.eticketRSA
	return &pair, true
}

// Export returns every named key as key-file assignments, hex-encoded and
// keyed by canonical name. Indices without a named form are skipped.
func (s *Store) Export() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.s128)+len(s.s256))
	for idx, key := range s.s128 {
		if name := keyFileName(idx); name != "" {
			out[name] = hex.EncodeToString(key[:])
		}
	}
	for idx, key := range s.s256 {
		if name := keyFileName(idx); name != "" {
			out[name] = hex.EncodeToString(key[:])
		}
	}
	return out
}

func makeIndex(kind Kind, fields []uint64) KeyIndex {
	idx := KeyIndex{Kind: kind}
	if len(fields) > 0 {
		idx.Field1 = fields[0]
	}
	if len(fields) > 1 {
		idx.Field2 = fields[1]
	}
	return idx
}

func splitRightsID(rightsID [16]byte) (hi, lo uint64) {
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(rightsID[i])
		lo = lo<<8 | uint64(rightsID[8+i])
	}
	return hi, lo
}

func joinRightsID(hi, lo uint64) [16]byte {
	var out [16]byte
	for i := 7; i >= 0; i-- {
		out[i] = byte(hi)
		out[8+i] = byte(lo)
		hi >>= 8
		lo >>= 8
	}
	return out
}
