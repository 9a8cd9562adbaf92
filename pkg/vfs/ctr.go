package vfs

import (
	"encoding/binary"
	"io"

	"github.com/falk/nxcontent/pkg/crypto"
)

// CTRFile is a read-only view that decrypts an AES-CTR encrypted base file
// on the fly. The low 8 bytes of every IV hold the big-endian block number
// (baseOffset + aligned offset) >> 4; the high 8 bytes carry the seed taken
// from the section header.
//
// A CTRFile mutates its cipher context per read and must not be shared
// across goroutines.
type CTRFile struct {
	base       File
	cipher     *crypto.AESCipher
	ivSeed     [8]byte
	baseOffset int64
}

var _ File = (*CTRFile)(nil)

// NewCTRFile wraps base with a decrypting view. iv supplies the 8-byte seed
// in its leading bytes; baseOffset is added to read offsets when computing
// counters.
func NewCTRFile(base File, key, iv []byte, baseOffset int64) (*CTRFile, error) {
	c, err := crypto.NewAESCipher(key, crypto.ModeCTR)
	if err != nil {
		return nil, err
	}

	f := &CTRFile{base: base, cipher: c, baseOffset: baseOffset}
	copy(f.ivSeed[:], iv)
	return f, nil
}

func (f *CTRFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off >= f.base.Size() {
		return 0, io.EOF
	}

	sectorOff := off & 0xF
	if sectorOff == 0 {
		n, err := f.base.ReadAt(p, off)
		f.updateIV(off)
		f.cipher.Transcode(p[:n], p[:n], crypto.OpDecrypt)
		return n, err
	}

	// Unaligned start: decrypt the covering block and take the tail of it,
	// then continue block-aligned for the remainder.
	var block [crypto.BlockSize]byte
	aligned := off - sectorOff
	n, err := f.base.ReadAt(block[:], aligned)
	f.updateIV(aligned)
	f.cipher.Transcode(block[:n], block[:n], crypto.OpDecrypt)

	if int64(n) <= sectorOff {
		return 0, io.EOF
	}
	head := copy(p, block[sectorOff:n])
	if head == len(p) {
		if err == io.EOF && int64(n) < crypto.BlockSize {
			// Filled from a truncated block but satisfied the request.
			err = nil
		}
		return head, err
	}
	if err != nil {
		return head, err
	}

	m, err := f.ReadAt(p[head:], off+int64(head))
	return head + m, err
}

func (f *CTRFile) updateIV(alignedOffset int64) {
	var iv [16]byte
	copy(iv[:8], f.ivSeed[:])
	binary.BigEndian.PutUint64(iv[8:], uint64(f.baseOffset+alignedOffset)>>4)
	f.cipher.SetIV(iv[:])
}

func (f *CTRFile) Size() int64 { return f.base.Size() }

func (f *CTRFile) Name() string { return f.base.Name() }
