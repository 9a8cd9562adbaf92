// Package ncz restores zstd-compressed content archives to their installed
// form: the compressed body is inflated and every section re-encrypted with
// the key and counter recorded in the section table.
package ncz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/vfs"
)

const (
	// HeaderSize is the uncompressable leading region carried verbatim.
	HeaderSize = 0x4000

	MagicSection = "NCZSECTN"
	MagicBlock   = "NCZBLOCK"
)

// ErrBadFormat indicates the archive is not a valid compressed container.
var ErrBadFormat = errors.New("ncz: bad format")

// SectionEntry records how one region of the restored archive is encrypted.
type SectionEntry struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	Padding       uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

type sectionHeader struct {
	Magic        [8]byte
	SectionCount uint64
}

type blockHeader struct {
	Magic            [8]byte
	Version          uint8
	Type             uint8
	Unused           uint8
	BlockSizeExp     uint8
	BlockCount       uint32
	DecompressedSize uint64
}

var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// IsNCZ sniffs for the section-table magic at the end of the verbatim
// header region.
func IsNCZ(file vfs.File) bool {
	magic, err := vfs.ReadBytes(file, HeaderSize, len(MagicSection))
	return err == nil && string(magic) == MagicSection
}

// Decompress inflates file into a full archive held in memory. The result
// is named after the input with a .nca suffix.
func Decompress(file vfs.File) (vfs.File, error) {
	header, err := vfs.ReadBytes(file, 0, HeaderSize)
	if err != nil || len(header) != HeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrBadFormat)
	}

	r := io.NewSectionReader(file, HeaderSize, file.Size()-HeaderSize)

	var sh sectionHeader
	if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if string(sh.Magic[:]) != MagicSection {
		return nil, fmt.Errorf("%w: magic %q", ErrBadFormat, sh.Magic)
	}
	if sh.SectionCount == 0 || sh.SectionCount > 0xFF {
		return nil, fmt.Errorf("%w: %d sections", ErrBadFormat, sh.SectionCount)
	}

	sections := make([]SectionEntry, sh.SectionCount)
	if err := binary.Read(r, binary.LittleEndian, &sections); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	if err := encryptSections(body, sections); err != nil {
		return nil, err
	}

	name := strings.TrimSuffix(file.Name(), ".ncz") + ".nca"
	return vfs.NewVectorFile(name, append(header, body...)), nil
}

// readBody inflates the compressed payload, handling both the solid-stream
// and the block-table layouts.
func readBody(r *io.SectionReader) ([]byte, error) {
	var magic [8]byte
	pos, _ := r.Seek(0, io.SeekCurrent)
	if _, err := io.ReadFull(r, magic[:]); err == nil && string(magic[:]) == MagicBlock {
		r.Seek(pos, io.SeekStart)
		return readBlockBody(r)
	}
	r.Seek(pos, io.SeekStart)

	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	body, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return body, nil
}

// readBlockBody decodes the independently compressed block layout,
// inflating blocks on a worker pool. A block whose stored size equals its
// plain size was stored uncompressed.
func readBlockBody(r *io.SectionReader) ([]byte, error) {
	var bh blockHeader
	if err := binary.Read(r, binary.LittleEndian, &bh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if bh.Version != 2 || bh.BlockSizeExp < 14 || bh.BlockSizeExp > 32 {
		return nil, fmt.Errorf("%w: block header version %d exp %d", ErrBadFormat, bh.Version, bh.BlockSizeExp)
	}

	sizes := make([]uint32, bh.BlockCount)
	if err := binary.Read(r, binary.LittleEndian, &sizes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	blockSize := uint64(1) << bh.BlockSizeExp
	body := make([]byte, bh.DecompressedSize)

	type work struct {
		index  int
		stored []byte
		plain  []byte
	}
	workCh := make(chan work, runtime.NumCPU())

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			defer dec.Close()

			for w := range workCh {
				if len(w.stored) == len(w.plain) {
					copy(w.plain, w.stored)
					continue
				}
				out, err := dec.DecodeAll(w.stored, w.plain[:0:len(w.plain)])
				if err != nil {
					errOnce.Do(func() { firstErr = fmt.Errorf("block %d: %w", w.index, err) })
					continue
				}
				if len(out) != len(w.plain) {
					errOnce.Do(func() {
						firstErr = fmt.Errorf("%w: block %d inflated to %d of %d bytes", ErrBadFormat, w.index, len(out), len(w.plain))
					})
				}
			}
		}()
	}

	var offset uint64
	var readErr error
	for i, size := range sizes {
		plainSize := blockSize
		if remaining := bh.DecompressedSize - offset; plainSize > remaining {
			plainSize = remaining
		}
		stored := make([]byte, size)
		if _, err := io.ReadFull(r, stored); err != nil {
			readErr = fmt.Errorf("%w: block %d: %v", ErrBadFormat, i, err)
			break
		}
		workCh <- work{index: i, stored: stored, plain: body[offset : offset+plainSize]}
		offset += plainSize
	}
	close(workCh)
	wg.Wait()

	if readErr != nil {
		return nil, readErr
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return body, nil
}

// encryptSections applies each CTR section's keystream to the inflated
// body, turning plaintext back into the installed archive's ciphertext.
func encryptSections(body []byte, sections []SectionEntry) error {
	bodyStart := uint64(HeaderSize)
	bodyEnd := bodyStart + uint64(len(body))

	for _, sec := range sections {
		if sec.CryptoType != 3 && sec.CryptoType != 4 {
			continue
		}
		start := sec.Offset
		if start < bodyStart {
			start = bodyStart
		}
		end := sec.Offset + sec.Size
		if end > bodyEnd {
			end = bodyEnd
		}
		if start >= end {
			continue
		}

		stream, err := crypto.NewCTRStream(sec.CryptoKey[:], sec.CryptoCounter[:], int64(start))
		if err != nil {
			return err
		}
		slice := body[start-bodyStart : end-bodyStart]
		stream.XORKeyStream(slice, slice)
	}
	return nil
}
