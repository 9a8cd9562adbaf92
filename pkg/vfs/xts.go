package vfs

import (
	"io"

	"github.com/falk/nxcontent/pkg/crypto"
)

// XTSSectorSize is the fixed sector size of XTS-encrypted partitions.
const XTSSectorSize = 0x4000

// XTSFile is a read-only view that decrypts an AES-XTS encrypted base file
// sector by sector. Arbitrary offsets and lengths are supported; partial and
// misaligned requests resolve through whole-sector transcodes. Sectors
// truncated by EOF are zero-padded before decryption.
//
// Like CTRFile, an XTSFile mutates cipher state per read and must not be
// shared across goroutines.
type XTSFile struct {
	base       File
	cipher     *crypto.AESCipher
	sectorSize int64
}

var _ File = (*XTSFile)(nil)

func NewXTSFile(base File, key []byte) (*XTSFile, error) {
	c, err := crypto.NewAESCipher(key, crypto.ModeXTS)
	if err != nil {
		return nil, err
	}
	return &XTSFile{base: base, cipher: c, sectorSize: XTSSectorSize}, nil
}

func (f *XTSFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := f.base.Size()
	if off < 0 || off >= size {
		return 0, io.EOF
	}

	total := 0
	sector := make([]byte, f.sectorSize)
	for total < len(p) {
		cur := off + int64(total)
		if cur >= size {
			break
		}

		sectorID := cur / f.sectorSize
		sectorStart := sectorID * f.sectorSize
		sectorOff := cur - sectorStart

		n, err := f.base.ReadAt(sector, sectorStart)
		if err != nil && err != io.EOF {
			return total, err
		}
		for i := n; i < len(sector); i++ {
			sector[i] = 0
		}
		if err := f.cipher.XTSTranscode(sector, sector, uint64(sectorID), int(f.sectorSize), crypto.OpDecrypt); err != nil {
			return total, err
		}

		avail := int64(n) - sectorOff
		if avail <= 0 {
			break
		}
		want := int64(len(p) - total)
		if want > avail {
			want = avail
		}
		total += copy(p[total:], sector[sectorOff:sectorOff+want])

		if int64(n) < f.sectorSize {
			break
		}
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

func (f *XTSFile) Size() int64 { return f.base.Size() }

func (f *XTSFile) Name() string { return f.base.Name() }
