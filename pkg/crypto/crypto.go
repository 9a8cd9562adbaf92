package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// Mode selects the block cipher mode of operation. The numeric values are
// wire-level constants shared with external key-setup payloads and must not
// be renumbered.
type Mode int

const (
	ModeECB Mode = 2
	ModeCTR Mode = 11
	ModeXTS Mode = 70
)

// Op selects the direction of a Transcode call.
type Op int

const (
	OpEncrypt Op = iota
	OpDecrypt
)

const BlockSize = 16

// Cipher cache to avoid recreating AES ciphers for the same key
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	// Double-check after acquiring write lock
	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// AESCipher is a reusable AES context for a single key and mode.
//
// CTR and XTS require SetIV before the first Transcode. An AESCipher mutates
// internal state while transcoding and must not be shared across goroutines.
type AESCipher struct {
	mode  Mode
	block cipher.Block // ECB/CTR key, or XTS data key
	tweak cipher.Block // XTS tweak key
	iv    [16]byte
}

// NewAESCipher creates a cipher context. Keys are 16 bytes for ECB and CTR,
// and either 16 or 32 bytes for XTS (32-byte keys split into data and tweak
// halves; 16-byte keys use the same half for both).
func NewAESCipher(key []byte, mode Mode) (*AESCipher, error) {
	c := &AESCipher{mode: mode}

	switch mode {
	case ModeECB, ModeCTR:
		block, err := getCachedCipher(key)
		if err != nil {
			return nil, err
		}
		c.block = block
	case ModeXTS:
		var dataKey, tweakKey []byte
		switch len(key) {
		case 32:
			dataKey, tweakKey = key[:16], key[16:]
		case 16:
			dataKey, tweakKey = key, key
		default:
			return nil, fmt.Errorf("XTS key must be 16 or 32 bytes, got %d", len(key))
		}
		var err error
		if c.block, err = aes.NewCipher(dataKey); err != nil {
			return nil, err
		}
		if c.tweak, err = aes.NewCipher(tweakKey); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported cipher mode %d", mode)
	}

	return c, nil
}

// SetIV installs the 16-byte IV used by subsequent CTR/XTS operations.
func (c *AESCipher) SetIV(iv []byte) {
	copy(c.iv[:], iv)
}

// Transcode processes len(src) bytes from src into dst. The length need not
// be block aligned for ECB and CTR: trailing partial blocks are zero-padded
// into a scratch block and only the leading bytes copied out.
func (c *AESCipher) Transcode(dst, src []byte, op Op) {
	switch c.mode {
	case ModeCTR:
		stream := cipher.NewCTR(c.block, c.iv[:])
		stream.XORKeyStream(dst[:len(src)], src)
	case ModeECB:
		c.transcodeECB(dst, src, op)
	case ModeXTS:
		// The sector tweak must already be loaded; XTSTranscode is the
		// public entry point for XTS data.
		c.transcodeXTSSector(dst, src, op)
	}
}

func (c *AESCipher) transcodeECB(dst, src []byte, op Op) {
	n := len(src)
	whole := n - n%BlockSize

	for i := 0; i < whole; i += BlockSize {
		c.cryptBlock(dst[i:i+BlockSize], src[i:i+BlockSize], op)
	}

	if rem := n - whole; rem > 0 {
		var scratch [BlockSize]byte
		copy(scratch[:], src[whole:])
		c.cryptBlock(scratch[:], scratch[:], op)
		copy(dst[whole:n], scratch[:rem])
	}
}

func (c *AESCipher) cryptBlock(dst, src []byte, op Op) {
	if op == OpEncrypt {
		c.block.Encrypt(dst, src)
	} else {
		c.block.Decrypt(dst, src)
	}
}

// XTSTranscode processes whole sectors of data. len(src) must be a multiple
// of sectorSize. Each sector uses the tweak derived from its sector id,
// starting at sectorID for the first.
func (c *AESCipher) XTSTranscode(dst, src []byte, sectorID uint64, sectorSize int, op Op) error {
	if c.mode != ModeXTS {
		return fmt.Errorf("XTSTranscode requires an XTS cipher, have mode %d", c.mode)
	}
	if sectorSize <= 0 || sectorSize%BlockSize != 0 {
		return fmt.Errorf("sector size must be a positive multiple of %d, got %d", BlockSize, sectorSize)
	}
	if len(src)%sectorSize != 0 {
		return fmt.Errorf("data length %d not a multiple of sector size %d", len(src), sectorSize)
	}

	for off := 0; off < len(src); off += sectorSize {
		c.setSectorTweak(sectorID + uint64(off/sectorSize))
		c.transcodeXTSSector(dst[off:off+sectorSize], src[off:off+sectorSize], op)
	}
	return nil
}

// setSectorTweak loads the encrypted tweak for a sector into the IV. The
// sector id is encoded big-endian into the 16-byte tweak before encryption.
func (c *AESCipher) setSectorTweak(sectorID uint64) {
	var tweak [16]byte
	binary.BigEndian.PutUint64(tweak[8:], sectorID)
	c.tweak.Encrypt(c.iv[:], tweak[:])
}

func (c *AESCipher) transcodeXTSSector(dst, src []byte, op Op) {
	tweak := c.iv
	var buf [BlockSize]byte

	for i := 0; i+BlockSize <= len(src); i += BlockSize {
		xor16(buf[:], src[i:i+BlockSize], tweak[:])
		c.cryptBlock(buf[:], buf[:], op)
		xor16(dst[i:i+BlockSize], buf[:], tweak[:])
		mul2(tweak[:])
	}
}

// ECBDecrypt decrypts data using AES-ECB.
// Note: ECB is not secure for general purpose, but used in Switch formats.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt encrypts data using AES-ECB.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// NewCTRStream creates an AES-CTR stream starting at a specific absolute offset.
// The iv contains the base counter (bytes 0-7 are section-specific).
// Bytes 8-15 are SET to the block number (offset / 16) in big-endian.
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

func xor16(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mul2(tweak []byte) {
	var carry byte = 0
	for i := 0; i < 16; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
