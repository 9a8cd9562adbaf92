package vfs

import (
	"io"
	"testing"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptCTR(t *testing.T, key, iv []byte, plaintext []byte) []byte {
	t.Helper()
	stream, err := crypto.NewCTRStream(key, iv, 0)
	require.NoError(t, err)
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return out
}

func TestCTRFileAlignedRead(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	plain := pattern(64)

	base := NewVectorFile("enc", encryptCTR(t, key, iv, plain))
	layer, err := NewCTRFile(base, key, iv, 0)
	require.NoError(t, err)

	got, err := ReadAll(layer)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestCTRFileUnalignedCrossBlock(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	plain := pattern(32)

	base := NewVectorFile("enc", encryptCTR(t, key, iv, plain))
	layer, err := NewCTRFile(base, key, iv, 0)
	require.NoError(t, err)

	buf := make([]byte, 20)
	n, err := layer.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, plain[6:26], buf)
}

func TestCTRFileRandomAccessMatchesFullRead(t *testing.T) {
	key := pattern(16)
	iv := pattern(16)
	plain := pattern(1000)

	base := NewVectorFile("enc", encryptCTR(t, key, iv, plain))
	layer, err := NewCTRFile(base, key, iv, 0)
	require.NoError(t, err)

	full, err := ReadAll(layer)
	require.NoError(t, err)
	require.Equal(t, plain, full)

	for _, tc := range []struct{ off, n int }{
		{0, 1}, {1, 15}, {15, 2}, {16, 16}, {17, 100}, {500, 500}, {999, 1},
	} {
		buf := make([]byte, tc.n)
		n, err := layer.ReadAt(buf, int64(tc.off))
		require.NoError(t, err, "off=%d n=%d", tc.off, tc.n)
		assert.Equal(t, tc.n, n)
		assert.Equal(t, full[tc.off:tc.off+tc.n], buf, "off=%d n=%d", tc.off, tc.n)
	}
}

func TestCTRFileBaseOffset(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	plain := pattern(96)

	// Encrypt the whole region, then expose only its tail. The layer must
	// account for the missing prefix through its base offset.
	enc := encryptCTR(t, key, iv, plain)
	base := NewVectorFile("enc", enc[32:])
	layer, err := NewCTRFile(base, key, iv, 32)
	require.NoError(t, err)

	got, err := ReadAll(layer)
	require.NoError(t, err)
	assert.Equal(t, plain[32:], got)
}

func TestCTRFileShortReadAtEOF(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	plain := pattern(20)

	base := NewVectorFile("enc", encryptCTR(t, key, iv, plain))
	layer, err := NewCTRFile(base, key, iv, 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := layer.ReadAt(buf, 4)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, plain[4:20], buf[:n])
}

func encryptXTS(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	c, err := crypto.NewAESCipher(key, crypto.ModeXTS)
	require.NoError(t, err)
	out := make([]byte, len(plain))
	require.NoError(t, c.XTSTranscode(out, plain, 0, XTSSectorSize, crypto.OpEncrypt))
	return out
}

func TestXTSFilePartialSector(t *testing.T) {
	key := pattern(32)
	plain := pattern(XTSSectorSize)

	base := NewVectorFile("enc", encryptXTS(t, key, plain))
	layer, err := NewXTSFile(base, key)
	require.NoError(t, err)

	buf := make([]byte, 0x200)
	n, err := layer.ReadAt(buf, 0x100)
	require.NoError(t, err)
	assert.Equal(t, 0x200, n)
	assert.Equal(t, plain[0x100:0x300], buf)
}

func TestXTSFileCrossSectorRead(t *testing.T) {
	key := pattern(32)
	plain := pattern(3 * XTSSectorSize)

	base := NewVectorFile("enc", encryptXTS(t, key, plain))
	layer, err := NewXTSFile(base, key)
	require.NoError(t, err)

	full, err := ReadAll(layer)
	require.NoError(t, err)
	require.Equal(t, plain, full)

	// Misaligned read spanning two sector boundaries.
	buf := make([]byte, 2*XTSSectorSize)
	n, err := layer.ReadAt(buf, XTSSectorSize/2)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, plain[XTSSectorSize/2:XTSSectorSize/2+len(buf)], buf)
}

func TestXTSFileShortReadAtEOF(t *testing.T) {
	key := pattern(32)
	plain := pattern(2 * XTSSectorSize)

	base := NewVectorFile("enc", encryptXTS(t, key, plain))
	layer, err := NewXTSFile(base, key)
	require.NoError(t, err)

	buf := make([]byte, XTSSectorSize)
	n, err := layer.ReadAt(buf, int64(len(plain))-0x100)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0x100, n)
	assert.Equal(t, plain[len(plain)-0x100:], buf[:n])
}
