package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out
}

func TestVectorFileReadWrite(t *testing.T) {
	f := NewVectorFile("test", pattern(32))

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, pattern(32)[4:12], buf)

	// Short read at EOF.
	n, err = f.ReadAt(buf, 28)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)

	n, err = f.ReadAt(buf, 40)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)

	// Writes past the end grow the file.
	_, err = f.WriteAt([]byte{1, 2, 3}, 34)
	require.NoError(t, err)
	assert.Equal(t, int64(37), f.Size())
}

func TestOffsetFileWindow(t *testing.T) {
	base := NewVectorFile("base", pattern(64))
	win := NewOffsetFile(base, 16, 16, "window")

	data, err := ReadAll(win)
	require.NoError(t, err)
	assert.Equal(t, pattern(64)[16:32], data)

	// Reads are clamped to the window even though the base continues.
	buf := make([]byte, 10)
	n, err := win.ReadAt(buf, 12)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, pattern(64)[28:32], buf[:n])
}

func TestConcatFileSpanningRead(t *testing.T) {
	a := NewVectorFile("00", pattern(256)[:10])
	b := NewVectorFile("01", pattern(256)[10:25])
	c := NewVectorFile("02", pattern(256)[25:40])
	f := NewConcatFile("joined", a, b, c)

	require.Equal(t, int64(40), f.Size())

	// A read spanning all three children.
	buf := make([]byte, 30)
	n, err := f.ReadAt(buf, 5)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, pattern(40)[5:35], buf)

	// Outside the concatenated range.
	n, err = f.ReadAt(buf, 100)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)
}

func TestMemDirCreateDelete(t *testing.T) {
	root := NewMemDir("root")

	f, err := root.CreateFile("a.nca")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	sub, err := root.CreateDir("sub")
	require.NoError(t, err)
	_, err = sub.CreateFile("b.nca")
	require.NoError(t, err)

	assert.NotNil(t, root.GetFile("a.nca"))
	assert.NotNil(t, root.GetDir("sub").GetFile("b.nca"))
	assert.Nil(t, root.GetFile("missing"))

	assert.True(t, root.DeleteFile("a.nca"))
	assert.False(t, root.DeleteFile("a.nca"))
}

func TestGetFileRelaxed(t *testing.T) {
	root := NewMemDir("root")
	_, err := root.CreateFile("BOOT0.bin")
	require.NoError(t, err)

	assert.NotNil(t, GetFileRelaxed(root, "boot0"))
	assert.NotNil(t, GetFileRelaxed(root, "BOOT0"))
	assert.Nil(t, GetFileRelaxed(root, "boot1"))
}

func TestOSDirRoundTrip(t *testing.T) {
	root := NewOSDir(t.TempDir())

	f, err := root.CreateFile("data.bin")
	require.NoError(t, err)
	_, err = f.WriteAt(pattern(100), 0)
	require.NoError(t, err)

	got := root.GetFile("data.bin")
	require.NotNil(t, got)
	data, err := ReadAll(got)
	require.NoError(t, err)
	assert.Equal(t, pattern(100), data)

	sub, err := root.CreateDir("000000AB")
	require.NoError(t, err)
	_, err = sub.CreateFile("piece")
	require.NoError(t, err)
	require.Len(t, root.Dirs(), 1)
	assert.Equal(t, "000000AB", root.Dirs()[0].Name())

	assert.True(t, root.DeleteFile("data.bin"))
	assert.Nil(t, root.GetFile("data.bin"))
}
