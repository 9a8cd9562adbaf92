package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/vfs"
)

// buildProdInfo assembles a decrypted calibration partition: CAL0 magic at
// the head and the extended kek blob at its fixed offset.
func buildProdInfo(t *testing.T) ([]byte, [0x240]byte) {
	t.Helper()

	plain := make([]byte, vfs.XTSSectorSize)
	copy(plain, calibrationMagic)

	var kek [0x240]byte
	for i := range kek {
		kek[i] = byte(i*5 + 1)
	}
	copy(plain[prodInfoExtendedKekOffset:], kek[:])
	return plain, kek
}

// encryptProdInfo produces the raw NAND form of a calibration partition,
// XTS-encrypted under the BIS partition-0 key pair.
func encryptProdInfo(t *testing.T, plain []byte, crypt, tweak Key128) []byte {
	t.Helper()

	var key [32]byte
	copy(key[:16], crypt[:])
	copy(key[16:], tweak[:])

	c, err := crypto.NewAESCipher(key[:], crypto.ModeXTS)
	require.NoError(t, err)

	enc := make([]byte, len(plain))
	require.NoError(t, c.XTSTranscode(enc, plain, 0, vfs.XTSSectorSize, crypto.OpEncrypt))
	return enc
}

func TestLoadProdInfoRawDump(t *testing.T) {
	plain, kek := buildProdInfo(t)
	crypt := key128(0x31)
	tweak := key128(0x42)
	enc := encryptProdInfo(t, plain, crypt, tweak)

	s := NewStore("")
	s.Set128(KindBIS, crypt, 0, uint64(BISCrypt))
	s.Set128(KindBIS, tweak, 0, uint64(BISTweak))

	require.NoError(t, s.LoadProdInfo(vfs.NewVectorFile("PRODINFO", enc)))

	got, ok := s.ETicketExtendedKek()
	require.True(t, ok)
	assert.Equal(t, kek, got)
}

func TestLoadProdInfoDecryptedDump(t *testing.T) {
	plain, kek := buildProdInfo(t)

	// A dump already carrying the magic needs no BIS keys at all.
	s := NewStore("")
	require.NoError(t, s.LoadProdInfo(vfs.NewVectorFile("PRODINFO.dec", plain)))

	got, ok := s.ETicketExtendedKek()
	require.True(t, ok)
	assert.Equal(t, kek, got)
}

func TestLoadProdInfoMissingBISKeys(t *testing.T) {
	plain, _ := buildProdInfo(t)
	enc := encryptProdInfo(t, plain, key128(0x31), key128(0x42))

	s := NewStore("")
	err := s.LoadProdInfo(vfs.NewVectorFile("PRODINFO", enc))
	assert.ErrorIs(t, err, ErrMissingKey)

	_, ok := s.ETicketExtendedKek()
	assert.False(t, ok)
}

func TestLoadProdInfoWrongBISKeys(t *testing.T) {
	plain, _ := buildProdInfo(t)
	enc := encryptProdInfo(t, plain, key128(0x31), key128(0x42))

	s := NewStore("")
	s.Set128(KindBIS, key128(0xEE), 0, uint64(BISCrypt))
	s.Set128(KindBIS, key128(0xFF), 0, uint64(BISTweak))

	err := s.LoadProdInfo(vfs.NewVectorFile("PRODINFO", enc))
	assert.ErrorIs(t, err, ErrBadCalibration)
}

func TestLoadSecureMonitor(t *testing.T) {
	seed3 := key128(0x5B)
	mask0 := key128(0x6C)
	kekGen := key128(0x7D)

	// The probe hashes are package variables holding digests of key material
	// this test cannot know; point them at test keys and restore.
	origSeed3, origMask0, origKekGen := rsaKekSeed3Hash, rsaKekMask0Hash, aesKekGenerationSourceHash
	defer func() {
		rsaKekSeed3Hash, rsaKekMask0Hash, aesKekGenerationSourceHash = origSeed3, origMask0, origKekGen
	}()
	rsaKekSeed3Hash = crypto.SHA256(seed3[:])
	rsaKekMask0Hash = crypto.SHA256(mask0[:])
	aesKekGenerationSourceHash = crypto.SHA256(kekGen[:])

	monitor := make([]byte, 1024)
	copy(monitor[17:], seed3[:])
	copy(monitor[333:], mask0[:])
	copy(monitor[700:], kekGen[:])

	s := NewStore("")
	s.LoadSecureMonitor(monitor)

	assert.Equal(t, seed3, s.Get128(KindRSAKek, uint64(RSAKekSeed3)))
	assert.Equal(t, mask0, s.Get128(KindRSAKek, uint64(RSAKekMask0)))
	assert.Equal(t, kekGen, s.Get128(KindSource, uint64(SourceAESKekGeneration)))
}

func TestLoadSecureMonitorNoMatches(t *testing.T) {
	s := NewStore("")
	s.LoadSecureMonitor(make([]byte, 512))

	assert.False(t, s.Has128(KindRSAKek, uint64(RSAKekSeed3)))
	assert.False(t, s.Has128(KindRSAKek, uint64(RSAKekMask0)))
}

func TestLoadBOOT0(t *testing.T) {
	boot0 := make([]byte, boot0KeyblobOffset+2*boot0KeyblobStride)
	var blob EncryptedKeyBlob
	for i := range blob {
		blob[i] = byte(i + 1)
	}
	copy(boot0[boot0KeyblobOffset+boot0KeyblobStride:], blob[:])

	s := NewStore("")
	s.LoadBOOT0(vfs.NewVectorFile("BOOT0", boot0))

	// Revision 0 is all zero and skipped; revision 1 carries the blob.
	_, ok := s.EncryptedKeyBlobAt(0)
	assert.False(t, ok)
	got, ok := s.EncryptedKeyBlobAt(1)
	require.True(t, ok)
	assert.Equal(t, blob, got)
}
