package keys

import (
	"testing"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildEncryptedKeyblob assembles a NAND-form keyblob that DeriveBase can
// verify and decrypt: CTR ciphertext under the expected keyblob key, with a
// valid leading CMAC under the expected MAC key.
func buildEncryptedKeyblob(t *testing.T, blob KeyBlob, keyblobKey, macKey Key128) EncryptedKeyBlob {
	t.Helper()

	var enc EncryptedKeyBlob
	for i := 0x10; i < 0x20; i++ {
		enc[i] = byte(i) // IV
	}

	c, err := crypto.NewAESCipher(keyblobKey[:], crypto.ModeCTR)
	require.NoError(t, err)
	c.SetIV(enc[0x10:0x20])
	c.Transcode(enc[0x20:0xB0], blob[:], crypto.OpEncrypt)

	mac, err := crypto.CMAC(macKey[:], enc[0x10:0xB0])
	require.NoError(t, err)
	copy(enc[:0x10], mac)
	return enc
}

func baseStore(t *testing.T) (*Store, KeyBlob) {
	t.Helper()
	s := NewStore("")

	sbk := key128(0x11)
	tsec := key128(0x22)
	s.Set128(KindSecureBoot, sbk)
	s.Set128(KindTSEC, tsec)

	blobSource := key128(0x33)
	macSource := key128(0x44)
	masterSource := key128(0x55)
	s.Set128(KindSource, blobSource, uint64(SourceKeyblob), 0)
	s.Set128(KindSource, macSource, uint64(SourceKeyblobMAC))
	s.Set128(KindSource, masterSource, uint64(SourceMaster))

	var blob KeyBlob
	for i := range blob {
		blob[i] = byte(i * 3)
	}

	keyblobKey := DeriveKeyblobKey(sbk, tsec, blobSource)
	macKey := DeriveKeyblobMACKey(keyblobKey, macSource)
	s.SetEncryptedKeyBlob(0, buildEncryptedKeyblob(t, blob, keyblobKey, macKey))

	return s, blob
}

func TestDeriveBaseKeyblobPipeline(t *testing.T) {
	s, blob := baseStore(t)

	require.NoError(t, s.DeriveBase())

	got, ok := s.KeyBlobAt(0)
	require.True(t, ok)
	assert.Equal(t, blob, got)

	var wantPackage1 Key128
	copy(wantPackage1[:], blob[0x80:0x90])
	assert.Equal(t, wantPackage1, s.Get128(KindPackage1, 0))

	wantMaster := DeriveMasterKey(blob, key128(0x55))
	assert.Equal(t, wantMaster, s.Get128(KindMaster, 0))
}

func TestDeriveBaseSkipsBadMAC(t *testing.T) {
	s, _ := baseStore(t)

	// Corrupt the stored blob's MAC for revision 1 only.
	blobSource1 := key128(0x66)
	s.Set128(KindSource, blobSource1, uint64(SourceKeyblob), 1)
	var enc EncryptedKeyBlob
	enc[0] = 0xFF // wrong CMAC
	enc[0x20] = 1
	s.SetEncryptedKeyBlob(1, enc)

	require.NoError(t, s.DeriveBase())

	// Revision 0 derived, revision 1 skipped past the keyblob key.
	assert.True(t, s.Has128(KindMaster, 0))
	assert.True(t, s.Has128(KindKeyblob, 1))
	_, ok := s.KeyBlobAt(1)
	assert.False(t, ok)
	assert.False(t, s.Has128(KindMaster, 1))
}

func TestDeriveBaseRequiresConsoleKeys(t *testing.T) {
	s := NewStore("")
	assert.ErrorIs(t, s.DeriveBase(), ErrMissingKey)
}

func TestDeriveGeneralPurposeKeys(t *testing.T) {
	s, _ := baseStore(t)
	s.Set128(KindSource, key128(0x71), uint64(SourceAESKekGeneration))
	s.Set128(KindSource, key128(0x72), uint64(SourceAESKeyGeneration))
	s.Set128(KindSource, key128(0x73), uint64(SourceKeyAreaKey), uint64(KeyAreaApplication))
	s.Set128(KindSource, key128(0x74), uint64(SourceTitlekek))
	s.Set128(KindSource, key128(0x75), uint64(SourcePackage2))

	require.NoError(t, s.DeriveBase())

	master := s.Get128(KindMaster, 0)
	wantKak := GenerateKeyEncryptionKey(key128(0x73), master, key128(0x71), key128(0x72))
	assert.Equal(t, wantKak, s.Get128(KindKeyArea, 0, uint64(KeyAreaApplication)))
	assert.False(t, s.Has128(KindKeyArea, 0, uint64(KeyAreaOcean)))

	assert.Equal(t, ecbDecryptKey(key128(0x74), master), s.Get128(KindTitlekek, 0))
	assert.Equal(t, ecbDecryptKey(key128(0x75), master), s.Get128(KindPackage2, 0))
}

func TestDeriveHeaderKey(t *testing.T) {
	s, _ := baseStore(t)
	s.Set128(KindSource, key128(0x71), uint64(SourceAESKekGeneration))
	s.Set128(KindSource, key128(0x72), uint64(SourceAESKeyGeneration))
	s.Set128(KindSource, key128(0x76), uint64(SourceHeaderKek))

	var headerSource Key256
	for i := range headerSource {
		headerSource[i] = byte(0x80 + i)
	}
	s.Set256(KindHeaderSource, headerSource)

	require.NoError(t, s.DeriveBase())

	require.True(t, s.Has128(KindHeaderKek))
	require.True(t, s.Has256(KindHeader))

	kek := s.Get128(KindHeaderKek)
	want, err := crypto.ECBDecrypt(headerSource[:], kek[:])
	require.NoError(t, err)
	header := s.Get256(KindHeader)
	assert.Equal(t, want, header[:])
}

func TestDeriveBaseIdempotent(t *testing.T) {
	s, _ := baseStore(t)
	require.NoError(t, s.DeriveBase())
	master := s.Get128(KindMaster, 0)

	require.NoError(t, s.DeriveBase())
	assert.Equal(t, master, s.Get128(KindMaster, 0))
}

func TestDeriveETicket(t *testing.T) {
	s, _ := baseStore(t)
	require.NoError(t, s.DeriveBase())

	s.Set128(KindRSAKek, key128(0xA1), uint64(RSAKekSeed3))
	s.Set128(KindRSAKek, key128(0xB2), uint64(RSAKekMask0))
	s.Set128(KindSource, key128(0xC3), uint64(SourceETicketKek))
	s.Set128(KindSource, key128(0xD4), uint64(SourceETicketKekek))

	// Compute the kek the derivation should land on and wrap a known RSA
	// key blob under it.
	var oaepKek Key128
	for i := range oaepKek {
		oaepKek[i] = 0xA1 ^ 0xB2
	}
	master0 := s.Get128(KindMaster, 0)
	eticketKek := ecbDecryptKey(key128(0xC3), ecbDecryptKey(key128(0xD4), ecbDecryptKey(oaepKek, master0)))

	plain := make([]byte, 0x230)
	for i := range plain {
		plain[i] = byte(i * 7)
	}
	var wrapped [0x240]byte
	for i := 0; i < 0x10; i++ {
		wrapped[i] = byte(0xF0 + i) // IV
	}
	c, err := crypto.NewAESCipher(eticketKek[:], crypto.ModeCTR)
	require.NoError(t, err)
	c.SetIV(wrapped[:0x10])
	c.Transcode(wrapped[0x10:], plain, crypto.OpEncrypt)
	s.SetETicketExtendedKek(wrapped)

	require.NoError(t, s.DeriveETicket(nil))

	assert.Equal(t, eticketKek, s.Get128(KindETicketRSAKek))

	pair, ok := s.ETicketRSAKey()
	require.True(t, ok)
	assert.Equal(t, plain[:0x100], pair.D[:])
	assert.Equal(t, plain[0x100:0x200], pair.N[:])
	assert.Equal(t, plain[0x200:0x204], pair.E[:])
}

func TestDeriveSDKeys(t *testing.T) {
	s, _ := baseStore(t)
	s.Set128(KindSource, key128(0x71), uint64(SourceAESKekGeneration))
	s.Set128(KindSource, key128(0x72), uint64(SourceAESKeyGeneration))
	s.Set128(KindSource, key128(0x77), uint64(SourceSDKek))
	s.Set128(KindSDSeed, key128(0x99))

	var saveSource Key256
	for i := range saveSource {
		saveSource[i] = byte(i)
	}
	s.Set256(KindSDKeySource, saveSource, uint64(SDKeySave))

	require.NoError(t, s.DeriveBase())
	require.NoError(t, s.DeriveSDKeys())

	require.True(t, s.Has128(KindSDKek))
	require.True(t, s.Has256(KindSDKey, uint64(SDKeySave)))
	assert.False(t, s.Has256(KindSDKey, uint64(SDKeyNCA)))

	sdKek := s.Get128(KindSDKek)
	var mixed Key256
	seed := key128(0x99)
	for i := range mixed {
		mixed[i] = saveSource[i] ^ seed[i&0xF]
	}
	want, err := crypto.ECBDecrypt(mixed[:], sdKek[:])
	require.NoError(t, err)
	got := s.Get256(KindSDKey, uint64(SDKeySave))
	assert.Equal(t, want, got[:])
}

func TestDeriveSDSeed(t *testing.T) {
	private := make([]byte, 16)
	for i := range private {
		private[i] = byte(0x60 + i)
	}

	save := make([]byte, 256)
	copy(save[100:], private)
	for i := 0; i < 16; i++ {
		save[116+i] = byte(0xE0 + i)
	}

	seed, err := DeriveSDSeed(private, save)
	require.NoError(t, err)
	assert.Equal(t, byte(0xE0), seed[0])
	assert.Equal(t, byte(0xEF), seed[15])

	_, err = DeriveSDSeed(private, make([]byte, 64))
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestLoadSDSeed(t *testing.T) {
	private := make([]byte, 16)
	for i := range private {
		private[i] = byte(0x30 + i)
	}
	seed := key128(0xD7)

	save := make([]byte, 128)
	copy(save[40:], private)
	copy(save[56:], seed[:])

	s := NewStore("")
	require.NoError(t, s.LoadSDSeed(private, save))
	assert.Equal(t, seed, s.Get128(KindSDSeed))

	s2 := NewStore("")
	err := s2.LoadSDSeed(private, make([]byte, 32))
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.False(t, s2.Has128(KindSDSeed))
}

func TestScanForKey(t *testing.T) {
	data := make([]byte, 512)
	needle := key128(0x5A)
	copy(data[300:], needle[:])

	hash := crypto.SHA256(needle[:])
	found, ok := ScanForKey(data, hash)
	require.True(t, ok)
	assert.Equal(t, needle, found)

	// A scan over data without the needle also "finds" the all-zero window
	// only if its hash is requested; an unrelated hash misses.
	_, ok = ScanForKey(data[:100], hash)
	assert.False(t, ok)
}
