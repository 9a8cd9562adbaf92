package keys

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/falk/nxcontent/pkg/crypto"
)

var (
	// ErrMissingKey indicates a derivation input is not in the store.
	ErrMissingKey = errors.New("keys: required key not present")
	// ErrKeyVerifyFailed indicates a keyblob failed CMAC verification.
	ErrKeyVerifyFailed = errors.New("keys: keyblob MAC verification failed")
	// ErrBadCalibration indicates a PRODINFO partition without the CAL0
	// magic, even after decryption.
	ErrBadCalibration = errors.New("keys: calibration data not recognized")
)

const maxCryptoRevision = 0x20

func ecbDecryptKey(data, key Key128) Key128 {
	out, err := crypto.ECBDecrypt(data[:], key[:])
	if err != nil {
		return Key128{}
	}
	var k Key128
	copy(k[:], out)
	return k
}

// GenerateKeyEncryptionKey runs the generic KEK chain: decrypt kekSeed under
// master, decrypt source under the result, and, when keySeed is non-zero,
// decrypt keySeed under that.
func GenerateKeyEncryptionKey(source, master, kekSeed, keySeed Key128) Key128 {
	kek := ecbDecryptKey(kekSeed, master)
	out := ecbDecryptKey(source, kek)
	if !keySeed.IsZero() {
		out = ecbDecryptKey(keySeed, out)
	}
	return out
}

// DeriveKeyblobKey unwraps a per-revision keyblob key: the source decrypted
// under the TSEC key and then under the secure boot key.
func DeriveKeyblobKey(sbk, tsec, source Key128) Key128 {
	return ecbDecryptKey(ecbDecryptKey(source, tsec), sbk)
}

// DeriveMasterKey derives a master key from a decrypted keyblob; the root
// key is the blob's first 16 bytes.
func DeriveMasterKey(blob KeyBlob, masterSource Key128) Key128 {
	var root Key128
	copy(root[:], blob[:16])
	return ecbDecryptKey(masterSource, root)
}

// DeriveKeyblobMACKey derives the CMAC key protecting an encrypted keyblob.
func DeriveKeyblobMACKey(keyblobKey, macSource Key128) Key128 {
	return ecbDecryptKey(macSource, keyblobKey)
}

// DecryptKeyblob decrypts the 0x90-byte keyblob payload out of its NAND
// form, using the embedded IV.
func DecryptKeyblob(enc EncryptedKeyBlob, key Key128) (KeyBlob, error) {
	c, err := crypto.NewAESCipher(key[:], crypto.ModeCTR)
	if err != nil {
		return KeyBlob{}, err
	}
	c.SetIV(enc[0x10:0x20])

	var out KeyBlob
	c.Transcode(out[:], enc[0x20:0xB0], crypto.OpDecrypt)
	return out, nil
}

// VerifyKeyblob checks the leading CMAC of an encrypted keyblob against its
// IV and ciphertext under the per-revision MAC key.
func VerifyKeyblob(enc EncryptedKeyBlob, macKey Key128) bool {
	mac, err := crypto.CMAC(macKey[:], enc[0x10:0xB0])
	if err != nil {
		return false
	}
	return bytes.Equal(mac, enc[:0x10])
}

// DeriveBase walks the keyblob pipeline for every crypto revision whose
// inputs are present, producing keyblob keys, package1 keys, master keys,
// the general purpose key families and the NCA header key.
//
// The pipeline is idempotent: repeated calls only derive keys whose inputs
// appeared since the previous call. Revisions failing MAC verification are
// skipped without failing the rest.
func (s *Store) DeriveBase() error {
	s.populateBISSubstitutes()

	sbk := s.Get128(KindSecureBoot)
	tsec := s.Get128(KindTSEC)
	if sbk.IsZero() || tsec.IsZero() {
		return fmt.Errorf("%w: secure_boot_key or tsec_key", ErrMissingKey)
	}

	masterSource := s.Get128(KindSource, uint64(SourceMaster))
	macSource := s.Get128(KindSource, uint64(SourceKeyblobMAC))

	for i := 0; i < maxCryptoRevision; i++ {
		source := s.Get128(KindSource, uint64(SourceKeyblob), uint64(i))
		enc, ok := s.EncryptedKeyBlobAt(i)
		if source.IsZero() || !ok {
			continue
		}

		keyblobKey := DeriveKeyblobKey(sbk, tsec, source)
		s.Set128(KindKeyblob, keyblobKey, uint64(i))

		if !macSource.IsZero() {
			macKey := DeriveKeyblobMACKey(keyblobKey, macSource)
			s.Set128(KindKeyblobMAC, macKey, uint64(i))
			if !VerifyKeyblob(enc, macKey) {
				continue
			}
		}

		blob, err := DecryptKeyblob(enc, keyblobKey)
		if err != nil {
			continue
		}
		s.SetKeyBlob(i, blob)

		var package1 Key128
		copy(package1[:], blob[0x80:0x90])
		s.Set128(KindPackage1, package1, uint64(i))

		if !masterSource.IsZero() {
			s.Set128(KindMaster, DeriveMasterKey(blob, masterSource), uint64(i))
		}
	}

	for i := 0; i < maxCryptoRevision; i++ {
		if s.Has128(KindMaster, uint64(i)) {
			s.deriveGeneralPurposeKeys(i)
		}
	}

	s.deriveHeaderKey()
	return nil
}

// deriveGeneralPurposeKeys derives the key-area keys, titlekek and package2
// key for one crypto revision.
func (s *Store) deriveGeneralPurposeKeys(revision int) {
	master := s.Get128(KindMaster, uint64(revision))
	kekGen := s.Get128(KindSource, uint64(SourceAESKekGeneration))
	keyGen := s.Get128(KindSource, uint64(SourceAESKeyGeneration))

	if !kekGen.IsZero() && !keyGen.IsZero() {
		for _, area := range []KeyAreaKeyType{KeyAreaApplication, KeyAreaOcean, KeyAreaSystem} {
			source := s.Get128(KindSource, uint64(SourceKeyAreaKey), uint64(area))
			if source.IsZero() {
				continue
			}
			key := GenerateKeyEncryptionKey(source, master, kekGen, keyGen)
			s.Set128(KindKeyArea, key, uint64(revision), uint64(area))
		}
	}

	if source := s.Get128(KindSource, uint64(SourceTitlekek)); !source.IsZero() {
		s.Set128(KindTitlekek, ecbDecryptKey(source, master), uint64(revision))
	}
	if source := s.Get128(KindSource, uint64(SourcePackage2)); !source.IsZero() {
		s.Set128(KindPackage2, ecbDecryptKey(source, master), uint64(revision))
	}
}

// deriveHeaderKey derives the 256-bit NCA header key from master key 0 and
// the header kek/key sources.
func (s *Store) deriveHeaderKey() {
	master0 := s.Get128(KindMaster, 0)
	kekSource := s.Get128(KindSource, uint64(SourceHeaderKek))
	headerSource := s.Get256(KindHeaderSource)
	kekGen := s.Get128(KindSource, uint64(SourceAESKekGeneration))
	keyGen := s.Get128(KindSource, uint64(SourceAESKeyGeneration))

	if master0.IsZero() || kekSource.IsZero() || headerSource.IsZero() {
		return
	}

	kek := GenerateKeyEncryptionKey(kekSource, master0, kekGen, keyGen)
	s.Set128(KindHeaderKek, kek)

	out, err := crypto.ECBDecrypt(headerSource[:], kek[:])
	if err != nil {
		return
	}
	var header Key256
	copy(header[:], out)
	s.Set256(KindHeader, header)
}

// populateBISSubstitutes copies BIS keys between partitions 2 and 3, which
// are interchangeable, when exactly one of the pair is present.
func (s *Store) populateBISSubstitutes() {
	for _, part := range []BISKeyPart{BISCrypt, BISTweak} {
		k2 := s.Get128(KindBIS, 2, uint64(part))
		k3 := s.Get128(KindBIS, 3, uint64(part))
		if !k2.IsZero() && k3.IsZero() {
			s.Set128(KindBIS, k2, 3, uint64(part))
		} else if k2.IsZero() && !k3.IsZero() {
			s.Set128(KindBIS, k3, 2, uint64(part))
		}
	}
}

// DeriveETicket derives the ETicket RSA kek and, when the PRODINFO extended
// kek is present, the personalization RSA-2048 key pair. esMain is the
// firmware es title's main executable, scanned for the two kek sources when
// they are not already in the store.
func (s *Store) DeriveETicket(esMain []byte) error {
	master0 := s.Get128(KindMaster, 0)
	if master0.IsZero() {
		return fmt.Errorf("%w: master_key_00", ErrMissingKey)
	}

	kekSource := s.Get128(KindSource, uint64(SourceETicketKek))
	kekekSource := s.Get128(KindSource, uint64(SourceETicketKekek))
	if kekSource.IsZero() && esMain != nil {
		if found, ok := ScanForKey(esMain, eticketRSAKekSourceHash); ok {
			kekSource = found
			s.Set128(KindSource, found, uint64(SourceETicketKek))
		}
	}
	if kekekSource.IsZero() && esMain != nil {
		if found, ok := ScanForKey(esMain, eticketRSAKekekSourceHash); ok {
			kekekSource = found
			s.Set128(KindSource, found, uint64(SourceETicketKekek))
		}
	}
	if kekSource.IsZero() || kekekSource.IsZero() {
		return fmt.Errorf("%w: eticket_rsa_kek(ek)_source", ErrMissingKey)
	}

	seed3 := s.Get128(KindRSAKek, uint64(RSAKekSeed3))
	mask0 := s.Get128(KindRSAKek, uint64(RSAKekMask0))
	if seed3.IsZero() || mask0.IsZero() {
		return fmt.Errorf("%w: rsa_kek_seed_3 or rsa_kek_mask_0", ErrMissingKey)
	}

	var oaepKek Key128
	for i := range oaepKek {
		oaepKek[i] = seed3[i] ^ mask0[i]
	}
	if oaepKek.IsZero() {
		return fmt.Errorf("%w: rsa_oaep_kek", ErrMissingKey)
	}
	s.Set128(KindSource, oaepKek, uint64(SourceRSAOaepKekGeneration))

	tempKek := ecbDecryptKey(oaepKek, master0)
	tempKekek := ecbDecryptKey(kekekSource, tempKek)
	eticketKek := ecbDecryptKey(kekSource, tempKekek)
	s.Set128(KindETicketRSAKek, eticketKek)

	blob, ok := s.ETicketExtendedKek()
	if !ok {
		return nil
	}

	c, err := crypto.NewAESCipher(eticketKek[:], crypto.ModeCTR)
	if err != nil {
		return err
	}
	c.SetIV(blob[:0x10])
	out := make([]byte, 0x230)
	c.Transcode(out, blob[0x10:0x240], crypto.OpDecrypt)

	pair := &RSAKeyPair{}
	copy(pair.D[:], out[:0x100])
	copy(pair.N[:], out[0x100:0x200])
	copy(pair.E[:], out[0x200:0x204])

	s.mu.Lock()
	if s.eticketRSA == nil {
		s.eticketRSA = pair
	}
	s.mu.Unlock()
	return nil
}

// DeriveSDKeys derives the two 256-bit SD card keys from the SD seed and
// the SD kek chain.
func (s *Store) DeriveSDKeys() error {
	master0 := s.Get128(KindMaster, 0)
	sdKekSource := s.Get128(KindSource, uint64(SourceSDKek))
	kekGen := s.Get128(KindSource, uint64(SourceAESKekGeneration))
	keyGen := s.Get128(KindSource, uint64(SourceAESKeyGeneration))
	if master0.IsZero() || sdKekSource.IsZero() || kekGen.IsZero() || keyGen.IsZero() {
		return fmt.Errorf("%w: sd kek inputs", ErrMissingKey)
	}

	sdKek := GenerateKeyEncryptionKey(sdKekSource, master0, kekGen, keyGen)
	s.Set128(KindSDKek, sdKek)

	seed := s.Get128(KindSDSeed)
	if seed.IsZero() {
		return fmt.Errorf("%w: sd_seed", ErrMissingKey)
	}

	for _, t := range []SDKeyType{SDKeySave, SDKeyNCA} {
		source := s.Get256(KindSDKeySource, uint64(t))
		if source.IsZero() {
			continue
		}
		var mixed Key256
		for i := range mixed {
			mixed[i] = source[i] ^ seed[i&0xF]
		}

		out, err := crypto.ECBDecrypt(mixed[:], sdKek[:])
		if err != nil {
			continue
		}
		var key Key256
		copy(key[:], out)
		s.Set256(KindSDKey, key, uint64(t))
	}
	return nil
}

// DeriveSDSeed recovers the SD seed by locating the contents of the SD
// private file inside the system save and reading the 16 bytes that follow.
func DeriveSDSeed(private, save []byte) (Key128, error) {
	if len(private) < 16 {
		return Key128{}, fmt.Errorf("%w: sd private file too short", ErrMissingKey)
	}
	needle := private[:16]

	for off := 0; off+32 <= len(save); off++ {
		if bytes.Equal(save[off:off+16], needle) {
			var seed Key128
			copy(seed[:], save[off+16:off+32])
			return seed, nil
		}
	}
	return Key128{}, fmt.Errorf("%w: sd seed not found in system save", ErrMissingKey)
}

// LoadSDSeed recovers the SD seed from the SD private file and its system
// save and stores it for DeriveSDKeys.
func (s *Store) LoadSDSeed(private, save []byte) error {
	seed, err := DeriveSDSeed(private, save)
	if err != nil {
		return err
	}
	s.Set128(KindSDSeed, seed)
	return nil
}
