package keys

import (
	"encoding/hex"
	"fmt"
	"strings"
)

type fileCategory int

const (
	categoryStandard fileCategory = iota
	categoryConsole
	categoryTitle
)

type keyID struct {
	kind   Kind
	field1 uint64
	field2 uint64
	bits   int
}

// fixedKeyNames maps recognized fixed-length key-file names to store
// indices. Matching is case-insensitive; see lookupKeyName.
var fixedKeyNames = map[string]keyID{
	"eticket_rsa_kek":        {KindETicketRSAKek, 0, 0, 128},
	"eticket_rsa_kek_source": {KindSource, uint64(SourceETicketKek), 0, 128},
	"eticket_rsa_kekek_source": {
		KindSource, uint64(SourceETicketKekek), 0, 128},
	"rsa_oaep_kek_generation_source": {
		KindSource, uint64(SourceRSAOaepKekGeneration), 0, 128},
	"sd_card_kek_source":        {KindSource, uint64(SourceSDKek), 0, 128},
	"aes_kek_generation_source": {KindSource, uint64(SourceAESKekGeneration), 0, 128},
	"aes_key_generation_source": {KindSource, uint64(SourceAESKeyGeneration), 0, 128},
	"package2_key_source":       {KindSource, uint64(SourcePackage2), 0, 128},
	"master_key_source":         {KindSource, uint64(SourceMaster), 0, 128},
	"header_kek_source":         {KindSource, uint64(SourceHeaderKek), 0, 128},
	"key_area_key_application_source": {
		KindSource, uint64(SourceKeyAreaKey), uint64(KeyAreaApplication), 128},
	"key_area_key_ocean_source": {
		KindSource, uint64(SourceKeyAreaKey), uint64(KeyAreaOcean), 128},
	"key_area_key_system_source": {
		KindSource, uint64(SourceKeyAreaKey), uint64(KeyAreaSystem), 128},
	"titlekek_source":        {KindSource, uint64(SourceTitlekek), 0, 128},
	"keyblob_mac_key_source": {KindSource, uint64(SourceKeyblobMAC), 0, 128},

	"rsa_kek_mask_0": {KindRSAKek, uint64(RSAKekMask0), 0, 128},
	"rsa_kek_seed_3": {KindRSAKek, uint64(RSAKekSeed3), 0, 128},

	"sd_seed":         {KindSDSeed, 0, 0, 128},
	"tsec_key":        {KindTSEC, 0, 0, 128},
	"secure_boot_key": {KindSecureBoot, 0, 0, 128},
	"header_kek":      {KindHeaderKek, 0, 0, 128},
	"sd_card_kek":     {KindSDKek, 0, 0, 128},

	"header_key":        {KindHeader, 0, 0, 256},
	"header_key_source": {KindHeaderSource, 0, 0, 256},
	"sd_card_save_key":  {KindSDKey, uint64(SDKeySave), 0, 256},
	"sd_card_nca_key":   {KindSDKey, uint64(SDKeyNCA), 0, 256},
	"sd_card_save_key_source": {
		KindSDKeySource, uint64(SDKeySave), 0, 256},
	"sd_card_nca_key_source": {
		KindSDKeySource, uint64(SDKeyNCA), 0, 256},
}

func init() {
	for part := uint64(0); part < 4; part++ {
		fixedKeyNames[fmt.Sprintf("bis_key_%d_crypt", part)] = keyID{KindBIS, part, uint64(BISCrypt), 128}
		fixedKeyNames[fmt.Sprintf("bis_key_%d_tweak", part)] = keyID{KindBIS, part, uint64(BISTweak), 128}
	}
}

// indexedKeyPatterns are the variable-indexed key-file names. The %02x
// placeholder carries a crypto revision in [0, 0x20).
var indexedKeyPatterns = []struct {
	prefix string
	id     func(rev uint64) keyID
}{
	{"master_key_", func(rev uint64) keyID { return keyID{KindMaster, rev, 0, 128} }},
	{"package1_key_", func(rev uint64) keyID { return keyID{KindPackage1, rev, 0, 128} }},
	{"package2_key_", func(rev uint64) keyID { return keyID{KindPackage2, rev, 0, 128} }},
	{"titlekek_", func(rev uint64) keyID { return keyID{KindTitlekek, rev, 0, 128} }},
	{"keyblob_key_source_", func(rev uint64) keyID {
		return keyID{KindSource, uint64(SourceKeyblob), rev, 128}
	}},
	{"keyblob_key_", func(rev uint64) keyID { return keyID{KindKeyblob, rev, 0, 128} }},
	{"keyblob_mac_key_", func(rev uint64) keyID { return keyID{KindKeyblobMAC, rev, 0, 128} }},
	{"key_area_key_application_", func(rev uint64) keyID {
		return keyID{KindKeyArea, rev, uint64(KeyAreaApplication), 128}
	}},
	{"key_area_key_ocean_", func(rev uint64) keyID {
		return keyID{KindKeyArea, rev, uint64(KeyAreaOcean), 128}
	}},
	{"key_area_key_system_", func(rev uint64) keyID {
		return keyID{KindKeyArea, rev, uint64(KeyAreaSystem), 128}
	}},
}

// lookupKeyName resolves a key-file assignment name. Returns ok=false when
// the name is not recognized.
func lookupKeyName(name string) (keyID, bool) {
	name = strings.ToLower(name)
	if id, ok := fixedKeyNames[name]; ok {
		return id, true
	}
	for _, pattern := range indexedKeyPatterns {
		if rev, ok := matchIndexed(name, pattern.prefix); ok {
			return pattern.id(rev), true
		}
	}
	return keyID{}, false
}

// matchIndexed matches prefix followed by exactly two hex digits.
func matchIndexed(name, prefix string) (uint64, bool) {
	if len(name) != len(prefix)+2 || !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	var rev uint64
	for _, c := range name[len(prefix):] {
		d, ok := hexDigit(c)
		if !ok {
			return 0, false
		}
		rev = rev<<4 | d
	}
	return rev, true
}

func hexDigit(c rune) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10, true
	}
	return 0, false
}

// keyFileName builds the canonical key-file name for a store index, or ""
// when the index has no named form.
func keyFileName(idx KeyIndex) string {
	switch idx.Kind {
	case KindMaster:
		return fmt.Sprintf("master_key_%02x", idx.Field1)
	case KindPackage1:
		return fmt.Sprintf("package1_key_%02x", idx.Field1)
	case KindPackage2:
		return fmt.Sprintf("package2_key_%02x", idx.Field1)
	case KindTitlekek:
		return fmt.Sprintf("titlekek_%02x", idx.Field1)
	case KindKeyblob:
		return fmt.Sprintf("keyblob_key_%02x", idx.Field1)
	case KindKeyblobMAC:
		return fmt.Sprintf("keyblob_mac_key_%02x", idx.Field1)
	case KindKeyArea:
		switch KeyAreaKeyType(idx.Field2) {
		case KeyAreaApplication:
			return fmt.Sprintf("key_area_key_application_%02x", idx.Field1)
		case KeyAreaOcean:
			return fmt.Sprintf("key_area_key_ocean_%02x", idx.Field1)
		case KeyAreaSystem:
			return fmt.Sprintf("key_area_key_system_%02x", idx.Field1)
		}
	case KindBIS:
		switch BISKeyPart(idx.Field2) {
		case BISCrypt:
			return fmt.Sprintf("bis_key_%d_crypt", idx.Field1)
		case BISTweak:
			return fmt.Sprintf("bis_key_%d_tweak", idx.Field1)
		}
	case KindTitlekey:
		rid := joinRightsID(idx.Field1, idx.Field2)
		return hex.EncodeToString(rid[:])
	}

	for name, id := range fixedKeyNames {
		if id.kind == idx.Kind && id.field1 == idx.Field1 && id.field2 == idx.Field2 {
			return name
		}
	}
	return ""
}

func keyblobName(revision int) string {
	return fmt.Sprintf("keyblob_%02x", revision)
}

// categoryOf selects which autogenerated key file an index belongs to:
// title keys, console-bound keys, or the standard file.
func categoryOf(kind Kind) fileCategory {
	switch kind {
	case KindTitlekey:
		return categoryTitle
	case KindKeyblob, KindKeyblobMAC, KindTSEC, KindSecureBoot, KindSDSeed, KindBIS:
		return categoryConsole
	default:
		return categoryStandard
	}
}
