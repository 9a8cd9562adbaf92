package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const autogenBanner = `# This file is autogenerated by nxcontent
# It serves to store keys that were automatically generated from the normal keys
# If any of these are strange or incorrect, check those before assuming these are correct
`

// Load reads key assignments from a reader.
// Format expected: key_name = HEXVALUE, one per line; '#' lines and lines
// without exactly one '=' are ignored.
func (s *Store) Load(r io.Reader) error {
	return s.load(r, false)
}

// LoadTitleKeys reads a title-key file where the left-hand side of each
// assignment is a 32-hex-digit rights id.
func (s *Store) LoadTitleKeys(r io.Reader) error {
	return s.load(r, true)
}

func (s *Store) load(r io.Reader, titleKeys bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.Count(line, "=") != 1 {
			continue
		}
		parts := strings.SplitN(line, "=", 2)

		name := strings.TrimSpace(parts[0])
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}

		if titleKeys {
			s.loadTitleKeyLine(name, val)
		} else {
			s.loadKeyLine(name, val)
		}
	}
	return scanner.Err()
}

func (s *Store) loadTitleKeyLine(name string, val []byte) {
	rid, err := hex.DecodeString(name)
	if err != nil || len(rid) != 16 || len(val) != 16 {
		return
	}
	var rightsID [16]byte
	copy(rightsID[:], rid)
	var key Key128
	copy(key[:], val)
	s.SetTitleKey(rightsID, key)
}

func (s *Store) loadKeyLine(name string, val []byte) {
	lower := strings.ToLower(name)

	// Blob-sized entries have no fixed-width key form.
	switch {
	case lower == "eticket_extended_kek":
		if len(val) == 0x240 {
			var blob [0x240]byte
			copy(blob[:], val)
			s.SetETicketExtendedKek(blob)
		}
		return
	case strings.HasPrefix(lower, "encrypted_keyblob_"):
		if rev, ok := matchIndexed(lower, "encrypted_keyblob_"); ok && len(val) == 0xB0 {
			var blob EncryptedKeyBlob
			copy(blob[:], val)
			s.SetEncryptedKeyBlob(int(rev), blob)
		}
		return
	case strings.HasPrefix(lower, "keyblob_") && !strings.HasPrefix(lower, "keyblob_key") && !strings.HasPrefix(lower, "keyblob_mac"):
		if rev, ok := matchIndexed(lower, "keyblob_"); ok && len(val) == 0x90 {
			var blob KeyBlob
			copy(blob[:], val)
			s.setKeyBlobQuiet(int(rev), blob)
		}
		return
	}

	id, ok := lookupKeyName(lower)
	if !ok {
		return
	}

	switch {
	case id.bits == 128 && len(val) == 16:
		var key Key128
		copy(key[:], val)
		s.Set128(id.kind, key, id.field1, id.field2)
	case id.bits == 256 && len(val) == 32:
		var key Key256
		copy(key[:], val)
		s.Set256(id.kind, key, id.field1, id.field2)
	}
}

// setKeyBlobQuiet stores a keyblob without writing it back to the
// autogenerated console file; used when the blob came from a file already.
func (s *Store) setKeyBlobQuiet(revision int, blob KeyBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyblobs[revision]; !ok {
		s.keyblobs[revision] = blob
	}
}

// LoadDir loads every recognized key file in a directory: prod.keys or
// dev.keys (plus their autogenerated siblings), title.keys and
// console.keys.
func (s *Store) LoadDir(dir string) error {
	loaded := false

	standard := []string{"prod.keys", "dev.keys", "prod.keys_autogenerated", "dev.keys_autogenerated",
		"console.keys", "console.keys_autogenerated"}
	for _, name := range standard {
		if s.loadFile(filepath.Join(dir, name), false) {
			loaded = true
		}
	}
	for _, name := range []string{"title.keys", "title.keys_autogenerated"} {
		if s.loadFile(filepath.Join(dir, name), true) {
			loaded = true
		}
	}

	if !loaded {
		return fmt.Errorf("no key files found in %s", dir)
	}
	return nil
}

// LoadDefault tries to load keys from standard locations.
func (s *Store) LoadDefault() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	dirs := []string{
		".",
		filepath.Join(home, ".switch"),
	}
	for _, dir := range dirs {
		if err := s.LoadDir(dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no keys file found")
}

func (s *Store) loadFile(path string, titleKeys bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return s.load(f, titleKeys) == nil
}

// persistKey appends a freshly inserted key to the right autogenerated file
// when its index has a named form.
func (s *Store) persistKey(idx KeyIndex, key []byte) {
	if s.dir == "" {
		return
	}
	name := keyFileName(idx)
	if name == "" {
		return
	}
	s.persistBlob(name, categoryOf(idx.Kind), key)
}

func (s *Store) persistBlob(name string, category fileCategory, data []byte) {
	if s.dir == "" {
		return
	}

	var filename string
	switch category {
	case categoryTitle:
		filename = "title.keys_autogenerated"
	case categoryConsole:
		filename = "console.keys_autogenerated"
	default:
		if s.dev {
			filename = "dev.keys_autogenerated"
		} else {
			filename = "prod.keys_autogenerated"
		}
	}

	path := filepath.Join(s.dir, filename)
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	if os.IsNotExist(statErr) {
		fmt.Fprint(f, autogenBanner)
	}
	fmt.Fprintf(f, "\n%s = %s\n", name, hex.EncodeToString(data))
}
