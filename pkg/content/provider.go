package content

import (
	"fmt"

	"github.com/falk/nxcontent/pkg/cnmt"
	"github.com/falk/nxcontent/pkg/fs"
	"github.com/falk/nxcontent/pkg/keys"
	"github.com/falk/nxcontent/pkg/vfs"
)

// Provider answers content queries for (title id, kind) keys.
type Provider interface {
	Has(titleID uint64, kind cnmt.ContentType) bool
	Version(titleID uint64) (uint32, bool)
	GetEntryUnparsed(titleID uint64, kind cnmt.ContentType) vfs.File
	GetEntryRaw(titleID uint64, kind cnmt.ContentType) vfs.File
	GetEntry(titleID uint64, kind cnmt.ContentType) (*fs.NCA, error)
	List(filter Filter) []Entry
}

var _ Provider = (*RegisteredCache)(nil)

// Slot identifies where a provider's content lives.
type Slot int

const (
	SlotSysNAND Slot = iota
	SlotUserNAND
	SlotSDMC
	SlotFrontendManual
	slotCount
)

func (s Slot) String() string {
	switch s {
	case SlotSysNAND:
		return "sysnand"
	case SlotUserNAND:
		return "usernand"
	case SlotSDMC:
		return "sdmc"
	case SlotFrontendManual:
		return "manual"
	}
	return fmt.Sprintf("slot %d", int(s))
}

// UnionProvider fans queries out over its occupied slots in slot order and
// returns the first hit. Listings are concatenated and deduplicated by
// (title id, kind).
type UnionProvider struct {
	slots [slotCount]Provider
}

var _ Provider = (*UnionProvider)(nil)

func NewUnionProvider() *UnionProvider {
	return &UnionProvider{}
}

// SetSlot installs p into the slot, replacing any previous provider.
func (u *UnionProvider) SetSlot(slot Slot, p Provider) {
	u.slots[slot] = p
}

// ClearSlot empties the slot.
func (u *UnionProvider) ClearSlot(slot Slot) {
	u.slots[slot] = nil
}

// Slot returns the provider occupying slot, or nil.
func (u *UnionProvider) Slot(slot Slot) Provider {
	return u.slots[slot]
}

func (u *UnionProvider) Has(titleID uint64, kind cnmt.ContentType) bool {
	for _, p := range u.slots {
		if p != nil && p.Has(titleID, kind) {
			return true
		}
	}
	return false
}

func (u *UnionProvider) Version(titleID uint64) (uint32, bool) {
	for _, p := range u.slots {
		if p == nil {
			continue
		}
		if v, ok := p.Version(titleID); ok {
			return v, true
		}
	}
	return 0, false
}

func (u *UnionProvider) GetEntryUnparsed(titleID uint64, kind cnmt.ContentType) vfs.File {
	for _, p := range u.slots {
		if p == nil {
			continue
		}
		if f := p.GetEntryUnparsed(titleID, kind); f != nil {
			return f
		}
	}
	return nil
}

func (u *UnionProvider) GetEntryRaw(titleID uint64, kind cnmt.ContentType) vfs.File {
	for _, p := range u.slots {
		if p == nil {
			continue
		}
		if f := p.GetEntryRaw(titleID, kind); f != nil {
			return f
		}
	}
	return nil
}

func (u *UnionProvider) GetEntry(titleID uint64, kind cnmt.ContentType) (*fs.NCA, error) {
	for _, p := range u.slots {
		if p == nil {
			continue
		}
		if n, err := p.GetEntry(titleID, kind); err == nil {
			return n, nil
		}
	}
	return nil, fmt.Errorf("content: no provider has %016x kind %d", titleID, kind)
}

func (u *UnionProvider) List(filter Filter) []Entry {
	type key struct {
		titleID uint64
		kind    cnmt.ContentType
	}
	seen := make(map[key]bool)

	var out []Entry
	for _, p := range u.slots {
		if p == nil {
			continue
		}
		for _, e := range p.List(filter) {
			k := key{e.TitleID, e.Type}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, e)
		}
	}
	return out
}

// manualKey addresses one entry of a ManualProvider.
type manualKey struct {
	titleType  cnmt.TitleType
	recordType cnmt.ContentType
	titleID    uint64
}

// ManualProvider is an in-memory provider fed directly by the frontend.
type ManualProvider struct {
	store   *keys.Store
	entries map[manualKey]vfs.File
}

var _ Provider = (*ManualProvider)(nil)

func NewManualProvider(store *keys.Store) *ManualProvider {
	return &ManualProvider{
		store:   store,
		entries: make(map[manualKey]vfs.File),
	}
}

// AddEntry registers file under the composite key.
func (m *ManualProvider) AddEntry(titleType cnmt.TitleType, recordType cnmt.ContentType, titleID uint64, file vfs.File) {
	m.entries[manualKey{titleType, recordType, titleID}] = file
}

// RemoveEntry drops the entry for the composite key, across title types.
func (m *ManualProvider) RemoveEntry(recordType cnmt.ContentType, titleID uint64) {
	for k := range m.entries {
		if k.recordType == recordType && k.titleID == titleID {
			delete(m.entries, k)
		}
	}
}

// ClearAllEntries empties the provider.
func (m *ManualProvider) ClearAllEntries() {
	m.entries = make(map[manualKey]vfs.File)
}

func (m *ManualProvider) lookup(titleID uint64, kind cnmt.ContentType) vfs.File {
	for k, f := range m.entries {
		if k.titleID == titleID && k.recordType == kind {
			return f
		}
	}
	return nil
}

func (m *ManualProvider) Has(titleID uint64, kind cnmt.ContentType) bool {
	return m.lookup(titleID, kind) != nil
}

func (m *ManualProvider) Version(titleID uint64) (uint32, bool) {
	return 0, false
}

func (m *ManualProvider) GetEntryUnparsed(titleID uint64, kind cnmt.ContentType) vfs.File {
	return m.lookup(titleID, kind)
}

func (m *ManualProvider) GetEntryRaw(titleID uint64, kind cnmt.ContentType) vfs.File {
	return m.lookup(titleID, kind)
}

func (m *ManualProvider) GetEntry(titleID uint64, kind cnmt.ContentType) (*fs.NCA, error) {
	file := m.lookup(titleID, kind)
	if file == nil {
		return nil, fmt.Errorf("content: no manual entry for %016x kind %d", titleID, kind)
	}
	return fs.Open(file, m.store)
}

func (m *ManualProvider) List(filter Filter) []Entry {
	var out []Entry
	for k := range m.entries {
		e := Entry{TitleID: k.titleID, TitleType: k.titleType, Type: k.recordType}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}
