package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/falk/nxcontent/pkg/cnmt"
	"github.com/falk/nxcontent/pkg/vfs"
)

func TestUnionProviderSlotOrder(t *testing.T) {
	s := testStore(t)

	sys, _, _ := installedCache(t, s, testTitleID, 0x10000)
	sd, _, _ := installedCache(t, s, testTitleID, 0x30000)

	u := NewUnionProvider()
	u.SetSlot(SlotSDMC, sd)
	u.SetSlot(SlotSysNAND, sys)

	// SysNAND outranks SDMC regardless of registration order.
	v, ok := u.Version(testTitleID)
	require.True(t, ok)
	assert.Equal(t, uint32(0x10000), v)

	assert.True(t, u.Has(testTitleID, cnmt.ContentProgram))
	assert.NotNil(t, u.GetEntryRaw(testTitleID, cnmt.ContentProgram))

	// Listings concatenate but deduplicate by (title id, kind).
	assert.Len(t, u.List(Filter{}), 1)

	u.ClearSlot(SlotSysNAND)
	v, ok = u.Version(testTitleID)
	require.True(t, ok)
	assert.Equal(t, uint32(0x30000), v)
}

func TestUnionProviderEmpty(t *testing.T) {
	u := NewUnionProvider()

	assert.False(t, u.Has(1, cnmt.ContentProgram))
	_, ok := u.Version(1)
	assert.False(t, ok)
	assert.Nil(t, u.GetEntryRaw(1, cnmt.ContentProgram))
	_, err := u.GetEntry(1, cnmt.ContentProgram)
	assert.Error(t, err)
	assert.Empty(t, u.List(Filter{}))
}

func TestManualProvider(t *testing.T) {
	s := testStore(t)
	m := NewManualProvider(s)

	file := vfs.NewVectorFile("manual.nca", []byte("data"))
	m.AddEntry(cnmt.TitleTypeApplication, cnmt.ContentProgram, testTitleID, file)

	assert.True(t, m.Has(testTitleID, cnmt.ContentProgram))
	assert.False(t, m.Has(testTitleID, cnmt.ContentControl))
	assert.Equal(t, file, m.GetEntryRaw(testTitleID, cnmt.ContentProgram))

	_, ok := m.Version(testTitleID)
	assert.False(t, ok)

	entries := m.List(Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, testTitleID, entries[0].TitleID)

	kind := cnmt.ContentProgram
	assert.Len(t, m.List(Filter{RecordType: &kind}), 1)
	other := cnmt.ContentControl
	assert.Empty(t, m.List(Filter{RecordType: &other}))

	m.RemoveEntry(cnmt.ContentProgram, testTitleID)
	assert.False(t, m.Has(testTitleID, cnmt.ContentProgram))

	m.AddEntry(cnmt.TitleTypeApplication, cnmt.ContentProgram, testTitleID, file)
	m.ClearAllEntries()
	assert.Empty(t, m.List(Filter{}))
}

func TestManualProviderInUnion(t *testing.T) {
	s := testStore(t)

	m := NewManualProvider(s)
	file := vfs.NewVectorFile("frontend.nca", []byte("x"))
	m.AddEntry(cnmt.TitleTypeApplication, cnmt.ContentControl, testTitleID, file)

	cache, _, _ := installedCache(t, s, testTitleID, 0x20000)

	u := NewUnionProvider()
	u.SetSlot(SlotSysNAND, cache)
	u.SetSlot(SlotFrontendManual, m)

	// The cache misses Control, so the manual slot answers.
	assert.Equal(t, file, u.GetEntryRaw(testTitleID, cnmt.ContentControl))
	assert.NotNil(t, u.GetEntryRaw(testTitleID, cnmt.ContentProgram))
}
