package n2fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeCache_InsertLookupShortName(t *testing.T) {
	tree := newTreeCache()

	tree.insert(1, "alpha", 2, 10, true)

	entry, ok := tree.lookup(1, "alpha")
	require.True(t, ok)
	require.Equal(t, uint16(2), entry.childID)
	require.Equal(t, uint32(10), entry.sector)
	require.True(t, entry.isDir)
}

func TestTreeCache_LookupMiss(t *testing.T) {
	tree := newTreeCache()

	_, ok := tree.lookup(1, "nope")
	require.False(t, ok)
}

func TestTreeCache_InvalidateRemovesEntry(t *testing.T) {
	tree := newTreeCache()
	tree.insert(1, "alpha", 2, 10, false)

	tree.invalidate(1, "alpha")

	_, ok := tree.lookup(1, "alpha")
	require.False(t, ok)
}

func TestTreeCache_InvalidateParentDropsAllChildren(t *testing.T) {
	tree := newTreeCache()
	tree.insert(1, "alpha", 2, 10, false)
	tree.insert(1, "beta", 3, 10, false)
	tree.insert(5, "gamma", 6, 20, false)

	tree.invalidateParent(1)

	_, ok := tree.lookup(1, "alpha")
	require.False(t, ok)
	_, ok = tree.lookup(1, "beta")
	require.False(t, ok)

	entry, ok := tree.lookup(5, "gamma")
	require.True(t, ok)
	require.Equal(t, uint16(6), entry.childID)
}

func TestTreeCache_LongNameFoundByHashAlone(t *testing.T) {
	tree := newTreeCache()

	long := "a-very-long-filename-past-the-inline-threshold-value"
	require.Greater(t, len(long), EntryNameLen)

	tree.insert(1, long, 9, 99, false)

	entry, ok := tree.lookup(1, long)
	require.True(t, ok)
	require.Equal(t, uint16(9), entry.childID)
}
