package fragcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmylchreest/hlsplayer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SaveThenGet(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil)

	_, ok := c.Get("m1", 1500000, "f0")
	assert.False(t, ok)

	url, err := c.Save("m1", 1500000, "f0", []byte("payload"))
	require.NoError(t, err)
	assert.Contains(t, url, "master"+"m1")
	assert.Contains(t, url, "quality1500000")

	got, ok := c.Get("m1", 1500000, "f0")
	require.True(t, ok)
	assert.Equal(t, url, got)
}

func TestCache_StartSessionWipesExisting(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil)

	_, err := c.Save("m1", 400000, "f0", []byte("stale"))
	require.NoError(t, err)

	require.NoError(t, c.StartSession("m1"))

	_, ok := c.Get("m1", 400000, "f0")
	assert.False(t, ok)
}

func TestCache_FinishSessionRemovesDir(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil)

	_, err := c.Save("m1", 400000, "f0", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, c.FinishSession("m1"))

	_, err = os.Stat(filepath.Join(dir, "masterm1"))
	assert.True(t, os.IsNotExist(err))
}

func TestCache_WipeStaleSessions(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 0, nil)
	_, err := c.Save("old", 400000, "f0", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, c.WipeStaleSessions())

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCache_EvictsLeastRecentlyUsedOverMaxBytes(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 10, nil)

	_, err := c.Save("m1", 1, "a", []byte("0123456789")) // exactly 10 bytes
	require.NoError(t, err)
	_, ok := c.Get("m1", 1, "a")
	require.True(t, ok)

	_, err = c.Save("m1", 1, "b", []byte("0123456789")) // pushes total to 20 > 10
	require.NoError(t, err)

	// "a" was least recently touched relative to "b"'s save, so it should be
	// the one evicted.
	_, ok = c.Get("m1", 1, "a")
	assert.False(t, ok)
	_, ok = c.Get("m1", 1, "b")
	assert.True(t, ok)
}

func TestFragmentID_StableAndDistinctByRange(t *testing.T) {
	f1 := models.Fragment{URL: "https://example.com/seg.mp4", ByteRange: models.ByteRange{Start: 0, Length: 1000}}
	f2 := models.Fragment{URL: "https://example.com/seg.mp4", ByteRange: models.ByteRange{Start: 1000, Length: 1000}}

	assert.Equal(t, FragmentID(f1), FragmentID(f1))
	assert.NotEqual(t, FragmentID(f1), FragmentID(f2))
}
