package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskSetGet(t *testing.T) {
	d, err := NewDisk(t.TempDir(), "node-a", time.Hour)
	require.NoError(t, err)

	d.Set("k", []byte("v"))
	v, ok := d.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestDiskGetMissingIsNoError(t *testing.T) {
	d, err := NewDisk(t.TempDir(), "node-a", time.Hour)
	require.NoError(t, err)

	_, ok := d.Get("absent")
	assert.False(t, ok)
}

func TestDiskRemoveMissingIsNoOp(t *testing.T) {
	d, err := NewDisk(t.TempDir(), "node-a", time.Hour)
	require.NoError(t, err)

	assert.NotPanics(t, func() { d.Remove("nope") })
}

func TestDiskPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir, "node-a", time.Hour)
	require.NoError(t, err)
	d.Set("k", []byte("v"))

	reopened, err := NewDisk(dir, "node-a", time.Hour)
	require.NoError(t, err)
	v, ok := reopened.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestDiskContainsAndLen(t *testing.T) {
	d, err := NewDisk(t.TempDir(), "node-a", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, d.Len())
	d.Set("k", []byte("v"))
	assert.True(t, d.Contains("k"))
	assert.Equal(t, 1, d.Len())
}
