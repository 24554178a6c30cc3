package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	s := NewMemory(time.Hour)
	s.Set("k", []byte("v"))

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestMemoryGetMissingIsNoError(t *testing.T) {
	s := NewMemory(time.Hour)
	_, ok := s.Get("absent")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	s := NewMemory(10 * time.Millisecond)
	fake := time.Now()
	s.now = func() time.Time { return fake }
	s.Set("k", []byte("v"))

	fake = fake.Add(20 * time.Millisecond)
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestMemoryReSetResetsBirthday(t *testing.T) {
	s := NewMemory(10 * time.Millisecond)
	fake := time.Now()
	s.now = func() time.Time { return fake }
	s.Set("k", []byte("v1"))

	fake = fake.Add(5 * time.Millisecond)
	s.Set("k", []byte("v2"))

	fake = fake.Add(8 * time.Millisecond)
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

func TestMemoryRemoveMissingIsNoOp(t *testing.T) {
	s := NewMemory(time.Hour)
	assert.NotPanics(t, func() { s.Remove("nope") })
}

func TestMemoryInsertionOrderPreserved(t *testing.T) {
	s := NewMemory(time.Hour)
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))
	s.Set("c", []byte("3"))

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].Key, all[1].Key, all[2].Key})
}

func TestMemoryIterOlderThanStopsAtFirstYoung(t *testing.T) {
	s := NewMemory(time.Hour)
	fake := time.Now()
	s.now = func() time.Time { return fake }

	s.Set("old", []byte("1"))
	fake = fake.Add(2 * time.Hour)
	s.Set("new", []byte("2"))

	older := s.IterOlderThan(time.Hour)
	require.Len(t, older, 1)
	assert.Equal(t, "old", older[0].Key)
}

func TestMemoryLenAndContains(t *testing.T) {
	s := NewMemory(time.Hour)
	assert.Equal(t, 0, s.Len())
	s.Set("k", []byte("v"))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains("k"))
	assert.False(t, s.Contains("missing"))
}
