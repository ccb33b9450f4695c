package handles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeGenerations(t *testing.T) {
	handles := NewTree[int]()
	a1 := handles.Create(0, "1", 0xa1)
	a2 := handles.Create(0, "2", 0xa2)
	a11 := handles.Create(a1, "1.1", 0xa11)
	a12 := handles.Create(a1, "1.2", 0xa12)
	a121 := handles.Create(a12, "1.2.1", 0xa121)
	a21 := handles.Create(a2, "2.1", 0xa21)

	assert.Equal(t, Handle(1001), a1)
	for h, want := range map[Handle]int{a1: 0xa1, a12: 0xa12, a121: 0xa121} {
		v, ok := handles.Get(h)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	handles.Reset()
	b1 := handles.Create(0, "1", 0xb1)
	handles.Create(0, "3", 0xb3)
	b11 := handles.Create(b1, "1.1", 0xb11)
	b12 := handles.Create(b1, "1.2", 0xb12)
	handles.Create(b1, "1.3", 0xb13)
	b121 := handles.Create(b12, "1.2.1", 0xb121)
	b122 := handles.Create(b12, "1.2.2", 0xb122)

	_, ok := handles.Get(a2)
	assert.False(t, ok)
	_, ok = handles.Get(a21)
	assert.False(t, ok)

	assert.Equal(t, a1, b1)
	assert.Equal(t, a11, b11)
	assert.Equal(t, a12, b12)
	assert.Equal(t, a121, b121)

	v, _ := handles.Get(b1)
	assert.Equal(t, 0xb1, v)
	v, _ = handles.Get(b122)
	assert.Equal(t, 0xb122, v)

	parent, key, value, ok := handles.GetFullInfo(b121)
	require.True(t, ok)
	assert.Equal(t, b12, parent)
	assert.Equal(t, "1.2.1", key)
	assert.Equal(t, 0xb121, value)
}

func TestTreeForgetsAfterTwoResets(t *testing.T) {
	handles := NewTree[string]()
	a := handles.Create(0, "x", "a")
	handles.Reset()
	handles.Reset()
	b := handles.Create(0, "x", "b")
	assert.NotEqual(t, a, b)
	assert.Greater(t, uint32(b), uint32(a))
}

func TestTreeCollision(t *testing.T) {
	handles := NewTree[int]()
	a := handles.Create(0, "dup", 1)
	handles.Reset()
	b := handles.Create(0, "dup", 2)
	assert.Equal(t, a, b)
	// The same parent/key twice in one generation must not share a handle.
	c := handles.Create(0, "dup", 3)
	assert.NotEqual(t, b, c)
	v, _ := handles.Get(b)
	assert.Equal(t, 2, v)
	v, _ = handles.Get(c)
	assert.Equal(t, 3, v)
}

func TestTreeInvalidParentPanics(t *testing.T) {
	handles := NewTree[int]()
	h1 := handles.Create(0, "12345", 12345)
	assert.Panics(t, func() {
		handles.Create(h1+1, "12345", 12345)
	})
}

func TestFromInt(t *testing.T) {
	_, err := FromInt(0)
	assert.Error(t, err)
	_, err = FromInt(-5)
	assert.Error(t, err)
	h, err := FromInt(1005)
	require.NoError(t, err)
	assert.Equal(t, 1005, ToInt(h))
}
