package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Items())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Items())

	for i := 3; i <= 7; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{5, 6, 7}, r.Items())
}

func TestRingKeepsLastHundred(t *testing.T) {
	r := NewRing[int](BufferSize)
	for i := 1; i <= 250; i++ {
		r.Push(i)
	}
	items := r.Items()
	assert.Len(t, items, 100)
	assert.Equal(t, 151, items[0])
	assert.Equal(t, 250, items[99])
}
