package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetDoesNotOverlap(t *testing.T) {
	p := NewPool()
	a := p.Get(16)
	b := p.Get(16)
	for i := range a {
		a[i] = 0xaa
	}
	for _, v := range b {
		assert.Equal(t, byte(0), v)
	}
	// cap is clipped so appending to a never writes into b
	a = append(a, 1)
	assert.Equal(t, byte(0), b[0])
}

func TestGetRollsOverToFreshBuffer(t *testing.T) {
	p := NewPool()
	first := p.Get(100 * 1024)
	first[0] = 7
	for p.Remaining() >= 100*1024 {
		p.Get(100 * 1024)
	}
	next := p.Get(100 * 1024)
	assert.Equal(t, byte(7), first[0])
	assert.Equal(t, byte(0), next[0])
}

func TestGetLargeAllocatesSeparately(t *testing.T) {
	p := NewPool()
	before := p.Remaining()
	b := p.Get(2 * maxpoolsize)
	assert.Len(t, b, 2*maxpoolsize)
	assert.Equal(t, before, p.Remaining())
}
