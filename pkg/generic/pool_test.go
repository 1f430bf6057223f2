package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Generates(t *testing.T) {
	calls := 0
	p := NewPool(func() int {
		calls++
		return 7
	})
	assert.Equal(t, 7, p.Get())
	assert.Equal(t, 1, calls)
}

func TestResetPool_ResetsOnPut(t *testing.T) {
	p := NewResetPool(
		func() *[]byte { b := make([]byte, 0, 16); return &b },
		func(b *[]byte) *[]byte { *b = (*b)[:0]; return b },
	)
	buf := p.Get()
	*buf = append(*buf, "frame"...)
	p.Put(buf)
	assert.Empty(t, *buf)
	assert.Equal(t, 16, cap(*buf))
}
