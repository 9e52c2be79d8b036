package ftl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockPoolPushPopFIFO(t *testing.T) {
	p := NewBlockPool(2, 2)
	assert.False(t, p.Ready(0))

	b1 := newBlock(Geo{Blk: 0}, nil, 4)
	b2 := newBlock(Geo{Blk: 1}, nil, 4)
	p.Push(0, b1)
	p.Push(0, b2)
	assert.True(t, p.Ready(0))
	assert.Equal(t, 0, p.Depth(1))

	got, ok := p.Pop(0)
	require.True(t, ok)
	assert.Same(t, b1, got)
	assert.Equal(t, 1, p.Depth(0))

	_, ok = p.Pop(1)
	assert.False(t, ok)
}

func TestGCStateAnyEmergencyTracksPerLUN(t *testing.T) {
	g := newGCState(3)
	assert.False(t, g.AnyEmergency())

	g.SetEmergency(1, true)
	assert.True(t, g.Emergency(1))
	assert.True(t, g.AnyEmergency())

	g.SetEmergency(1, false)
	assert.False(t, g.AnyEmergency())
}

func TestInflightGateBlocksOverCap(t *testing.T) {
	g := newInflightGate(2)
	g.Reserve(2)
	assert.EqualValues(t, 2, g.Count())

	done := make(chan struct{})
	go func() {
		g.Reserve(1) // must block until a Release happens
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Reserve should have blocked while at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release(1)
	<-done
	assert.EqualValues(t, 2, g.Count())
}
