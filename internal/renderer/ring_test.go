package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsplayer/internal/models"
)

func sampleAt(v int64) models.Sample {
	return models.Sample{PresentationTime: models.RationalTime{Value: v, Timescale: models.Timescale}}
}

func TestRing_FIFOOrder(t *testing.T) {
	r := newRing(2)
	r.enqueue(sampleAt(1))
	r.enqueue(sampleAt(2))

	s, ok := r.dequeue()
	require.True(t, ok)
	assert.Equal(t, int64(1), s.PresentationTime.Value)

	s, ok = r.dequeue()
	require.True(t, ok)
	assert.Equal(t, int64(2), s.PresentationTime.Value)

	_, ok = r.dequeue()
	assert.False(t, ok)
}

func TestRing_GrowsOnOverflowPreservingOrder(t *testing.T) {
	r := newRing(2)
	r.enqueue(sampleAt(1))
	r.enqueue(sampleAt(2))
	r.enqueue(sampleAt(3)) // forces grow

	assert.Equal(t, 3, r.len())
	assert.True(t, len(r.buf) >= 3)

	for i := int64(1); i <= 3; i++ {
		s, ok := r.dequeue()
		require.True(t, ok)
		assert.Equal(t, i, s.PresentationTime.Value)
	}
}

func TestRing_GrowsAfterWraparound(t *testing.T) {
	r := newRing(2)
	r.enqueue(sampleAt(1))
	r.enqueue(sampleAt(2))
	r.dequeue()            // head advances to 1
	r.enqueue(sampleAt(3)) // wraps to index 0, now full
	r.enqueue(sampleAt(4)) // forces grow while wrapped
	r.enqueue(sampleAt(5))

	var got []int64
	for {
		s, ok := r.dequeue()
		if !ok {
			break
		}
		got = append(got, s.PresentationTime.Value)
	}
	assert.Equal(t, []int64{2, 3, 4, 5}, got)
}

func TestRing_FlushEmptiesQueue(t *testing.T) {
	r := newRing(4)
	r.enqueue(sampleAt(1))
	r.enqueue(sampleAt(2))
	r.flush()

	assert.Equal(t, 0, r.len())
	_, ok := r.peek()
	assert.False(t, ok)
}

func TestRing_PeekDoesNotRemove(t *testing.T) {
	r := newRing(4)
	r.enqueue(sampleAt(7))

	s, ok := r.peek()
	require.True(t, ok)
	assert.Equal(t, int64(7), s.PresentationTime.Value)
	assert.Equal(t, 1, r.len())
}
