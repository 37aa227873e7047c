package renderer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/models"
)

type fakeLayer struct {
	mu      sync.Mutex
	ready   bool
	enqueued []models.Sample
	flushes int
}

func (f *fakeLayer) IsReadyForMore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}
func (f *fakeLayer) Enqueue(s models.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, s)
}
func (f *fakeLayer) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = nil
	f.flushes++
}
func (f *fakeLayer) setReady(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = v
}
func (f *fakeLayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

type fakeSync struct {
	mu    sync.Mutex
	clock models.RationalTime
	rate  float64
}

func (f *fakeSync) Clock() models.RationalTime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}
func (f *fakeSync) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}
func (f *fakeSync) SetRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
}
func (f *fakeSync) SetRateAtTime(rate float64, t models.RationalTime) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	f.clock = t
}

func sampleAtKey(v int64, key bool) models.Sample {
	return models.Sample{PresentationTime: models.RationalTime{Value: v, Timescale: models.Timescale}, IsKeyFrame: key}
}

func newTestRenderer() (*Renderer, *fakeLayer, *fakeLayer, *fakeSync) {
	video := &fakeLayer{ready: true}
	audio := &fakeLayer{ready: true}
	sync := &fakeSync{}
	r := New(config.RendererConfig{InitialRingCapacity: 4}, nil, video, audio, sync)
	return r, video, audio, sync
}

func TestSchedule_TruncatesVideoAtLastKeyFrameBeforeClock(t *testing.T) {
	r, _, _, sync := newTestRenderer()
	sync.clock = models.RationalTime{Value: 5, Timescale: models.Timescale}

	frag := &models.DecodedFragment{
		Video: []models.Sample{
			sampleAtKey(0, true),
			sampleAtKey(2, false),
			sampleAtKey(4, true), // last key frame at/before clock=5
			sampleAtKey(6, true), // ahead of clock
		},
	}
	r.Schedule(frag)

	assert.Equal(t, 2, r.videoRing.len()) // samples at 4 and 6
	s, _ := r.videoRing.peek()
	assert.Equal(t, int64(4), s.PresentationTime.Value)
}

func TestSchedule_NoKeyFrameBeforeClockCutsAtZero(t *testing.T) {
	r, _, _, sync := newTestRenderer()
	sync.clock = models.RationalTime{Value: 5, Timescale: models.Timescale}

	frag := &models.DecodedFragment{
		Video: []models.Sample{
			sampleAtKey(0, false),
			sampleAtKey(2, false),
		},
	}
	r.Schedule(frag)

	assert.Equal(t, 2, r.videoRing.len())
}

func TestSchedule_AudioAnySampleCountsAsCut(t *testing.T) {
	r, _, _, sync := newTestRenderer()
	sync.clock = models.RationalTime{Value: 3, Timescale: models.Timescale}

	frag := &models.DecodedFragment{
		Audio: []models.Sample{
			sampleAtKey(0, false),
			sampleAtKey(2, false), // last sample <= clock, cut here
			sampleAtKey(4, false),
		},
	}
	r.Schedule(frag)

	assert.Equal(t, 2, r.audioRing.len())
	s, _ := r.audioRing.peek()
	assert.Equal(t, int64(2), s.PresentationTime.Value)
}

func TestDisplayLinkTrigger_DrainsRingsWhileReady(t *testing.T) {
	r, video, audio, sync := newTestRenderer()
	sync.rate = 1

	r.videoRing.enqueue(sampleAtKey(1, true))
	r.videoRing.enqueue(sampleAtKey(2, true))
	r.audioRing.enqueue(sampleAtKey(1, false))

	r.DisplayLinkTrigger()

	assert.Equal(t, 2, video.count())
	assert.Equal(t, 1, audio.count())
}

func TestDisplayLinkTrigger_PausedDoesNothing(t *testing.T) {
	r, video, _, sync := newTestRenderer()
	sync.rate = 0
	r.videoRing.enqueue(sampleAtKey(1, true))

	r.DisplayLinkTrigger()

	assert.Equal(t, 0, video.count())
	assert.Equal(t, 1, r.videoRing.len())
}

func TestDisplayLinkTrigger_FlushesLayerWhenStuckBehindClock(t *testing.T) {
	r, video, _, sync := newTestRenderer()
	sync.rate = 1
	sync.clock = models.RationalTime{Value: 10, Timescale: models.Timescale}
	video.setReady(false)
	r.videoRing.enqueue(sampleAtKey(1, true)) // behind clock

	r.DisplayLinkTrigger()

	require.Equal(t, 1, video.flushes)
}

func TestSeek_FlushesRingsAndSetsRateAtTime(t *testing.T) {
	r, video, audio, sync := newTestRenderer()
	r.videoRing.enqueue(sampleAtKey(1, true))
	r.audioRing.enqueue(sampleAtKey(1, false))

	r.Seek(models.RationalTime{Value: 42, Timescale: models.Timescale})

	assert.Equal(t, 0, r.videoRing.len())
	assert.Equal(t, 0, r.audioRing.len())
	assert.Equal(t, 0.0, sync.Rate())
	assert.Equal(t, int64(42), sync.Clock().Value)
	assert.Equal(t, 1, video.flushes)
	assert.Equal(t, 1, audio.flushes)
}

func TestPlay_UsesBaseRate(t *testing.T) {
	r, _, _, sync := newTestRenderer()
	r.SetBaseRate(2.0)
	r.Play()
	assert.Equal(t, 2.0, sync.Rate())
}

func TestPause_SetsRateZero(t *testing.T) {
	r, _, _, sync := newTestRenderer()
	sync.rate = 1
	r.Pause()
	assert.Equal(t, 0.0, sync.Rate())
}
