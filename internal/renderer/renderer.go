// Package renderer implements the C7 contract: two auto-growing ring
// buffers (video, audio) feeding platform-specific decode/render layers
// through a shared synchronizer clock, with key-frame-aligned truncation
// at schedule time so playback always resumes cleanly after a seek or
// quality change.
package renderer

import (
	"log/slog"
	"sync"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/models"
)

// initialVideoCapacity and initialAudioCapacity seed the two rings, per
// spec.md §4.7; both auto-double on enqueue-full.
const (
	initialVideoCapacity = 2000
	initialAudioCapacity = 500
)

// VideoLayer is the platform-specific video sample-buffer layer (e.g. an
// AVSampleBufferDisplayLayer equivalent). Out of scope for this engine to
// implement — it is injected by the embedder.
type VideoLayer interface {
	IsReadyForMore() bool
	Enqueue(models.Sample)
	Flush()
}

// AudioRenderer is the platform-specific audio output sink.
type AudioRenderer interface {
	IsReadyForMore() bool
	Enqueue(models.Sample)
	Flush()
}

// Synchronizer drives the common clock video and audio are scheduled
// against, and exposes the live playback rate (0 when paused).
type Synchronizer interface {
	Clock() models.RationalTime
	Rate() float64
	SetRate(rate float64)
	SetRateAtTime(rate float64, t models.RationalTime)
}

// Renderer is the C7 component. All ring/queue state is owned by a single
// mutex standing in for the "dedicated buffering queue" the spec
// describes; the platform layers themselves are assumed safe to enqueue
// from any goroutine but must be flushed from under that same lock to
// preserve ordering.
type Renderer struct {
	cfg    config.RendererConfig
	logger *slog.Logger

	video VideoLayer
	audio AudioRenderer
	sync  Synchronizer

	mu                sync.Mutex
	videoRing         *ring
	audioRing         *ring
	baseRate          float64
	enqueueInProgress bool
}

// New constructs a Renderer wired to the given platform layers.
func New(cfg config.RendererConfig, logger *slog.Logger, video VideoLayer, audio AudioRenderer, sync Synchronizer) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.InitialRingCapacity
	videoCap, audioCap := initialVideoCapacity, initialAudioCapacity
	if capacity > 0 {
		videoCap, audioCap = capacity, capacity
	}
	return &Renderer{
		cfg:       cfg,
		logger:    logger.With("component", "renderer"),
		video:     video,
		audio:     audio,
		sync:      sync,
		videoRing: newRing(videoCap),
		audioRing: newRing(audioCap),
		baseRate:  1.0,
	}
}

// Schedule truncates fragment's video and audio samples to the largest
// key-frame-aligned (video) or arbitrary (audio) cut point not yet passed
// by the synchronizer clock, then enqueues the remainder into the rings.
// This preserves startability at a key frame after seeks and quality
// changes, per spec.md §4.7.
func (r *Renderer) Schedule(fragment *models.DecodedFragment) {
	clock := r.sync.Clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	videoCut := cutIndex(fragment.Video, clock, true)
	for _, s := range fragment.Video[videoCut:] {
		r.videoRing.enqueue(s)
	}

	audioCut := cutIndex(fragment.Audio, clock, false)
	for _, s := range fragment.Audio[audioCut:] {
		r.audioRing.enqueue(s)
	}
}

// cutIndex finds the largest index i such that samples[i].PresentationTime
// <= clock and (requireKey implies samples[i].IsKeyFrame); any sample
// counts as a valid cut point when requireKey is false. Returns 0 if no
// such index exists (every sample is ahead of the clock).
func cutIndex(samples []models.Sample, clock models.RationalTime, requireKey bool) int {
	cut := 0
	for i, s := range samples {
		if s.PresentationTime.Value > clock.Value {
			break
		}
		if requireKey && !s.IsKeyFrame {
			continue
		}
		cut = i
	}
	return cut
}

// DisplayLinkTrigger is called on the ~60Hz cadence. It is guarded by
// enqueueInProgress against re-entrant calls from an overlapping tick.
func (r *Renderer) DisplayLinkTrigger() {
	r.mu.Lock()
	if r.enqueueInProgress {
		r.mu.Unlock()
		return
	}
	r.enqueueInProgress = true
	defer func() {
		r.mu.Lock()
		r.enqueueInProgress = false
		r.mu.Unlock()
	}()
	r.mu.Unlock()

	if r.sync.Rate() == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	clock := r.sync.Clock()
	if !r.video.IsReadyForMore() {
		if next, ok := r.videoRing.peek(); ok && next.PresentationTime.Value < clock.Value {
			r.video.Flush()
		}
	}
	for r.video.IsReadyForMore() {
		s, ok := r.videoRing.dequeue()
		if !ok {
			break
		}
		r.video.Enqueue(s)
	}
	for r.audio.IsReadyForMore() {
		s, ok := r.audioRing.dequeue()
		if !ok {
			break
		}
		r.audio.Enqueue(s)
	}
}

// SetBaseRate records the user-set playback rate applied by the next
// Play().
func (r *Renderer) SetBaseRate(rate float64) {
	r.mu.Lock()
	r.baseRate = rate
	r.mu.Unlock()
}

// Play sets the synchronizer's rate to the current base rate.
func (r *Renderer) Play() {
	r.mu.Lock()
	rate := r.baseRate
	r.mu.Unlock()
	r.sync.SetRate(rate)
}

// Pause sets the synchronizer's rate to 0.
func (r *Renderer) Pause() {
	r.sync.SetRate(0)
}

// Seek atomically sets the synchronizer's rate to 0 at t and flushes the
// video layer, audio renderer, and both rings.
func (r *Renderer) Seek(t models.RationalTime) {
	r.sync.SetRateAtTime(0, t)
	r.Flush()
}

// Flush clears the video layer, audio renderer, and both rings without
// moving the synchronizer clock, used on a quality change.
func (r *Renderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video.Flush()
	r.audio.Flush()
	r.videoRing.flush()
	r.audioRing.flush()
}
