// Package player implements the C8 contract: the public play/pause/seek/
// quality facade that owns a session's renderer and (once a master
// playlist has loaded) its hlssession.Session, aggregating both into a
// single observable state machine.
package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/abr"
	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/fragcache"
	"github.com/jmylchreest/hlsplayer/internal/hlssession"
	"github.com/jmylchreest/hlsplayer/internal/models"
	"github.com/jmylchreest/hlsplayer/internal/observability"
	"github.com/jmylchreest/hlsplayer/internal/renderer"
	"github.com/jmylchreest/hlsplayer/internal/retry"
	"github.com/jmylchreest/hlsplayer/pkg/hlsm3u8"
	"github.com/jmylchreest/hlsplayer/pkg/httpclient"
)

// PlayState is the facade's observable playback state, per spec.md §4.8.
type PlayState string

const (
	StatePaused   PlayState = "paused"
	StatePlaying  PlayState = "playing"
	StateFinished PlayState = "finished"
)

// endOfStreamMargin and starvationMargin are the 50ms thresholds spec.md
// §4.8 names for end-of-stream and buffer-starvation detection.
const (
	endOfStreamMargin = 50 * time.Millisecond
	starvationMargin  = 50 * time.Millisecond
	retryKey          = "master-load"
)

// BufferedRange is a snapshot of the bufferingStatus stream: a monotone
// [0, bufferedSeconds) range paired with the stream's total duration.
type BufferedRange struct {
	Buffered float64
	Total    float64
}

// Status is the aggregate snapshot the facade exposes to the embedder.
type Status struct {
	CurrentTime       float64
	Buffering         bool
	BufferedSeconds   float64
	BaseRate          float64
	SeekID            int64
	PlayState         PlayState
	AutoQualityHeight int
}

// Player is the C8 facade. Asserts single-threaded ownership on every
// entry the way the spec describes ("main-thread ownership"): Go has no
// main-thread concept, so this is approximated with a single mutex
// guarding every field below, standing in for the "facade thread hops to
// the player serial queue" dispatch spec.md §5 describes.
type Player struct {
	cfg      config.Config
	client   *httpclient.Client
	cache    *fragcache.Cache
	seed     abr.BitrateSeedStore
	retry    *retry.Scheduler
	video    renderer.VideoLayer
	audio    renderer.AudioRenderer
	metrics  *observability.Metrics
	logger   *slog.Logger

	listeners *completionListeners

	mu        sync.Mutex
	clock     *clock
	session   *hlssession.Session
	renderer  *renderer.Renderer
	state     PlayState
	baseRate  float64
	volume    float64
	soundOn   bool
	seekID    int64
	masterURL string

	bufCh chan BufferedRange

	tickStopOnce sync.Once
	tickStopCh   chan struct{}
	tickWg       sync.WaitGroup
}

// discardLayer stands in for an absent video or audio backend: it always
// accepts samples and drops them.
type discardLayer struct{}

func (discardLayer) IsReadyForMore() bool  { return true }
func (discardLayer) Enqueue(models.Sample) {}
func (discardLayer) Flush()                {}

// New constructs a Player. video and audio are the embedder-supplied
// platform decode/render backends C7's interfaces describe; they may be
// nil in headless/test contexts, in which case scheduled samples are
// discarded. metrics may be nil to disable Prometheus instrumentation
// entirely.
func New(cfg config.Config, client *httpclient.Client, cache *fragcache.Cache, seed abr.BitrateSeedStore, scheduler *retry.Scheduler, video renderer.VideoLayer, audio renderer.AudioRenderer, metrics *observability.Metrics, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	if video == nil {
		video = discardLayer{}
	}
	if audio == nil {
		audio = discardLayer{}
	}
	p := &Player{
		cfg:        cfg,
		client:     client,
		cache:      cache,
		seed:       seed,
		retry:      scheduler,
		video:      video,
		audio:      audio,
		metrics:    metrics,
		logger:     logger.With("component", "player"),
		listeners:  newCompletionListeners(),
		clock:      newClock(),
		state:      StatePaused,
		baseRate:   1.0,
		volume:     1.0,
		soundOn:    true,
		bufCh:      make(chan BufferedRange, 1),
		tickStopCh: make(chan struct{}),
	}
	p.renderer = renderer.New(cfg.Renderer, logger, video, audio, p.clock)
	p.startDisplayTicker()
	return p
}

// Load fetches and parses masterURL; on success it tears down any prior
// session and starts a fresh one; on failure it logs and schedules an
// unbounded 1-second retry of the same load, per spec.md §7.
func (p *Player) Load(ctx context.Context, masterURL string) {
	p.mu.Lock()
	p.masterURL = masterURL
	p.mu.Unlock()
	p.loadOnce(ctx, masterURL)
}

func (p *Player) loadOnce(ctx context.Context, masterURL string) {
	resp, err := p.client.Get(ctx, masterURL)
	if err != nil {
		p.scheduleRetry(ctx, masterURL, err)
		return
	}
	defer resp.Body.Close()

	master, err := hlsm3u8.ParseMaster(resp.Body, masterURL)
	if err != nil {
		p.scheduleRetry(ctx, masterURL, err)
		return
	}

	masterID := models.MasterID(masterURL, master.Variants)
	if p.cache != nil {
		if err := p.cache.StartSession(masterID); err != nil {
			p.logger.Warn("starting cache session", "error", err)
		}
	}

	session, err := hlssession.New(ctx, p.client, p.cache, p.logger, p.cfg.Session, p.cfg.ABR, p.seed, *master, masterID, p)
	if err != nil {
		p.scheduleRetry(ctx, masterURL, err)
		return
	}
	if p.metrics != nil {
		session.SetMetrics(p.metrics)
	}

	p.mu.Lock()
	previous := p.session
	p.session = session
	p.mu.Unlock()
	if previous != nil {
		previous.Stop()
		if p.metrics != nil {
			p.metrics.ActiveSessions.Dec()
		}
	}

	session.Start()
	if p.metrics != nil {
		p.metrics.ActiveSessions.Inc()
	}
	p.logger.Info("master playlist loaded", "master_id", masterID, "variants", len(master.Variants))
}

func (p *Player) scheduleRetry(ctx context.Context, masterURL string, err error) {
	p.logger.Warn("loading master playlist, retrying", "url", masterURL, "error", err)
	if p.retry == nil {
		return
	}
	interval := p.cfg.Network.MasterRetryInterval
	if interval <= 0 {
		interval = time.Second
	}
	p.retry.After(retryKey, interval, func() { p.loadOnce(ctx, masterURL) })
}

// Play transitions playState to playing and resumes the renderer. A finished
// stream reseeks to zero first, per spec.
func (p *Player) Play() {
	p.mu.Lock()
	finished := p.state == StateFinished
	p.mu.Unlock()
	if finished {
		p.Seek(0)
	}

	p.mu.Lock()
	p.state = StatePlaying
	p.mu.Unlock()
	p.renderer.Play()
}

// Pause transitions playState to paused and halts the renderer.
func (p *Player) Pause() {
	p.mu.Lock()
	p.state = StatePaused
	p.mu.Unlock()
	p.renderer.Pause()
}

// TogglePlayPause flips between playing and paused; a finished stream
// replays from zero via Play's own reseek.
func (p *Player) TogglePlayPause() {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	if state == StatePlaying {
		p.Pause()
		return
	}
	p.Play()
}

// Seek repositions playback to t seconds, invalidating in-flight fetches
// via the session's bufferingId and flushing the renderer's buffered
// samples, and bumps seekID.
func (p *Player) Seek(t float64) {
	p.mu.Lock()
	p.seekID++
	session := p.session
	if p.state == StateFinished {
		p.state = StatePaused
	}
	p.mu.Unlock()

	if session != nil {
		session.Seek(t)
	}
	p.renderer.Seek(models.NewRationalTime(t))
}

// SetBaseRate records the user-requested playback rate, applying it
// immediately if currently playing.
func (p *Player) SetBaseRate(rate float64) {
	p.renderer.SetBaseRate(rate)
	p.mu.Lock()
	p.baseRate = rate
	playing := p.state == StatePlaying
	p.mu.Unlock()
	if playing {
		p.renderer.Play()
	}
}

// SetVolume clamps and records the output volume; actual audio mixing is
// owned by the embedder's AudioRenderer, out of this package's scope.
func (p *Player) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
}

// SetSoundEnabled records whether audio output is muted.
func (p *Player) SetSoundEnabled(enabled bool) {
	p.mu.Lock()
	p.soundOn = enabled
	p.mu.Unlock()
}

// SetQuality pins the ABR controller's selection (or returns it to
// automatic), forces an internal seek to re-select at the current
// fragment boundary, and flushes the renderer's already-buffered samples
// of the prior quality, per spec.md §4.5.
func (p *Player) SetQuality(q abr.Quality) {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return
	}
	currentTime := p.clock.Clock().Seconds()
	session.SetQuality(q, currentTime)
	p.renderer.Flush()
}

// Status returns an aggregate snapshot of the facade's observable state.
func (p *Player) Status() Status {
	p.mu.Lock()
	session := p.session
	state := p.state
	baseRate := p.baseRate
	seekID := p.seekID
	p.mu.Unlock()

	current := p.clock.Clock().Seconds()
	var bufferedSeconds float64
	var autoHeight int
	if session != nil {
		st := session.State()
		bufferedSeconds = st.LoadingProgress
		autoHeight = session.AutoQuality(current)
	}

	return Status{
		CurrentTime:       current,
		Buffering:         state == StatePlaying && !p.isRendererRunning(),
		BufferedSeconds:   bufferedSeconds,
		BaseRate:          baseRate,
		SeekID:            seekID,
		PlayState:         state,
		AutoQualityHeight: autoHeight,
	}
}

func (p *Player) isRendererRunning() bool {
	return p.clock.Rate() != 0
}

// BufferingStatus returns the channel the 60Hz tick publishes
// BufferedRange snapshots to. The channel is never closed by Close();
// callers stop reading when they stop caring.
func (p *Player) BufferingStatus() <-chan BufferedRange {
	return p.bufCh
}

// AddPlaybackCompleted registers fn to be invoked when playState
// transitions to finished, returning a handle for later removal.
func (p *Player) AddPlaybackCompleted(fn func()) int {
	return p.listeners.Add(fn)
}

// RemovePlaybackCompleted unregisters the listener at handle.
func (p *Player) RemovePlaybackCompleted(handle int) {
	p.listeners.Remove(handle)
}

// Close tears down the display ticker and any active session.
func (p *Player) Close() {
	p.tickStopOnce.Do(func() { close(p.tickStopCh) })
	p.tickWg.Wait()

	p.mu.Lock()
	session := p.session
	p.session = nil
	p.mu.Unlock()
	if session != nil {
		session.Stop()
		if p.metrics != nil {
			p.metrics.ActiveSessions.Dec()
		}
	}
	if p.retry != nil {
		p.retry.Cancel(retryKey)
	}
}

// PlayerTime implements hlssession.Output.
func (p *Player) PlayerTime() (currentTime, rate float64) {
	return p.clock.Clock().Seconds(), p.clock.Rate()
}

// OnNewFragment implements hlssession.Output: hands the decoded fragment
// to the renderer for scheduling.
func (p *Player) OnNewFragment(fragment *models.DecodedFragment, variant models.Variant, fragmentIndex int) {
	p.renderer.Schedule(fragment)
}

// OnErrorLoadingFragment implements hlssession.Output.
func (p *Player) OnErrorLoadingFragment(err error) {
	p.logger.Warn("loading fragment", "error", err)
}

func (p *Player) startDisplayTicker() {
	interval := p.cfg.Renderer.DisplayTickInterval
	if interval <= 0 {
		interval = time.Second / 60
	}
	p.tickWg.Add(1)
	go func() {
		defer p.tickWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.tickStopCh:
				return
			case <-ticker.C:
				p.displayTick()
			}
		}
	}()
}

func (p *Player) displayTick() {
	p.renderer.DisplayLinkTrigger()

	p.mu.Lock()
	session := p.session
	state := p.state
	p.mu.Unlock()
	if session == nil {
		return
	}

	clock := p.clock.Clock()
	finish := session.FinishTime()
	loadingProgress := session.State().LoadingProgress

	p.publishBufferedRange(loadingProgress, finish.Seconds())

	remaining := time.Duration((finish.Seconds() - clock.Seconds()) * float64(time.Second))
	if state != StateFinished && remaining < endOfStreamMargin {
		p.mu.Lock()
		p.state = StateFinished
		p.mu.Unlock()
		p.renderer.Pause()
		p.listeners.Fire()
		return
	}

	margin := time.Duration((loadingProgress - clock.Seconds()) * float64(time.Second))
	running := p.isRendererRunning()
	switch {
	case margin < starvationMargin && running:
		p.renderer.Pause()
	case margin >= starvationMargin && !running && state == StatePlaying:
		p.renderer.Play()
	}
}

func (p *Player) publishBufferedRange(buffered, total float64) {
	rng := BufferedRange{Buffered: buffered, Total: total}
	select {
	case p.bufCh <- rng:
	default:
		select {
		case <-p.bufCh:
		default:
		}
		select {
		case p.bufCh <- rng:
		default:
		}
	}
}
