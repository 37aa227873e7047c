// Package hlssession implements the C6 contract: owns the per-session
// fragment-timing grid, one fragment loader per variant, the ABR
// controller, and a 100ms recurring tick that advances playback by
// fetching, decoding, and handing off fragments in strictly ascending
// index order.
package hlssession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/hlsplayer/internal/abr"
	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/fragcache"
	"github.com/jmylchreest/hlsplayer/internal/fragloader"
	"github.com/jmylchreest/hlsplayer/internal/models"
	"github.com/jmylchreest/hlsplayer/internal/observability"
	"github.com/jmylchreest/hlsplayer/pkg/hlsm3u8"
	"github.com/jmylchreest/hlsplayer/pkg/httpclient"
)

// Output is the facade-supplied sink a session reports into. PlayerTime is
// polled at the start of every tick; the two On* callbacks are invoked from
// the session's serial queue (never concurrently with each other or with
// another tick).
type Output interface {
	PlayerTime() (currentTime, rate float64)
	OnNewFragment(fragment *models.DecodedFragment, variant models.Variant, fragmentIndex int)
	OnErrorLoadingFragment(err error)
}

// Session is the C6 state machine: one per successfully-loaded master
// playlist. All mutable state is owned by the serial queue emulated with
// mu; the 100ms ticker and any in-flight load goroutine only ever touch
// that state while holding it.
type Session struct {
	logger   *slog.Logger
	cfg      config.SessionConfig
	masterID string
	master   models.MasterPlaylist
	output   Output

	timeFragments []models.TimeFragment
	loaders       map[int]*fragloader.Loader     // bandwidth -> loader
	playlists     map[int]*models.MediaPlaylist  // bandwidth -> media playlist
	variants      []models.Variant
	abrCtl        *abr.Controller

	mu            sync.Mutex
	state         models.SessionState
	skipScheduled bool
	started       bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	metrics *observability.Metrics
}

// SetMetrics wires a Prometheus collector set into the session, its ABR
// controller, and every per-variant loader; optional, and safe to leave
// unset in tests.
func (s *Session) SetMetrics(m *observability.Metrics) {
	s.metrics = m
	s.abrCtl.SetMetrics(m)
	for _, loader := range s.loaders {
		loader.SetMetrics(m)
	}
}

// New fetches every variant's media playlist concurrently (errgroup), drops
// variants whose playlist fails to load (logged, per spec.md §7), and fails
// construction only if zero variants remain. It then builds the session's
// time-fragment grid from the first surviving variant's fragment durations.
func New(ctx context.Context, client *httpclient.Client, cache *fragcache.Cache, logger *slog.Logger, cfg config.SessionConfig, abrCfg config.ABRConfig, seed abr.BitrateSeedStore, master models.MasterPlaylist, masterID string, output Output) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hlssession", "master_id", masterID)

	playlists, variants, err := loadMediaPlaylists(ctx, client, master, logger)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, models.NewPlaybackError(models.ErrKindParsePlaylist, "hlssession", "no variant media playlists loaded", nil)
	}

	first := playlists[variants[0].Bandwidth]
	timeFragments := models.BuildTimeFragments(first.Fragments)

	loaders := make(map[int]*fragloader.Loader, len(variants))
	for _, v := range variants {
		loaders[v.Bandwidth] = fragloader.New(client, cache, logger, masterID, v, playlists[v.Bandwidth])
	}

	s := &Session{
		logger:        logger,
		cfg:           cfg,
		masterID:      masterID,
		master:        master,
		output:        output,
		timeFragments: timeFragments,
		loaders:       loaders,
		playlists:     playlists,
		variants:      variants,
		abrCtl:        abr.New(variants, abrCfg, seed),
		state:         models.SessionState{BufferingID: models.NewBufferingID()},
		stopCh:        make(chan struct{}),
	}
	return s, nil
}

// loadMediaPlaylists fetches and parses every variant's media playlist
// concurrently, returning only the ones that succeeded, ordered by
// descending bandwidth to match master.Variants.
func loadMediaPlaylists(ctx context.Context, client *httpclient.Client, master models.MasterPlaylist, logger *slog.Logger) (map[int]*models.MediaPlaylist, []models.Variant, error) {
	type result struct {
		variant  models.Variant
		playlist *models.MediaPlaylist
	}
	results := make([]result, len(master.Variants))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range master.Variants {
		i, v := i, v
		g.Go(func() error {
			resp, err := client.Get(gctx, v.PlaylistURL)
			if err != nil {
				logger.Warn("loading variant media playlist", "bandwidth", v.Bandwidth, "error", err)
				return nil
			}
			defer resp.Body.Close()

			playlist, err := hlsm3u8.ParseMedia(resp.Body, v.PlaylistURL)
			if err != nil {
				logger.Warn("parsing variant media playlist", "bandwidth", v.Bandwidth, "error", err)
				return nil
			}
			results[i] = result{variant: v, playlist: playlist}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("hlssession: loading media playlists: %w", err)
	}

	playlists := make(map[int]*models.MediaPlaylist)
	var variants []models.Variant
	for _, r := range results {
		if r.playlist == nil {
			continue
		}
		playlists[r.variant.Bandwidth] = r.playlist
		variants = append(variants, r.variant)
	}
	return playlists, variants, nil
}

// Start begins the 100ms tick loop. Calling Start twice is a no-op.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(context.Background())
			}
		}
	}()
}

// Stop halts the tick loop and writes the ABR estimate back to its seed
// store. It blocks until the loop goroutine has exited.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.abrCtl.Close()
}

// State returns a snapshot of the session's mutable cursor.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FinishTime returns the timestamp at which the last fragment ends, used by
// the facade's end-of-stream detection.
func (s *Session) FinishTime() models.RationalTime {
	if len(s.timeFragments) == 0 {
		return models.RationalTime{Timescale: models.Timescale}
	}
	return s.timeFragments[len(s.timeFragments)-1].End()
}

// SetQuality records the user's pinned quality on the ABR controller, then
// performs an internal seek to the current player time to force
// re-selection at the current fragment boundary.
func (s *Session) SetQuality(q abr.Quality, currentTime float64) {
	s.abrCtl.SetQuality(q)
	s.Seek(currentTime)
}

// AutoQuality reports the height the ABR controller would currently
// recommend, independent of any pinned quality, for the facade's status
// snapshot (spec.md §4.5's read-only projection).
func (s *Session) AutoQuality(currentTime float64) int {
	return s.abrCtl.AutoQuality(currentTime, s.LoadingProgress(), 1.0)
}

// Estimate reports the ABR controller's current throughput estimate in
// bits per second.
func (s *Session) Estimate() int64 {
	return s.abrCtl.Estimate()
}

// Seek repositions the session's cursor to t, mints a fresh bufferingId
// (invalidating any in-flight load), and resets the skipScheduled gate so
// the next tick fetches immediately.
func (s *Session) Seek(t float64) {
	idx := s.fragmentIndexFor(t)

	s.mu.Lock()
	s.state.CurrentFragmentIndex = idx
	s.state.LoadingProgress = t
	s.state.BufferingID = models.NewBufferingID()
	s.skipScheduled = false
	s.mu.Unlock()
}

// fragmentIndexFor scans timeFragments for the index covering t, per
// spec.md §4.6; t beyond the last fragment's end clamps to the last index.
func (s *Session) fragmentIndexFor(t float64) int {
	for i, tf := range s.timeFragments {
		if t >= tf.Timestamp.Seconds() && t < tf.End().Seconds() {
			return i
		}
	}
	if len(s.timeFragments) == 0 {
		return 0
	}
	return len(s.timeFragments) - 1
}

// tick implements _scheduledRun: skip if not started, past the last
// fragment, or a previous tick's load is still outstanding.
func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.skipScheduled || s.state.CurrentFragmentIndex >= len(s.timeFragments) {
		s.mu.Unlock()
		return
	}
	index := s.state.CurrentFragmentIndex
	bufferingID := s.state.BufferingID
	basetime := s.timeFragments[index].Timestamp
	s.mu.Unlock()

	currentTime, rate := s.output.PlayerTime()
	loadingProgress := s.LoadingProgress()
	if s.metrics != nil {
		s.metrics.BufferOccupancySecs.Set(loadingProgress - currentTime)
	}

	variant, ok := s.abrCtl.Choose(index, currentTime, loadingProgress, rate)
	if !ok {
		return
	}

	s.mu.Lock()
	s.skipScheduled = true
	s.mu.Unlock()

	go s.loadFragment(ctx, index, bufferingID, basetime, variant)
}

// LoadingProgress returns the session's current buffered-up-to marker.
func (s *Session) LoadingProgress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LoadingProgress
}

func (s *Session) loadFragment(ctx context.Context, index int, bufferingID uuid.UUID, basetime models.RationalTime, variant models.Variant) {
	defer func() {
		s.mu.Lock()
		s.skipScheduled = false
		s.mu.Unlock()
	}()

	loader := s.loaders[variant.Bandwidth]
	fragment := s.fragmentFor(variant, index)

	decoded, loadDuration, err := loader.LoadTimed(ctx, bufferingID, s.currentBufferingID, fragment, basetime)
	if err != nil {
		s.output.OnErrorLoadingFragment(err)
		return
	}
	if decoded == nil {
		// bufferingId mismatch: a seek or quality change superseded this load.
		return
	}

	s.mu.Lock()
	if s.state.BufferingID != bufferingID {
		s.mu.Unlock()
		return
	}
	// Always advances loadingProgress to basetime + fragment.duration,
	// idempotent against a seek that reset loadingProgress to a smaller
	// value in the meantime (spec.md §4.6/§9).
	s.state.LoadingProgress = basetime.Seconds() + fragment.Duration
	s.state.CurrentFragmentIndex = index + 1
	s.mu.Unlock()

	s.abrCtl.Loaded(fragment, variant, index, loadDuration, decoded.IsCached)
	s.output.OnNewFragment(decoded, variant, index)
}

func (s *Session) currentBufferingID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.BufferingID
}

// fragmentFor returns variant's fragment entry at index. Every variant's
// media playlist is assumed to carry the same fragment count and matching
// per-index durations (the session-wide invariant the timeFragments grid is
// built against); only the byte range and URL legitimately differ per
// variant.
func (s *Session) fragmentFor(variant models.Variant, index int) models.Fragment {
	playlist := s.playlists[variant.Bandwidth]
	if playlist == nil || index >= len(playlist.Fragments) {
		return models.Fragment{}
	}
	return playlist.Fragments[index]
}
