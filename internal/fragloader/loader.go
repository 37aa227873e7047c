// Package fragloader implements the C3 contract: byte-range fetch of a
// variant's init and media segments, persistence through the fragment
// cache, and handoff to the demux adapter — all gated by a bufferingId
// freshness check after every asynchronous step so stale work from a
// superseded seek or quality change is silently dropped.
package fragloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/hlsplayer/internal/demux"
	"github.com/jmylchreest/hlsplayer/internal/fragcache"
	"github.com/jmylchreest/hlsplayer/internal/models"
	"github.com/jmylchreest/hlsplayer/internal/observability"
	"github.com/jmylchreest/hlsplayer/pkg/httpclient"
)

// CurrentBufferingID returns the session's live bufferingId, read at each
// stage boundary to detect a seek or quality change that invalidates the
// in-flight load.
type CurrentBufferingID func() uuid.UUID

// Loader fetches and decodes fragments for one variant. Its lifetime spans
// the session: the variant's init segment is fetched at most once and
// memoized for every fragment load that follows.
type Loader struct {
	client   *httpclient.Client
	cache    *fragcache.Cache
	logger   *slog.Logger
	masterID string
	variant  models.Variant
	initURL  string
	initByte models.ByteRange

	initOnce sync.Once
	initData []byte
	initErr  error

	metrics *observability.Metrics
}

// SetMetrics wires a Prometheus collector set into the loader; optional,
// and safe to leave unset in tests.
func (l *Loader) SetMetrics(m *observability.Metrics) {
	l.metrics = m
}

// New constructs a Loader for a single variant of a session.
func New(client *httpclient.Client, cache *fragcache.Cache, logger *slog.Logger, masterID string, variant models.Variant, playlist *models.MediaPlaylist) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		client:   client,
		cache:    cache,
		logger:   logger.With("component", "fragloader", "bandwidth", variant.Bandwidth),
		masterID: masterID,
		variant:  variant,
		initURL:  playlist.Map.URL,
		initByte: playlist.Map.ByteRange,
	}
}

// Load fetches (or reuses a cached copy of) fragment, demuxes it, and
// returns the DecodedFragment positioned at basetime in the rational clock.
// It returns (nil, nil) — no result and no error — when current() no longer
// equals bufferingID at any stage boundary: the caller issued a seek or
// quality change and this load's output must be discarded silently.
func (l *Loader) Load(ctx context.Context, bufferingID uuid.UUID, current CurrentBufferingID, fragment models.Fragment, basetime models.RationalTime) (*models.DecodedFragment, error) {
	if current() != bufferingID {
		return nil, nil
	}

	fragmentID := fragcache.FragmentID(fragment)

	if url, ok := l.cache.Get(l.masterID, l.variant.Bandwidth, fragmentID); ok {
		decoded, err := demux.Demux(url, basetime, fragment)
		if err != nil {
			return nil, err
		}
		decoded.IsCached = true
		if current() != bufferingID {
			return nil, nil
		}
		return decoded, nil
	}

	if err := l.ensureInit(ctx); err != nil {
		return nil, err
	}
	if current() != bufferingID {
		return nil, nil
	}

	segData, err := l.fetchRange(ctx, fragment.URL, fragment.ByteRange)
	if err != nil {
		if l.metrics != nil {
			l.metrics.FetchErrorsTotal.WithLabelValues("fragment").Inc()
		}
		return nil, models.NewPlaybackError(models.ErrKindNetwork, "fragloader", "fetching fragment", err)
	}
	if current() != bufferingID {
		return nil, nil
	}

	combined := make([]byte, 0, len(l.initData)+len(segData))
	combined = append(combined, l.initData...)
	combined = append(combined, segData...)

	url, err := l.cache.Save(l.masterID, l.variant.Bandwidth, fragmentID, combined)
	if err != nil {
		return nil, fmt.Errorf("fragloader: persisting fragment: %w", err)
	}
	if current() != bufferingID {
		return nil, nil
	}

	decoded, err := demux.Demux(url, basetime, fragment)
	if err != nil {
		return nil, err
	}
	if current() != bufferingID {
		return nil, nil
	}

	return decoded, nil
}

func (l *Loader) ensureInit(ctx context.Context) error {
	l.initOnce.Do(func() {
		data, err := l.fetchRange(ctx, l.initURL, l.initByte)
		if err != nil {
			if l.metrics != nil {
				l.metrics.FetchErrorsTotal.WithLabelValues("init").Inc()
			}
			l.initErr = models.NewPlaybackError(models.ErrKindNetwork, "fragloader", "fetching init segment", err)
			return
		}
		l.initData = data
	})
	return l.initErr
}

func (l *Loader) fetchRange(ctx context.Context, url string, byteRange models.ByteRange) ([]byte, error) {
	resp, err := l.client.GetRange(ctx, url, byteRange.Start, byteRange.Length)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// LoadTimed is Load with wall-clock measurement of the non-cached fetch
// path, used by the ABR controller's throughput estimate (spec.md §4.5);
// cached hits report zero elapsed time so callers can skip the estimate
// update as the spec requires.
func (l *Loader) LoadTimed(ctx context.Context, bufferingID uuid.UUID, current CurrentBufferingID, fragment models.Fragment, basetime models.RationalTime) (*models.DecodedFragment, time.Duration, error) {
	start := time.Now()
	decoded, err := l.Load(ctx, bufferingID, current, fragment, basetime)
	if err != nil || decoded == nil || decoded.IsCached {
		return decoded, 0, err
	}
	elapsed := time.Since(start)
	if l.metrics != nil {
		l.metrics.FragmentFetchSeconds.Observe(elapsed.Seconds())
	}
	return decoded, elapsed, nil
}
