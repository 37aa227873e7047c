// Package abr implements the C5 adaptive-bitrate controller: throughput
// estimation via an asymmetric EWMA and urgency-weighted variant selection
// with a "never downgrade an already-decoded fragment" rule.
package abr

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/models"
	"github.com/jmylchreest/hlsplayer/internal/observability"
)

// minLoadDuration clamps the wall-clock denominator used in the throughput
// calculation, per the reimplementation note in spec.md §9: tiny segments
// would otherwise produce a near-infinite instantaneous rate.
const minLoadDuration = 10 * time.Millisecond

// BitrateSeedStore persists the process-wide last-known bitrate estimate
// across Controller lifetimes, per spec.md §5/§9 ("module-global... read on
// construction, write on destruction").
type BitrateSeedStore interface {
	LoadBitrateEstimate() (bitsPerSecond int64, ok bool)
	SaveBitrateEstimate(bitsPerSecond int64)
}

// Quality is the user's pinned selection: either automatic (ABR-driven) or
// an explicit resolution height.
type Quality struct {
	Auto   bool
	Height int
}

// AutoQuality returns the automatic-selection quality value.
func AutoQuality() Quality { return Quality{Auto: true} }

// ExplicitQuality pins selection to a specific resolution height.
func ExplicitQuality(height int) Quality { return Quality{Height: height} }

// Controller is the per-session ABR state: the throughput estimate, the
// user's pinned quality (if any), and the per-fragment-index memory of the
// best-resolution variant already materialized (so downgrades are
// suppressed for already-downloaded fragments).
type Controller struct {
	cfg      config.ABRConfig
	variants []models.Variant // descending bandwidth, per spec.md §4.1
	seed     BitrateSeedStore

	estimate atomic.Int64 // bits/s

	mu              sync.Mutex
	selected        Quality
	loadedPlaylists map[int]models.Variant // fragmentIndex -> variant
	lastVariant     models.Variant
	hasLastVariant  bool

	metrics *observability.Metrics
}

// SetMetrics wires a Prometheus collector set into the controller;
// optional, and safe to leave unset in tests.
func (c *Controller) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// New constructs a Controller for a session's variant set, ordered by
// descending bandwidth. The estimate is seeded from seed.LoadBitrateEstimate
// if available, otherwise from the lowest-bandwidth variant.
func New(variants []models.Variant, cfg config.ABRConfig, seed BitrateSeedStore) *Controller {
	sorted := make([]models.Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bandwidth > sorted[j].Bandwidth })

	c := &Controller{
		cfg:             cfg,
		variants:        sorted,
		seed:            seed,
		selected:        AutoQuality(),
		loadedPlaylists: make(map[int]models.Variant),
	}

	initial := int64(0)
	if len(sorted) > 0 {
		initial = int64(sorted[len(sorted)-1].Bandwidth)
	}
	if seed != nil {
		if v, ok := seed.LoadBitrateEstimate(); ok {
			initial = v
		}
	}
	c.estimate.Store(initial)

	return c
}

// Close writes the current estimate back to the seed store, per spec.md §5.
func (c *Controller) Close() {
	if c.seed != nil {
		c.seed.SaveBitrateEstimate(c.estimate.Load())
	}
}

// Estimate returns the current throughput estimate in bits/s.
func (c *Controller) Estimate() int64 {
	return c.estimate.Load()
}

// SetQuality records the user's pinned quality selection. The caller (C6)
// is responsible for re-seeking to force re-selection at the current
// fragment boundary, per spec.md §4.6.
func (c *Controller) SetQuality(q Quality) {
	c.mu.Lock()
	c.selected = q
	c.mu.Unlock()
}

// Choose implements spec.md §4.5's choose(fragmentIndex, playerTime,
// loadingProgress, playbackRate). ok is false when the buffer gate trips
// (the caller must not fetch).
func (c *Controller) Choose(fragmentIndex int, playerTime, loadingProgress, playbackRate float64) (variant models.Variant, ok bool) {
	c.mu.Lock()
	selected := c.selected
	loaded, hasLoaded := c.loadedPlaylists[fragmentIndex]
	c.mu.Unlock()

	if !selected.Auto {
		if v, found := c.variantByHeight(selected.Height); found {
			return v, true
		}
	}

	bufferLeft := loadingProgress - playerTime
	if bufferLeft >= c.cfg.BufferingDuration.Seconds() {
		return models.Variant{}, false
	}

	urgent := bufferLeft < c.cfg.UrgentDuration.Seconds()
	ratio := c.ratioFor(bufferLeft)

	chosen := c.scan(ratio, playbackRate)

	if hasLoaded && (loaded.Height > chosen.Height || urgent) {
		chosen = loaded
	}
	return chosen, true
}

// AutoQuality is spec.md §4.5's autoQuality(playerTime, loadingProgress,
// rate) — a read-only projection using the bitrateRatio family without the
// already-downloaded override, reported for UI display even when the user
// has pinned a quality (spec.md §7 supplemented feature).
func (c *Controller) AutoQuality(playerTime, loadingProgress, playbackRate float64) int {
	bufferLeft := loadingProgress - playerTime
	ratio := c.ratioFor(bufferLeft)
	return c.scan(ratio, playbackRate).Height
}

func (c *Controller) ratioFor(bufferLeft float64) float64 {
	switch {
	case bufferLeft < c.cfg.UrgentDuration.Seconds():
		return c.cfg.UrgentRatio
	case bufferLeft > c.cfg.NotUrgentDuration.Seconds():
		return c.cfg.NotUrgentRatio
	default:
		return c.cfg.BitrateRatio
	}
}

// scan walks variants in descending-bandwidth order and returns the first
// one whose estimated throughput comfortably exceeds its bandwidth at the
// given ratio and playback rate; falls back to the lowest-bandwidth variant.
func (c *Controller) scan(ratio, playbackRate float64) models.Variant {
	estimate := float64(c.estimate.Load())
	if playbackRate <= 0 {
		playbackRate = 1
	}
	for _, v := range c.variants {
		if estimate/(float64(v.Bandwidth)*ratio*playbackRate) > 1 {
			return v
		}
	}
	if len(c.variants) == 0 {
		return models.Variant{}
	}
	return c.variants[len(c.variants)-1]
}

func (c *Controller) variantByHeight(height int) (models.Variant, bool) {
	for _, v := range c.variants {
		if v.Height == height {
			return v, true
		}
	}
	return models.Variant{}, false
}

// Loaded implements spec.md §4.5's loaded(fragment, variantId, fragmentIndex,
// loadSeconds). Cached loads skip the estimate update but still update the
// already-downloaded memory.
func (c *Controller) Loaded(fragment models.Fragment, variant models.Variant, fragmentIndex int, loadDuration time.Duration, cached bool) {
	if !cached {
		if loadDuration < minLoadDuration {
			loadDuration = minLoadDuration
		}
		instantaneous := float64(fragment.ByteRange.Length*8) / loadDuration.Seconds()
		estimate := float64(c.estimate.Load())
		alpha := c.cfg.DowngradeSpeed
		if instantaneous > estimate {
			alpha = c.cfg.UpgradeSpeed
		}
		updated := alpha*instantaneous + (1-alpha)*estimate
		c.estimate.Store(int64(updated))
	}
	if c.metrics != nil {
		c.metrics.BandwidthEstimateBps.Set(float64(c.estimate.Load()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.loadedPlaylists[fragmentIndex]; !ok || variant.Height >= existing.Height {
		c.loadedPlaylists[fragmentIndex] = variant
	}

	if c.metrics != nil && c.hasLastVariant && variant.Height != c.lastVariant.Height {
		direction := "down"
		if variant.Height > c.lastVariant.Height {
			direction = "up"
		}
		c.metrics.VariantSwitchesTotal.WithLabelValues(direction).Inc()
	}
	c.lastVariant, c.hasLastVariant = variant, true
}
