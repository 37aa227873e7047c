package player

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/fragcache"
	"github.com/jmylchreest/hlsplayer/internal/observability"
	"github.com/jmylchreest/hlsplayer/pkg/httpclient"
)

const masterTemplate = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=640x360
media.m3u8
`

const mediaTemplate = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.0,
frag0.mp4
#EXTINF:6.0,
frag1.mp4
#EXT-X-ENDLIST
`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(masterTemplate))
	})
	mux.HandleFunc("/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(mediaTemplate))
	})
	mux.HandleFunc("/init.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("init"))
	})
	mux.HandleFunc("/frag0.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("frag0"))
	})
	mux.HandleFunc("/frag1.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("frag1"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() config.Config {
	return config.Config{
		Network:  config.NetworkConfig{MasterRetryInterval: 30 * time.Millisecond},
		ABR:      config.ABRConfig{BufferingDuration: 30 * time.Second, UrgentDuration: 5 * time.Second, NotUrgentDuration: 15 * time.Second, BitrateRatio: 1.3, UrgentRatio: 2.0, NotUrgentRatio: 1.1, UpgradeSpeed: 0.1, DowngradeSpeed: 0.3},
		Session:  config.SessionConfig{TickInterval: 10 * time.Millisecond},
		Renderer: config.RendererConfig{DisplayTickInterval: 5 * time.Millisecond, InitialRingCapacity: 8},
	}
}

type fakeSeed struct {
	mu  sync.Mutex
	val int64
	ok  bool
}

func (f *fakeSeed) LoadBitrateEstimate() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.ok
}
func (f *fakeSeed) SaveBitrateEstimate(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.val, f.ok = v, true
}

func newTestPlayer(t *testing.T) (*Player, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t)
	client := httpclient.New(httpclient.Config{Timeout: time.Second})
	cache := fragcache.New(filepath.Join(t.TempDir(), "cache"), 10*1024*1024, nil)
	p := New(testConfig(), client, cache, &fakeSeed{}, nil, nil, nil, nil, nil)
	t.Cleanup(p.Close)
	return p, srv
}

func TestLoad_SuccessStartsSession(t *testing.T) {
	p, srv := newTestPlayer(t)

	p.Load(context.Background(), srv.URL+"/master.m3u8")

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.session != nil
	}, time.Second, 10*time.Millisecond)
}

func TestPlayPauseToggle_TransitionsState(t *testing.T) {
	p, _ := newTestPlayer(t)

	assert.Equal(t, StatePaused, p.Status().PlayState)
	p.Play()
	assert.Equal(t, StatePlaying, p.Status().PlayState)
	p.TogglePlayPause()
	assert.Equal(t, StatePaused, p.Status().PlayState)
}

func TestPlay_FromFinishedReseeksToZero(t *testing.T) {
	p, _ := newTestPlayer(t)

	p.Seek(5)
	beforeSeekID := p.Status().SeekID

	p.mu.Lock()
	p.state = StateFinished
	p.mu.Unlock()

	p.Play()

	status := p.Status()
	assert.Equal(t, StatePlaying, status.PlayState)
	assert.Greater(t, status.SeekID, beforeSeekID)
}

func TestSeek_BumpsSeekID(t *testing.T) {
	p, _ := newTestPlayer(t)

	before := p.Status().SeekID
	p.Seek(5)
	assert.Equal(t, before+1, p.Status().SeekID)
}

func TestSetBaseRate_AppliesImmediatelyWhenPlaying(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.Play()
	p.SetBaseRate(2.0)
	assert.Equal(t, 2.0, p.clock.Rate())
}

func TestSetVolume_Clamps(t *testing.T) {
	p, _ := newTestPlayer(t)
	p.SetVolume(5)
	p.mu.Lock()
	v := p.volume
	p.mu.Unlock()
	assert.Equal(t, 1.0, v)

	p.SetVolume(-1)
	p.mu.Lock()
	v = p.volume
	p.mu.Unlock()
	assert.Equal(t, 0.0, v)
}

func TestAddRemovePlaybackCompleted_FiresOnlyWhileRegistered(t *testing.T) {
	p, _ := newTestPlayer(t)

	var fired int
	handle := p.AddPlaybackCompleted(func() { fired++ })
	p.listeners.Fire()
	assert.Equal(t, 1, fired)

	p.RemovePlaybackCompleted(handle)
	p.listeners.Fire()
	assert.Equal(t, 1, fired)
}

func TestLoad_WithMetricsIncrementsActiveSessions(t *testing.T) {
	srv := newTestServer(t)
	client := httpclient.New(httpclient.Config{Timeout: time.Second})
	cache := fragcache.New(filepath.Join(t.TempDir(), "cache"), 10*1024*1024, nil)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	p := New(testConfig(), client, cache, &fakeSeed{}, nil, nil, nil, metrics, nil)
	t.Cleanup(p.Close)

	p.Load(context.Background(), srv.URL+"/master.m3u8")

	require.Eventually(t, func() bool {
		metricFamilies, err := reg.Gather()
		require.NoError(t, err)
		for _, mf := range metricFamilies {
			if mf.GetName() == "hlsplayer_player_active_sessions" {
				return mf.Metric[0].GetGauge().GetValue() == 1
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestBufferingStatus_PublishesSnapshots(t *testing.T) {
	p, srv := newTestPlayer(t)
	p.Load(context.Background(), srv.URL+"/master.m3u8")
	p.Play()

	select {
	case rng := <-p.BufferingStatus():
		assert.GreaterOrEqual(t, rng.Total, 0.0)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for buffered range snapshot")
	}
}
