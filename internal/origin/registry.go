package origin

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/jmylchreest/hlsplayer/internal/models"
)

// mtprotoRef matches the provider's mtproto:<fileId> resource references so
// they can be rewritten into locally-servable partfile<fileId>.mp4 URLs,
// per spec.md §6.
var mtprotoRef = regexp.MustCompile(`mtproto:(\S+)`)

// session is the registry's record of one playback session's in-memory
// variant set and pre-rewritten per-variant media playlist text.
type session struct {
	variants       []models.Variant
	mediaPlaylists map[int]string // height -> rewritten playlist text
}

// Registry holds the in-memory sessions the local origin serves, keyed by
// sessionId. There is no cross-session sharing (spec.md §5).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Register records sessionID's variant set and per-variant media playlist
// text, rewriting any mtproto:<fileId> occurrence into partfile<fileId>.mp4
// before storing it.
func (r *Registry) Register(sessionID string, variants []models.Variant, mediaPlaylists map[int]string) {
	rewritten := make(map[int]string, len(mediaPlaylists))
	for height, text := range mediaPlaylists {
		rewritten[height] = mtprotoRef.ReplaceAllString(text, "partfile$1.mp4")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &session{variants: variants, mediaPlaylists: rewritten}
}

// Unregister drops sessionID's record.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// masterPlaylist synthesizes the master M3U8 text for sessionID from its
// in-memory variant set, per spec.md §6.
func (r *Registry) masterPlaylist(sessionID string) (string, bool) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	variants := make([]models.Variant, len(s.variants))
	copy(variants, s.variants)
	sort.SliceStable(variants, func(i, j int) bool { return variants[i].Bandwidth > variants[j].Bandwidth })

	text := "#EXTM3U\n"
	for _, v := range variants {
		text += fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", v.Bandwidth, v.Width, v.Height)
		text += fmt.Sprintf("hls_level_%d.m3u8\n", v.Height)
	}
	return text, true
}

// mediaPlaylist returns the rewritten media playlist text for sessionID at
// the given resolution height.
func (r *Registry) mediaPlaylist(sessionID string, height int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	text, ok := s.mediaPlaylists[height]
	return text, ok
}
