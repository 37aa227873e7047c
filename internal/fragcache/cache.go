// Package fragcache is the on-disk scratch for decoded-ready HLS fragments.
// Layout: <baseDir>/master<masterId>/quality<bandwidth>/frag<fragId>.mp4.
// Keys are content-identical across concurrent writers, so a racing save of
// the same key is benign; atomicity beyond "write then rename" is not
// required.
package fragcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hlsplayer/internal/models"
)

// Cache is the per-process fragment scratch. One Cache is shared by every
// session; each session's files live under its own master<masterId>
// subdirectory so FinishSession can wipe just that subtree.
type Cache struct {
	baseDir  string
	maxBytes int64
	logger   *slog.Logger

	mu    sync.Mutex
	sizes map[string]int64 // relative path -> size, for LRU-by-size eviction
	atime map[string]time.Time
}

// New constructs a Cache rooted at baseDir. If baseDir is empty, it defaults
// to <os.TempDir()>/hls per spec.
func New(baseDir string, maxBytes int64, logger *slog.Logger) *Cache {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "hls")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		baseDir:  baseDir,
		maxBytes: maxBytes,
		logger:   logger.With("component", "fragcache"),
		sizes:    make(map[string]int64),
		atime:    make(map[string]time.Time),
	}
}

// WipeStaleSessions deletes the entire hls/ parent, discarding any sessions
// left behind by a prior process that did not shut down cleanly. Call once
// on process start, before any session begins.
func (c *Cache) WipeStaleSessions() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.RemoveAll(c.baseDir); err != nil {
		return fmt.Errorf("fragcache: wiping stale sessions: %w", err)
	}
	c.sizes = make(map[string]int64)
	c.atime = make(map[string]time.Time)
	c.logger.Debug("wiped stale cache directory", "dir", c.baseDir)
	return nil
}

// StartSession wipes (if present) and recreates the scratch directory for
// masterID, matching spec.md's "wiped on session start" lifecycle rule.
func (c *Cache) StartSession(masterID string) error {
	dir := c.masterDir(masterID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("fragcache: clearing session dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fragcache: creating session dir: %w", err)
	}
	return nil
}

// FinishSession deletes the scratch directory for masterID.
func (c *Cache) FinishSession(masterID string) error {
	dir := c.masterDir(masterID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("fragcache: removing session dir: %w", err)
	}
	prefix := dir + string(os.PathSeparator)
	c.mu.Lock()
	for key := range c.sizes {
		if strings.HasPrefix(key, prefix) {
			delete(c.sizes, key)
			delete(c.atime, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Get returns the local file URL for a previously-saved fragment, or ok=false
// if it has not been materialized yet.
func (c *Cache) Get(masterID string, bandwidth int, fragmentID string) (url string, ok bool) {
	path := c.fragPath(masterID, bandwidth, fragmentID)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	c.touch(path)
	return "file://" + path, true
}

// Save persists data under (masterID, bandwidth, fragmentID) and returns its
// local file URL. A concurrent Save of the same key overwrites with
// content-identical bytes, which is harmless.
func (c *Cache) Save(masterID string, bandwidth int, fragmentID string, data []byte) (string, error) {
	dir := c.qualityDir(masterID, bandwidth)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("fragcache: creating quality dir: %w", err)
	}
	path := c.fragPath(masterID, bandwidth, fragmentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("fragcache: writing fragment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("fragcache: finalizing fragment: %w", err)
	}

	c.mu.Lock()
	c.sizes[path] = int64(len(data))
	c.atime[path] = time.Now()
	c.mu.Unlock()
	c.evictIfNeeded()

	return "file://" + path, nil
}

func (c *Cache) touch(path string) {
	c.mu.Lock()
	c.atime[path] = time.Now()
	c.mu.Unlock()
}

// Sweep runs an eviction pass outside the normal post-Save trigger, so a
// scheduler can keep the cache within maxBytes even during a long idle
// period between fragment writes.
func (c *Cache) Sweep() {
	c.evictIfNeeded()
}

// evictIfNeeded drops least-recently-used entries once total tracked size
// exceeds maxBytes. Eviction is best-effort: stat/remove failures are logged
// and skipped rather than treated as fatal.
func (c *Cache) evictIfNeeded() {
	if c.maxBytes <= 0 {
		return
	}
	c.mu.Lock()
	var total int64
	for _, sz := range c.sizes {
		total += sz
	}
	if total <= c.maxBytes {
		c.mu.Unlock()
		return
	}
	type entry = struct {
		path string
		at   time.Time
		size int64
	}
	entries := make([]entry, 0, len(c.sizes))
	for p, sz := range c.sizes {
		entries = append(entries, entry{path: p, at: c.atime[p], size: sz})
	}
	c.mu.Unlock()

	sortByAtimeAsc(entries)
	for _, e := range entries {
		if total <= c.maxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("evicting fragment", "path", e.path, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.sizes, e.path)
		delete(c.atime, e.path)
		c.mu.Unlock()
		total -= e.size
	}
}

func sortByAtimeAsc(entries []struct {
	path string
	at   time.Time
	size int64
}) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].at.Before(entries[j-1].at); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func (c *Cache) masterDir(masterID string) string {
	return filepath.Join(c.baseDir, "master"+masterID)
}

func (c *Cache) qualityDir(masterID string, bandwidth int) string {
	return filepath.Join(c.masterDir(masterID), fmt.Sprintf("quality%d", bandwidth))
}

func (c *Cache) fragPath(masterID string, bandwidth int, fragmentID string) string {
	return filepath.Join(c.qualityDir(masterID, bandwidth), fmt.Sprintf("frag%s.mp4", fragmentID))
}

// FragmentID derives a stable on-disk identifier for a fragment from its
// source URL and byte range, so repeated loads of the same fragment across
// quality switches resolve to the same cache key only when both URL and
// range match (distinct variants of the same index get distinct files,
// since their fragment URLs differ).
func FragmentID(fragment models.Fragment) string {
	h := sha256.New()
	h.Write([]byte(fragment.URL))
	h.Write([]byte(fmt.Sprintf(":%d:%d", fragment.ByteRange.Start, fragment.ByteRange.Length)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
