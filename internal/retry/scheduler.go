// Package retry provides a small cron.Cron-backed scheduler for the two
// delayed-work policies the playback engine needs: the player facade's
// unbounded 1-second master-load retry (spec.md §4.8, §7) and the fragment
// cache's recurring size sweep.
package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron.Cron instance with keyed one-shot and recurring
// jobs, so a caller can replace or cancel a previously-scheduled entry by
// name instead of tracking cron.EntryID values itself.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler constructs and starts a Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		logger:  logger.With("component", "retry"),
		cron:    c,
		entries: make(map[string]cron.EntryID),
	}
}

// fixedDelay is a cron.Schedule that activates delay after the previous
// activation. Unlike cron.Every it keeps sub-second delays as given; a
// non-positive delay falls back to one second.
type fixedDelay time.Duration

func (d fixedDelay) Next(t time.Time) time.Time {
	if d <= 0 {
		return t.Add(time.Second)
	}
	return t.Add(time.Duration(d))
}

// After schedules fn to run once after delay, under key. A second call
// with the same key replaces any entry still pending under it (so repeated
// load failures re-arm the retry instead of stacking duplicate timers).
func (s *Scheduler) After(key string, delay time.Duration, fn func()) {
	var id cron.EntryID
	id = s.cron.Schedule(fixedDelay(delay), cron.FuncJob(func() {
		s.Cancel(key)
		fn()
	}))
	s.replace(key, id)
}

// Every schedules fn to run repeatedly on interval, under key.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) {
	id := s.cron.Schedule(fixedDelay(interval), cron.FuncJob(fn))
	s.replace(key, id)
}

func (s *Scheduler) replace(key string, id cron.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok {
		s.cron.Remove(existing)
	}
	s.entries[key] = id
}

// Cancel removes the entry scheduled under key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		s.cron.Remove(id)
		delete(s.entries, key)
	}
}

// Stop blocks until the cron engine has drained any job in progress.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
