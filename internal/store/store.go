// Package store persists the one piece of process-wide state spec.md §5
// calls out as surviving a session's lifetime: the ABR bitrate estimate
// seed, plus a small table of completed-session telemetry for operators
// to inspect across restarts. The on-disk fragment cache itself is
// deliberately NOT backed by this store; it stays filesystem scratch per
// spec.md §4.2.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/models"
)

// bitrateSeedID is the fixed primary key of the singleton bitrate-seed row;
// the estimate is process-wide, not per-session, per spec.md §9.
const bitrateSeedID = 1

// bitrateSeed is the singleton row holding the last-known throughput
// estimate across process restarts.
type bitrateSeed struct {
	ID            uint `gorm:"primarykey"`
	BitsPerSecond int64
	UpdatedAt     time.Time
}

// SessionSummary records telemetry for a completed or abandoned playback
// session, keyed by the session's masterId.
type SessionSummary struct {
	models.BaseModel
	MasterID        string
	FragmentsPlayed int
	Completed       bool
}

// Store is the gorm-backed persistence layer for ABR seed and session
// telemetry.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the sqlite database at cfg.DSN and
// migrates its schema.
func Open(cfg config.StoreConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.AutoMigrate(&bitrateSeed{}, &SessionSummary{}); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: getting underlying connection: %w", err)
	}
	return sqlDB.Close()
}

// LoadBitrateEstimate implements abr.BitrateSeedStore. ok is false when no
// seed has ever been saved, letting the caller fall back to its own
// default (the lowest-bandwidth variant).
func (s *Store) LoadBitrateEstimate() (int64, bool) {
	var row bitrateSeed
	if err := s.db.First(&row, "id = ?", bitrateSeedID).Error; err != nil {
		return 0, false
	}
	return row.BitsPerSecond, true
}

// SaveBitrateEstimate implements abr.BitrateSeedStore, upserting the
// singleton row.
func (s *Store) SaveBitrateEstimate(bitsPerSecond int64) {
	row := bitrateSeed{ID: bitrateSeedID, BitsPerSecond: bitsPerSecond, UpdatedAt: time.Now()}
	s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bits_per_second", "updated_at"}),
	}).Create(&row)
}

// RecordSessionSummary persists the outcome of a finished or abandoned
// session for operator inspection across restarts.
func (s *Store) RecordSessionSummary(ctx context.Context, masterID string, fragmentsPlayed int, completed bool) error {
	summary := &SessionSummary{
		MasterID:        masterID,
		FragmentsPlayed: fragmentsPlayed,
		Completed:       completed,
	}
	if err := s.db.WithContext(ctx).Create(summary).Error; err != nil {
		return fmt.Errorf("store: recording session summary: %w", err)
	}
	return nil
}

// PruneSessionSummaries deletes session telemetry rows older than retention.
// Callers typically invoke this once at startup with cfg.Store.RetentionPeriod.
func (s *Store) PruneSessionSummaries(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := s.db.WithContext(ctx).Unscoped().Where("created_at < ?", cutoff).Delete(&SessionSummary{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: pruning session summaries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
