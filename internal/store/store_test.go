package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsplayer/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "hlsplayer.db")
	s, err := Open(config.StoreConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadBitrateEstimate_NoSeedReturnsFalse(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.LoadBitrateEstimate()
	assert.False(t, ok)
}

func TestSaveThenLoadBitrateEstimate_RoundTrips(t *testing.T) {
	s := newTestStore(t)

	s.SaveBitrateEstimate(4_500_000)

	got, ok := s.LoadBitrateEstimate()
	require.True(t, ok)
	assert.Equal(t, int64(4_500_000), got)
}

func TestSaveBitrateEstimate_SecondCallOverwritesSingletonRow(t *testing.T) {
	s := newTestStore(t)

	s.SaveBitrateEstimate(1_000_000)
	s.SaveBitrateEstimate(2_000_000)

	got, ok := s.LoadBitrateEstimate()
	require.True(t, ok)
	assert.Equal(t, int64(2_000_000), got)

	var count int64
	require.NoError(t, s.db.Model(&bitrateSeed{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordSessionSummary_PersistsRow(t *testing.T) {
	s := newTestStore(t)

	err := s.RecordSessionSummary(context.Background(), "master-123", 42, true)
	require.NoError(t, err)

	var summaries []SessionSummary
	require.NoError(t, s.db.Find(&summaries).Error)
	require.Len(t, summaries, 1)
	assert.Equal(t, "master-123", summaries[0].MasterID)
	assert.Equal(t, 42, summaries[0].FragmentsPlayed)
	assert.True(t, summaries[0].Completed)
	assert.False(t, summaries[0].ID.IsZero())
}

func TestPruneSessionSummaries_KeepsRowsWithinRetention(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordSessionSummary(context.Background(), "master-recent", 10, true))

	pruned, err := s.PruneSessionSummaries(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)

	var count int64
	require.NoError(t, s.db.Model(&SessionSummary{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPruneSessionSummaries_DeletesRowsOlderThanRetention(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordSessionSummary(context.Background(), "master-old", 5, false))
	require.NoError(t, s.db.Model(&SessionSummary{}).Where("master_id = ?", "master-old").
		Update("created_at", time.Now().Add(-60*24*time.Hour)).Error)

	pruned, err := s.PruneSessionSummaries(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var count int64
	require.NoError(t, s.db.Model(&SessionSummary{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
