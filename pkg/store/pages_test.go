package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageKey(t *testing.T) {
	assert.Equal(t, "p1.c1.100.3", PageKey("p1", "c1", 100, 3))
}

func TestUpsertAndGetPage(t *testing.T) {
	s := newTestStore(t)

	rec := &PageRecord{
		ID:       PageKey("p1", "c1", 100, 0),
		Complete: true,
		Size:     800,
		LastUsed: time.Now(),
	}
	require.NoError(t, s.UpsertPage(rec))

	got, err := s.GetPage(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, int64(800), got.Size)
	assert.True(t, got.Complete)
	assert.False(t, got.NaNFilled)

	// Upsert replaces in place.
	rec.Size = 1600
	require.NoError(t, s.UpsertPage(rec))
	got, err = s.GetPage(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), got.Size)
}

func TestGetPageMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetPage("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNaNFilledPageHasZeroSize(t *testing.T) {
	s := newTestStore(t)

	id := PageKey("p1", "c1", 10, 1)
	require.NoError(t, s.WriteNaNFilled(id, false))

	got, err := s.GetPage(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.NaNFilled)
	assert.False(t, got.Complete)
	assert.Zero(t, got.Size)

	nan, err := s.IsPageNaN(id)
	require.NoError(t, err)
	assert.True(t, nan)
}

func TestIsPageCachedRequiresComplete(t *testing.T) {
	s := newTestStore(t)

	id := PageKey("p1", "c1", 100, 0)
	require.NoError(t, s.UpsertPage(&PageRecord{ID: id, Complete: false, LastUsed: time.Now()}))

	cached, err := s.IsPageCached(id)
	require.NoError(t, err)
	assert.False(t, cached, "incomplete pages must be re-fetched")

	require.NoError(t, s.UpsertPage(&PageRecord{ID: id, Complete: true, LastUsed: time.Now()}))
	cached, err = s.IsPageCached(id)
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestGetTotalSize(t *testing.T) {
	s := newTestStore(t)

	total, err := s.GetTotalSize()
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, s.UpsertPage(&PageRecord{ID: "a", Size: 150, LastUsed: time.Now()}))
	require.NoError(t, s.UpsertPage(&PageRecord{ID: "b", Size: 50, LastUsed: time.Now()}))

	total, err = s.GetTotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)
}

func TestAgedPagesOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// Old non-NaN page, oldest of all.
	require.NoError(t, s.UpsertPage(&PageRecord{
		ID: "oldest", Size: 150, LastUsed: now.Add(-20 * 7 * 24 * time.Hour),
	}))
	// Old but newer.
	require.NoError(t, s.UpsertPage(&PageRecord{
		ID: "older", Size: 50, LastUsed: now.Add(-10 * 7 * 24 * time.Hour),
	}))
	// Fresh page, not aged.
	require.NoError(t, s.UpsertPage(&PageRecord{
		ID: "fresh", Size: 10, LastUsed: now,
	}))
	// NaN pages are never eviction candidates.
	require.NoError(t, s.WriteNaNFilled("nan", true))
	require.NoError(t, s.db.Model(&PageRecord{}).Where("id = ?", "nan").
		Update("last_used", now.Add(-30*24*time.Hour)).Error)

	soft, err := s.GetSoftAgedPages()
	require.NoError(t, err)
	require.Len(t, soft, 2)
	assert.Equal(t, "oldest", soft[0].ID)
	assert.Equal(t, "older", soft[1].ID)

	// Aged 13 hours: hard candidate, not soft.
	require.NoError(t, s.UpsertPage(&PageRecord{
		ID: "halfday", Size: 20, LastUsed: now.Add(-13 * time.Hour),
	}))

	soft, err = s.GetSoftAgedPages()
	require.NoError(t, err)
	assert.Len(t, soft, 2)

	hard, err := s.GetHardAgedPages()
	require.NoError(t, err)
	assert.Len(t, hard, 3)
}

func TestTouchLastUsed(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-30 * 24 * time.Hour)

	require.NoError(t, s.UpsertPage(&PageRecord{ID: "a", Size: 1, LastUsed: old}))
	require.NoError(t, s.TouchLastUsed("a"))

	got, err := s.GetPage("a")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastUsed, time.Minute)

	// Touching a missing page is not an error.
	require.NoError(t, s.TouchLastUsed("missing"))
}

func TestDeleteAndClearPages(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertPage(&PageRecord{ID: "a", Size: 1, LastUsed: time.Now()}))
	require.NoError(t, s.UpsertPage(&PageRecord{ID: "b", Size: 2, LastUsed: time.Now()}))

	require.NoError(t, s.DeletePage("a"))
	got, err := s.GetPage("a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.ClearPages())
	total, err := s.GetTotalSize()
	require.NoError(t, err)
	assert.Zero(t, total)
}
