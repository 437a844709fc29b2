package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Eviction age thresholds. Soft-aged pages are gently reclaimed once the
// cache exceeds its soft budget; hard-aged pages are candidates as soon as
// the hard budget is breached.
const (
	SoftAge = 7 * 24 * time.Hour
	HardAge = 12 * time.Hour
)

// UpsertPage inserts or replaces a page metadata row.
func (s *Store) UpsertPage(rec *PageRecord) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nan_filled", "complete", "size", "last_used"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert page %s: %w", rec.ID, err)
	}
	return nil
}

// WriteNaNFilled records a page as NaN-filled. NaN pages carry no file on
// disk, so size is forced to zero.
func (s *Store) WriteNaNFilled(id string, complete bool) error {
	rec := &PageRecord{
		ID:        id,
		NaNFilled: true,
		Complete:  complete,
		Size:      0,
		LastUsed:  time.Now(),
	}
	return s.UpsertPage(rec)
}

// TouchLastUsed refreshes the LRU timestamp of a page. Missing rows are
// ignored; the page may not have been cached yet.
func (s *Store) TouchLastUsed(id string) error {
	err := s.db.Model(&PageRecord{}).
		Where("id = ?", id).
		Update("last_used", time.Now()).Error
	if err != nil {
		return fmt.Errorf("failed to touch page %s: %w", id, err)
	}
	return nil
}

// GetPage returns the page row, or nil when the page is not cached.
func (s *Store) GetPage(id string) (*PageRecord, error) {
	var rec PageRecord
	err := s.db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", id, err)
	}
	return &rec, nil
}

// DeletePage removes a page row. Deleting a missing row is not an error.
func (s *Store) DeletePage(id string) error {
	if err := s.db.Where("id = ?", id).Delete(&PageRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete page %s: %w", id, err)
	}
	return nil
}

// IsPageCached reports whether a complete cached row exists for the key.
// Incomplete pages do not count: their window is still open and they must
// be re-fetched.
func (s *Store) IsPageCached(id string) (bool, error) {
	var count int64
	err := s.db.Model(&PageRecord{}).
		Where("id = ? AND complete = ?", id, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check page %s: %w", id, err)
	}
	return count > 0, nil
}

// IsPageNaN reports whether the page is recorded as NaN-filled.
func (s *Store) IsPageNaN(id string) (bool, error) {
	var count int64
	err := s.db.Model(&PageRecord{}).
		Where("id = ? AND nan_filled = ?", id, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check page %s: %w", id, err)
	}
	return count > 0, nil
}

// GetTotalSize returns the summed on-disk size of all cached pages.
func (s *Store) GetTotalSize() (int64, error) {
	var total *int64
	err := s.db.Model(&PageRecord{}).
		Select("SUM(size)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum page sizes: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// GetSoftAgedPages returns non-NaN pages unused for more than a week,
// oldest first.
func (s *Store) GetSoftAgedPages() ([]PageRecord, error) {
	return s.agedPages(SoftAge)
}

// GetHardAgedPages returns non-NaN pages unused for more than twelve hours,
// oldest first.
func (s *Store) GetHardAgedPages() ([]PageRecord, error) {
	return s.agedPages(HardAge)
}

func (s *Store) agedPages(age time.Duration) ([]PageRecord, error) {
	var recs []PageRecord
	cutoff := time.Now().Add(-age)
	err := s.db.Where("nan_filled = ? AND last_used < ?", false, cutoff).
		Order("last_used ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list aged pages: %w", err)
	}
	return recs, nil
}

// ClearPages deletes every page row. Used by the cache clear command; the
// caller is responsible for removing files afterwards.
func (s *Store) ClearPages() error {
	if err := s.db.Exec("DELETE FROM pages").Error; err != nil {
		return fmt.Errorf("failed to clear pages: %w", err)
	}
	return nil
}
