package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertUser writes the singleton user row, refreshing the session
// timestamp. The inner id is fixed; switching profiles overwrites the row.
func (s *Store) UpsertUser(rec *UserRecord) error {
	rec.InnerID = userInnerID
	rec.UpdatedAt = time.Now()
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "inner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"id", "name", "session_token", "profile", "environment",
			"organization_id", "organization_name", "encryption_key_id", "updated_at",
		}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser returns the cached user row, or nil when no session is cached.
func (s *Store) GetUser() (*UserRecord, error) {
	var rec UserRecord
	err := s.db.Where("inner_id = ?", userInnerID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &rec, nil
}

// DeleteUser removes the cached session row.
func (s *Store) DeleteUser() error {
	if err := s.db.Where("inner_id = ?", userInnerID).Delete(&UserRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}
