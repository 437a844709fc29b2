package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertUserSettings writes the settings row for a (user, profile) pair.
func (s *Store) UpsertUserSettings(rec *UserSettings) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "profile"}},
		DoUpdates: clause.AssignmentColumns([]string{"use_dataset_id"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert settings for %s/%s: %w", rec.UserID, rec.Profile, err)
	}
	return nil
}

// GetOrCreateUserSettings returns the settings row for a (user, profile)
// pair, creating an empty one on first use.
func (s *Store) GetOrCreateUserSettings(userID, profile string) (*UserSettings, error) {
	var rec UserSettings
	err := s.db.Where("user_id = ? AND profile = ?", userID, profile).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = UserSettings{UserID: userID, Profile: profile}
		if err := s.db.Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("failed to create settings for %s/%s: %w", userID, profile, err)
		}
		return &rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings for %s/%s: %w", userID, profile, err)
	}
	return &rec, nil
}

// TouchVersionCheck records that the release check ran for a profile.
func (s *Store) TouchVersionCheck(profile string) error {
	rec := &VersionCheck{Profile: profile, LastCheck: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_check"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to touch version check for %s: %w", profile, err)
	}
	return nil
}

// GetVersionCheck returns the last release-check time for a profile, or nil
// when the check has never run.
func (s *Store) GetVersionCheck(profile string) (*VersionCheck, error) {
	var rec VersionCheck
	err := s.db.Where("profile = ?", profile).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version check for %s: %w", profile, err)
	}
	return &rec, nil
}
